package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// DocumentName is the file name of the inbound document inside an
// instance directory.
const DocumentName = "config.json"

// DocumentPath returns the inbound document path for an instance dir.
func DocumentPath(instanceDir string) string {
	return filepath.Join(instanceDir, DocumentName)
}

// Load reads and validates the inbound document at path. A document that
// parses but violates the schema is reported as ErrConfigCorrupt.
func Load(path string) (*types.InboundDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inbound document: %w", err)
	}

	var doc types.InboundDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", types.ErrConfigCorrupt, path, err)
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save validates doc and writes it atomically: the document is marshaled
// to a temp file in the same directory, synced, then renamed over the
// original. A crash mid-save never leaves a half-written document behind.
func Save(doc *types.InboundDocument, path string) error {
	if err := Validate(doc); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding inbound document: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".inbound-*.json")
	if err != nil {
		return fmt.Errorf("creating temp document: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp document: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("restricting document mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("committing inbound document: %w", err)
	}
	return nil
}

// Validate checks the schema invariants the rest of the engine relies on.
// Every violation wraps ErrConfigCorrupt.
func Validate(doc *types.InboundDocument) error {
	if doc == nil || len(doc.Inbounds) == 0 {
		return fmt.Errorf("%w: document has no inbounds", types.ErrConfigCorrupt)
	}

	for _, in := range doc.Inbounds {
		if in.Port < 1 || in.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", types.ErrConfigCorrupt, in.Port)
		}
		switch in.Stream.Security {
		case types.SecurityNone, types.SecurityReality:
		default:
			return fmt.Errorf("%w: unknown security mode %q", types.ErrConfigCorrupt, in.Stream.Security)
		}
		if in.Stream.Security == types.SecurityReality {
			r := in.Stream.Reality
			if r == nil || r.PrivateKey == "" {
				return fmt.Errorf("%w: reality enabled without a private key", types.ErrConfigCorrupt)
			}
			if len(r.ShortIDs) == 0 {
				return fmt.Errorf("%w: reality enabled without short ids", types.ErrConfigCorrupt)
			}
			if len(r.ServerNames) == 0 {
				return fmt.Errorf("%w: reality enabled without server names", types.ErrConfigCorrupt)
			}
		}

		names := make(map[string]struct{}, len(in.Settings.Clients))
		ids := make(map[string]struct{}, len(in.Settings.Clients))
		for _, cl := range in.Settings.Clients {
			if cl.Name == "" {
				return fmt.Errorf("%w: client with empty name", types.ErrConfigCorrupt)
			}
			if _, dup := names[cl.Name]; dup {
				return fmt.Errorf("%w: duplicate client name %q", types.ErrConfigCorrupt, cl.Name)
			}
			names[cl.Name] = struct{}{}
			if cl.ID != "" {
				if _, dup := ids[cl.ID]; dup {
					return fmt.Errorf("%w: duplicate client id for %q", types.ErrConfigCorrupt, cl.Name)
				}
				ids[cl.ID] = struct{}{}
			}
		}
	}
	return nil
}

// Backup copies the document at path to a timestamped sibling and returns
// the backup path. Rotation refuses to proceed without one.
func Backup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading document for backup: %w", err)
	}
	backupPath := fmt.Sprintf("%s.bak-%s", path, time.Now().Format("20060102-150405"))
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	return backupPath, nil
}

// Restore copies a backup produced by Backup over the live document.
func Restore(backupPath, path string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("restoring document: %w", err)
	}
	return nil
}
