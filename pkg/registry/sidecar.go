package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/ikeniborn/vpn-sub000/pkg/log"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// Sidecar layout: users/<protocol>/<name>.json, <name>.uri, <name>.png.
// The JSON and URI files are the compatibility contract; the QR image is
// produced by the external renderer when one is wired.

func (r *Registry) namespaceDir(protocol types.Protocol) string {
	return filepath.Join(r.usersDir, string(protocol))
}

// SidecarPaths returns the credential JSON, URI and QR paths for a user.
func (r *Registry) SidecarPaths(protocol types.Protocol, name string) (jsonPath, uriPath, qrPath string) {
	dir := r.namespaceDir(protocol)
	return filepath.Join(dir, name+".json"),
		filepath.Join(dir, name+".uri"),
		filepath.Join(dir, name+".png")
}

// materialize writes the sidecar files for rec, after the index commit.
func (r *Registry) materialize(rec *types.UserRecord) error {
	dir := r.namespaceDir(rec.Protocol)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating user namespace dir: %w", err)
	}

	jsonPath, uriPath, qrPath := r.SidecarPaths(rec.Protocol, rec.Name)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding user record: %w", err)
	}
	if err := os.WriteFile(jsonPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("writing user record sidecar: %w", err)
	}
	if err := os.WriteFile(uriPath, []byte(rec.URI+"\n"), 0600); err != nil {
		return fmt.Errorf("writing user uri sidecar: %w", err)
	}

	if r.qr != nil {
		if err := r.qr.Render(rec.URI, qrPath); err != nil {
			// QR is a presentation artifact; its renderer failing must
			// not fail the credential write.
			logger := log.WithComponent("registry")
			logger.Warn().
				Err(err).
				Str("user", rec.Name).
				Msg("qr render failed")
		}
	}
	return nil
}

func (r *Registry) removeSidecars(protocol types.Protocol, name string) error {
	jsonPath, uriPath, qrPath := r.SidecarPaths(protocol, name)
	for _, path := range []string{jsonPath, uriPath, qrPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing sidecar %s: %w", path, err)
		}
	}
	return nil
}

// Rehydrate rebuilds the index for one protocol from its sidecar JSON
// files. Recovery path for a lost or replaced registry database: the
// sidecars are a full projection of the index.
func (r *Registry) Rehydrate(protocol types.Protocol) (int, error) {
	dir := r.namespaceDir(protocol)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading namespace dir: %w", err)
	}

	restored := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return restored, fmt.Errorf("reading sidecar %s: %w", entry.Name(), err)
		}
		var rec types.UserRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logger := log.WithComponent("registry")
			logger.Warn().
				Err(err).
				Str("sidecar", entry.Name()).
				Msg("skipping unparseable sidecar")
			continue
		}
		if rec.Protocol != protocol {
			continue
		}
		if err := r.upsert(&rec); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// upsert writes a record to the index without touching sidecars.
func (r *Registry) upsert(rec *types.UserRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(rec.Protocol))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", rec.Protocol, err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
}
