package audit

import (
	"fmt"
	"sort"

	"github.com/ikeniborn/vpn-sub000/pkg/configstore"
	"github.com/ikeniborn/vpn-sub000/pkg/keygen"
	"github.com/ikeniborn/vpn-sub000/pkg/lifecycle"
	"github.com/ikeniborn/vpn-sub000/pkg/log"
	"github.com/ikeniborn/vpn-sub000/pkg/registry"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// PlaceholderInvalidKey is written into a healed record when the real
// public key cannot be derived. It is deliberately loud: a record carrying
// it produces a connection link that can never work, instead of one that
// silently points at a stale or fabricated key.
const PlaceholderInvalidKey = "PLACEHOLDER-INVALID-KEY"

// Kind classifies a discrepancy between the inbound document and the
// user registry.
type Kind string

const (
	// MissingUserRecord: a client entry exists in the document but the
	// registry has no record for it.
	MissingUserRecord Kind = "missing-user-record"

	// OrphanedUserRecord: the registry has a record for a name the
	// document no longer authorizes.
	OrphanedUserRecord Kind = "orphaned-user-record"

	// StaleKeyMaterial: a record exists but disagrees with the document
	// on identity or connection parameters.
	StaleKeyMaterial Kind = "stale-key-material"

	// StaleCacheFile: a scalar cache file is missing or holds a value the
	// document does not produce.
	StaleCacheFile Kind = "stale-cache-file"
)

// Discrepancy is one divergence found by an audit pass.
type Discrepancy struct {
	Kind   Kind
	Name   string // user name, or cache file name for StaleCacheFile
	Detail string
}

// HealOptions controls what Heal is allowed to do.
type HealOptions struct {
	// DeleteOrphans permits removing registry records the document no
	// longer authorizes. Destructive, so off unless explicitly confirmed.
	DeleteOrphans bool
}

// HealReport summarizes a heal pass.
type HealReport struct {
	Created []string
	Updated []string
	Deleted []string
	Skipped []string // orphans left in place without DeleteOrphans
}

// Auditor reconciles the user registry and the scalar caches against the
// inbound document. The document is always the side that wins.
type Auditor struct {
	reg  *registry.Registry
	host string
}

// New creates an Auditor. host is the public address stamped into healed
// records' connection links.
func New(reg *registry.Registry, host string) *Auditor {
	return &Auditor{reg: reg, host: host}
}

// Audit compares the document's client entries with the registry records
// for the primary inbound's protocol. Cache files are audited too.
func (a *Auditor) Audit(instanceDir string) ([]Discrepancy, error) {
	doc, err := configstore.Load(configstore.DocumentPath(instanceDir))
	if err != nil {
		return nil, err
	}
	cfg := doc.Primary()

	records, err := a.reg.List(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*types.UserRecord, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}

	expected := a.expectedValues(cfg)

	var out []Discrepancy
	for _, cl := range cfg.Settings.Clients {
		rec, ok := byName[cl.Name]
		if !ok {
			out = append(out, Discrepancy{
				Kind:   MissingUserRecord,
				Name:   cl.Name,
				Detail: "client authorized in document but absent from registry",
			})
			continue
		}
		delete(byName, cl.Name)
		if detail := staleDetail(rec, cl, cfg, expected); detail != "" {
			out = append(out, Discrepancy{Kind: StaleKeyMaterial, Name: cl.Name, Detail: detail})
		}
	}
	for name := range byName {
		out = append(out, Discrepancy{
			Kind:   OrphanedUserRecord,
			Name:   name,
			Detail: "registry record has no client entry in document",
		})
	}

	cacheDiscrepancies, err := CacheAudit(cfg, lifecycle.CacheDir(instanceDir))
	if err != nil {
		return nil, err
	}
	out = append(out, cacheDiscrepancies...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Heal repairs what Audit found: missing records are created from the
// document, stale records are rewritten to match it, and orphans are
// deleted only when opts.DeleteOrphans is set. Cache files are rebuilt
// when any of them is stale.
func (a *Auditor) Heal(instanceDir string, opts HealOptions) (*HealReport, error) {
	logger := log.WithComponent("audit")

	doc, err := configstore.Load(configstore.DocumentPath(instanceDir))
	if err != nil {
		return nil, err
	}
	cfg := doc.Primary()

	discrepancies, err := a.Audit(instanceDir)
	if err != nil {
		return nil, err
	}

	expected := a.expectedValues(cfg)
	rep := &HealReport{}
	cachesStale := false

	for _, d := range discrepancies {
		switch d.Kind {
		case MissingUserRecord:
			cl := cfg.FindClient(d.Name)
			if cl == nil {
				continue
			}
			if _, err := a.reg.Create(a.recordFromClient(cl, cfg, expected)); err != nil {
				return rep, fmt.Errorf("healing %s: %w", d.Name, err)
			}
			rep.Created = append(rep.Created, d.Name)

		case StaleKeyMaterial:
			cl := cfg.FindClient(d.Name)
			if cl == nil {
				continue
			}
			_, err := a.reg.Update(cfg.Protocol, d.Name, func(rec *types.UserRecord) error {
				rec.UUID = cl.ID
				rec.Flow = cl.Flow
				rec.Port = cfg.Port
				rec.SNI = expected.sni
				rec.PublicKey = expected.publicKey
				rec.ShortID = expected.shortID
				return nil
			})
			if err != nil {
				return rep, fmt.Errorf("healing %s: %w", d.Name, err)
			}
			rep.Updated = append(rep.Updated, d.Name)

		case OrphanedUserRecord:
			if !opts.DeleteOrphans {
				rep.Skipped = append(rep.Skipped, d.Name)
				logger.Warn().Str("user", d.Name).
					Msg("orphaned record left in place, deletion not confirmed")
				continue
			}
			if err := a.reg.Delete(cfg.Protocol, d.Name); err != nil {
				return rep, fmt.Errorf("removing orphan %s: %w", d.Name, err)
			}
			rep.Deleted = append(rep.Deleted, d.Name)

		case StaleCacheFile:
			cachesStale = true
		}
	}

	if cachesStale {
		if err := configstore.RebuildCaches(cfg, lifecycle.CacheDir(instanceDir)); err != nil {
			return rep, err
		}
		logger.Info().Msg("scalar caches rebuilt")
	}
	return rep, nil
}

// CacheAudit compares the scalar cache files against the values the
// inbound config produces. A missing file and a wrong value are the same
// discrepancy; both are fixed by a rebuild.
func CacheAudit(cfg *types.InboundConfig, cacheDir string) ([]Discrepancy, error) {
	want, err := configstore.CacheValues(cfg)
	if err != nil {
		return nil, err
	}

	var out []Discrepancy
	for _, name := range configstore.CacheFiles {
		got, err := configstore.ReadCache(cacheDir, name)
		if err != nil {
			out = append(out, Discrepancy{
				Kind:   StaleCacheFile,
				Name:   name,
				Detail: "cache file unreadable or missing",
			})
			continue
		}
		if got != want[name] {
			out = append(out, Discrepancy{
				Kind:   StaleCacheFile,
				Name:   name,
				Detail: fmt.Sprintf("cache holds %q, document produces %q", got, want[name]),
			})
		}
	}
	return out, nil
}

type expectedUserValues struct {
	sni       string
	publicKey string
	shortID   string
}

// expectedValues derives the per-user fields every record must carry. If
// the public key cannot be derived the loud placeholder is used so a
// broken link is obviously broken.
func (a *Auditor) expectedValues(cfg *types.InboundConfig) expectedUserValues {
	if !cfg.RealityEnabled() {
		return expectedUserValues{}
	}
	r := cfg.Stream.Reality
	pub, err := keygen.PublicFromPrivate(r.PrivateKey)
	if err != nil {
		logger := log.WithComponent("audit")
		logger.Error().Err(err).
			Msg("cannot derive public key from document, using invalid placeholder")
		pub = PlaceholderInvalidKey
	}
	return expectedUserValues{sni: r.SNI(), publicKey: pub, shortID: r.FirstShortID()}
}

func (a *Auditor) recordFromClient(cl *types.ClientEntry, cfg *types.InboundConfig, expected expectedUserValues) *types.UserRecord {
	return &types.UserRecord{
		Name:      cl.Name,
		UUID:      cl.ID,
		Port:      cfg.Port,
		Server:    a.host,
		SNI:       expected.sni,
		PublicKey: expected.publicKey,
		ShortID:   expected.shortID,
		Protocol:  cfg.Protocol,
		Flow:      cl.Flow,
	}
}

// staleDetail reports the first field on which rec disagrees with the
// document, or "" when the record is coherent.
func staleDetail(rec *types.UserRecord, cl *types.ClientEntry, cfg *types.InboundConfig, expected expectedUserValues) string {
	switch {
	case rec.UUID != cl.ID:
		return fmt.Sprintf("uuid %q does not match document %q", rec.UUID, cl.ID)
	case rec.Port != cfg.Port:
		return fmt.Sprintf("port %d does not match document %d", rec.Port, cfg.Port)
	case rec.SNI != expected.sni:
		return fmt.Sprintf("sni %q does not match document %q", rec.SNI, expected.sni)
	case rec.PublicKey != expected.publicKey:
		return "public key does not match document key material"
	case rec.ShortID != expected.shortID:
		return "short id does not match document key material"
	}
	return ""
}
