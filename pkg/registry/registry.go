package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ikeniborn/vpn-sub000/pkg/sharelink"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// Registry owns per-user credential records, keyed by (protocol, name).
// The index lives in a bbolt database with one bucket per protocol, so
// identical display names never collide across protocols. Sidecar files
// under the users directory are the compatibility format and are written
// through after every index commit.
type Registry struct {
	db       *bolt.DB
	usersDir string
	qr       QRRenderer
}

// Open opens (creating if needed) the registry database at dbPath with
// sidecar files rooted at usersDir. qr may be nil when no QR collaborator
// is wired.
func Open(dbPath, usersDir string, qr QRRenderer) (*Registry, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	return &Registry{db: db, usersDir: usersDir, qr: qr}, nil
}

// Close closes the database
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create inserts a new user record. The record's Protocol and Name key it;
// CreatedAt is stamped and the connection URI regenerated before commit.
func (r *Registry) Create(rec *types.UserRecord) (*types.UserRecord, error) {
	if !rec.Protocol.Valid() {
		return nil, fmt.Errorf("unknown protocol %q", rec.Protocol)
	}
	if rec.Name == "" {
		return nil, fmt.Errorf("user name cannot be empty")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	uri, err := sharelink.Build(rec)
	if err != nil {
		return nil, err
	}
	rec.URI = uri

	err = r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(rec.Protocol))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", rec.Protocol, err)
		}
		if b.Get([]byte(rec.Name)) != nil {
			return fmt.Errorf("%w: user %q under %s", types.ErrDuplicateName, rec.Name, rec.Protocol)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
	if err != nil {
		return nil, err
	}

	if err := r.materialize(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Read returns the record for (protocol, name).
func (r *Registry) Read(protocol types.Protocol, name string) (*types.UserRecord, error) {
	var rec types.UserRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(protocol))
		if b == nil {
			return fmt.Errorf("%w: user %q under %s", types.ErrNotFound, name, protocol)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: user %q under %s", types.ErrNotFound, name, protocol)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update applies mutate to the stored record, regenerates its URI, and
// rewrites index and sidecars. Protocol and Name changes via mutate are
// rejected; Delete+Create handles re-keying.
func (r *Registry) Update(protocol types.Protocol, name string, mutate func(*types.UserRecord) error) (*types.UserRecord, error) {
	rec, err := r.Read(protocol, name)
	if err != nil {
		return nil, err
	}
	if err := mutate(rec); err != nil {
		return nil, err
	}
	if rec.Protocol != protocol || rec.Name != name {
		return nil, fmt.Errorf("mutator may not change the (protocol, name) key")
	}

	uri, err := sharelink.Build(rec)
	if err != nil {
		return nil, err
	}
	rec.URI = uri

	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(protocol))
		if b == nil {
			return fmt.Errorf("%w: user %q under %s", types.ErrNotFound, name, protocol)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
	if err != nil {
		return nil, err
	}

	if err := r.materialize(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record and its sidecar files.
func (r *Registry) Delete(protocol types.Protocol, name string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(protocol))
		if b == nil || b.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: user %q under %s", types.ErrNotFound, name, protocol)
		}
		return b.Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	return r.removeSidecars(protocol, name)
}

// List returns every record under the protocol namespace, name-sorted.
func (r *Registry) List(protocol types.Protocol) ([]*types.UserRecord, error) {
	var records []*types.UserRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(protocol))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec types.UserRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}
