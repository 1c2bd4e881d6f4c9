package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/ikeniborn/vpn-sub000/pkg/configstore"
	"github.com/ikeniborn/vpn-sub000/pkg/keygen"
	"github.com/ikeniborn/vpn-sub000/pkg/lifecycle"
	"github.com/ikeniborn/vpn-sub000/pkg/log"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// Phase names the rotation state machine's steps, in order.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseBackingUp      Phase = "backing-up"
	PhaseGeneratingKeys Phase = "generating-keys"
	PhaseUpdatingConfig Phase = "updating-config"
	PhaseUpdatingUsers  Phase = "updating-users"
	PhaseRestarting     Phase = "restarting"
)

// UserStore is the slice of the user registry rotation needs.
type UserStore interface {
	List(protocol types.Protocol) ([]*types.UserRecord, error)
	Update(protocol types.Protocol, name string, mutate func(*types.UserRecord) error) (*types.UserRecord, error)
}

// Restarter restarts the endpoint container and waits for readiness.
type Restarter interface {
	Restart(ctx context.Context, instanceDir string) error
	WaitInstanceHealthy(ctx context.Context, instanceDir string, timeout, poll time.Duration) (types.HealthProbeResult, error)
}

// Report describes what a rotation run did. On error the Phase field
// records how far the run got.
type Report struct {
	Phase        Phase
	BackupPath   string
	PublicKey    string
	ShortID      string
	UpdatedUsers []string
	FailedUsers  map[string]string
	Restarted    bool
	Probe        types.HealthProbeResult
}

// Rotator replaces the Reality key material end to end: inbound document,
// scalar caches, every user record, then a container restart.
type Rotator struct {
	gen   *keygen.Generator
	users UserStore
	lc    Restarter

	HealthTimeout time.Duration
	HealthPoll    time.Duration
}

// New creates a Rotator.
func New(gen *keygen.Generator, users UserStore, lc Restarter) *Rotator {
	return &Rotator{
		gen:           gen,
		users:         users,
		lc:            lc,
		HealthTimeout: lifecycle.DefaultHealthTimeout,
		HealthPoll:    lifecycle.DefaultHealthPoll,
	}
}

// Rotate runs the state machine once. The ordering is deliberate:
//
//	backup -> generate -> config -> users -> restart
//
// A failed backup aborts before anything changes. A failed config commit
// restores the backup, so the document never holds half-rotated keys.
// User record updates are best-effort; failures there are collected and
// reported as a partial rotation, because the document already committed
// and re-running Rotate repairs the stragglers. A failed restart is
// reported but never reverted: the new keys are committed and rolling
// back would strand clients on key material the server no longer has.
func (r *Rotator) Rotate(ctx context.Context, instanceDir string) (*Report, error) {
	logger := log.WithComponent("rotation")
	rep := &Report{Phase: PhaseBackingUp, FailedUsers: map[string]string{}}

	docPath := configstore.DocumentPath(instanceDir)
	backupPath, err := configstore.Backup(docPath)
	if err != nil {
		return rep, fmt.Errorf("rotation aborted, backup failed: %w", err)
	}
	rep.BackupPath = backupPath

	doc, err := configstore.Load(docPath)
	if err != nil {
		return rep, err
	}
	primary := doc.Primary()
	if !primary.RealityEnabled() {
		return rep, fmt.Errorf("%w: inbound has no reality key material to rotate", types.ErrNotFound)
	}

	rep.Phase = PhaseGeneratingKeys
	privateKey, publicKey, err := r.gen.GenerateKeypair()
	if err != nil {
		// ErrCryptoUnavailable: nothing has changed, the backup stays.
		return rep, err
	}
	shortID, err := r.gen.GenerateShortID()
	if err != nil {
		return rep, err
	}
	rep.PublicKey = publicKey
	rep.ShortID = shortID

	rep.Phase = PhaseUpdatingConfig
	primary.Stream.Reality.PrivateKey = privateKey
	primary.Stream.Reality.ShortIDs = []string{shortID}
	if err := r.commitConfig(doc, docPath, instanceDir); err != nil {
		if restoreErr := configstore.Restore(backupPath, docPath); restoreErr != nil {
			logger.Error().Err(restoreErr).Str("backup", backupPath).
				Msg("restoring backup after failed commit")
		} else {
			logger.Warn().Str("backup", backupPath).Msg("rotation rolled back to backup")
		}
		return rep, err
	}

	rep.Phase = PhaseUpdatingUsers
	records, err := r.users.List(primary.Protocol)
	if err != nil {
		return rep, fmt.Errorf("%w: listing users: %v", types.ErrPartialRotation, err)
	}
	for _, rec := range records {
		_, err := r.users.Update(primary.Protocol, rec.Name, func(u *types.UserRecord) error {
			u.PublicKey = publicKey
			u.ShortID = shortID
			return nil
		})
		if err != nil {
			rep.FailedUsers[rec.Name] = err.Error()
			logger.Error().Err(err).Str("user", rec.Name).Msg("user record rotation failed")
			continue
		}
		rep.UpdatedUsers = append(rep.UpdatedUsers, rec.Name)
	}

	rep.Phase = PhaseRestarting
	if err := r.lc.Restart(ctx, instanceDir); err != nil {
		return rep, fmt.Errorf("keys rotated but restart failed: %w", err)
	}
	rep.Restarted = true

	probe, err := r.lc.WaitInstanceHealthy(ctx, instanceDir, r.HealthTimeout, r.HealthPoll)
	rep.Probe = probe
	if err != nil {
		return rep, err
	}

	rep.Phase = PhaseIdle
	if len(rep.FailedUsers) > 0 {
		return rep, fmt.Errorf("%w: %d of %d user records failed",
			types.ErrPartialRotation, len(rep.FailedUsers), len(records))
	}

	logger.Info().
		Int("users", len(rep.UpdatedUsers)).
		Str("short_id", shortID).
		Msg("key rotation complete")
	return rep, nil
}

// commitConfig saves the rotated document and rebuilds the scalar caches
// as one logical step; a failure in either triggers the backup restore.
func (r *Rotator) commitConfig(doc *types.InboundDocument, docPath, instanceDir string) error {
	if err := configstore.Save(doc, docPath); err != nil {
		return err
	}
	return configstore.RebuildCaches(doc.Primary(), lifecycle.CacheDir(instanceDir))
}
