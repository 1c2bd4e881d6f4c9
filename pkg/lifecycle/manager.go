package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/ikeniborn/vpn-sub000/pkg/configstore"
	"github.com/ikeniborn/vpn-sub000/pkg/health"
	"github.com/ikeniborn/vpn-sub000/pkg/log"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

const (
	// CacheDirName is the scalar cache directory inside an instance dir.
	CacheDirName = "cache"

	// DefaultStopTimeout bounds the SIGTERM grace period.
	DefaultStopTimeout = 10 * time.Second

	// DefaultHealthTimeout and DefaultHealthPoll bound the post-restart
	// readiness wait.
	DefaultHealthTimeout = 30 * time.Second
	DefaultHealthPoll    = 1 * time.Second

	// probeHistorySize is how many recent probe results are retained for
	// diagnostics.
	probeHistorySize = 10
)

// Manager drives the managed container through the external runtime and
// polls readiness after restarts.
type Manager struct {
	runtime Runtime
	history []types.HealthProbeResult
}

// NewManager creates a lifecycle manager on top of a runtime.
func NewManager(rt Runtime) *Manager {
	return &Manager{runtime: rt}
}

// Start launches the container described by the instance's launch
// descriptor. An existing stopped container with the same name is removed
// first so the descriptor is always applied fresh.
func (m *Manager) Start(ctx context.Context, instanceDir string) error {
	d, err := LoadDescriptor(instanceDir)
	if err != nil {
		return err
	}

	if err := m.runtime.EnsureImage(ctx, d.Image); err != nil {
		return err
	}
	if err := m.runtime.Remove(ctx, d.ContainerName); err != nil {
		return err
	}

	id, err := m.runtime.Create(ctx, d, instanceDir)
	if err != nil {
		return err
	}
	if err := m.runtime.Start(ctx, id); err != nil {
		return err
	}

	logger := log.WithInstance(instanceDir)
	logger.Info().
		Str("container", id).
		Int("port", d.Port).
		Msg("container started")
	return nil
}

// Stop stops the instance's container.
func (m *Manager) Stop(ctx context.Context, instanceDir string) error {
	d, err := LoadDescriptor(instanceDir)
	if err != nil {
		return err
	}
	if err := m.runtime.Stop(ctx, d.ContainerName, DefaultStopTimeout); err != nil {
		return err
	}
	logger := log.WithInstance(instanceDir)
	logger.Info().Msg("container stopped")
	return nil
}

// Restart reconciles the launch descriptor against the committed port,
// then stops and starts the container. The committed port comes from the
// scalar cache, which mirrors the inbound document; a descriptor edited
// behind the engine's back is rewritten here before it can take effect.
func (m *Manager) Restart(ctx context.Context, instanceDir string) error {
	committedPort, err := configstore.ReadCachedPort(CacheDir(instanceDir))
	if err != nil {
		return fmt.Errorf("reading committed port: %w", err)
	}
	if _, err := ReconcileDescriptor(instanceDir, committedPort); err != nil {
		return err
	}

	if err := m.Stop(ctx, instanceDir); err != nil {
		return err
	}
	return m.Start(ctx, instanceDir)
}

// Running reports whether the instance's container has a running task.
func (m *Manager) Running(ctx context.Context, instanceDir string) (bool, error) {
	d, err := LoadDescriptor(instanceDir)
	if err != nil {
		return false, err
	}
	return m.runtime.Running(ctx, d.ContainerName)
}

// CacheDir returns the scalar cache directory for an instance dir.
func CacheDir(instanceDir string) string {
	return instanceDir + "/" + CacheDirName
}

// WaitHealthy polls the two readiness signals until both hold or the
// timeout elapses. Reachability and process readiness are independent
// checkers so the failure report can distinguish "not started" from
// "port unreachable".
func (m *Manager) WaitHealthy(ctx context.Context, reachable, processReady health.Checker, timeout, poll time.Duration) (types.HealthProbeResult, error) {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	if poll <= 0 {
		poll = DefaultHealthPoll
	}

	deadline := time.Now().Add(timeout)
	var last types.HealthProbeResult
	for {
		reach := reachable.Check(ctx)
		ready := processReady.Check(ctx)

		last = types.HealthProbeResult{
			Timestamp:    time.Now(),
			Reachable:    reach.Healthy,
			ProcessReady: ready.Healthy,
			Message:      probeMessage(reach, ready),
		}
		m.recordProbe(last)

		if last.Healthy() {
			return last, nil
		}
		if ctx.Err() != nil {
			return last, fmt.Errorf("%w: %s", types.ErrContainerUnhealthy, last.Message)
		}
		if time.Now().After(deadline) {
			return last, fmt.Errorf("%w after %s: %s", types.ErrContainerUnhealthy, timeout, last.Message)
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%w: %s", types.ErrContainerUnhealthy, last.Message)
		case <-time.After(poll):
		}
	}
}

// WaitInstanceHealthy builds the standard checker pair from the instance's
// launch descriptor and waits on them.
func (m *Manager) WaitInstanceHealthy(ctx context.Context, instanceDir string, timeout, poll time.Duration) (types.HealthProbeResult, error) {
	d, err := LoadDescriptor(instanceDir)
	if err != nil {
		return types.HealthProbeResult{}, err
	}
	reachable := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", d.Port))
	processReady := health.NewLogMarkerChecker(d.LogPath(instanceDir), d.Marker())
	return m.WaitHealthy(ctx, reachable, processReady, timeout, poll)
}

// ProbeHistory returns the most recent probe results, oldest first.
func (m *Manager) ProbeHistory() []types.HealthProbeResult {
	out := make([]types.HealthProbeResult, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) recordProbe(r types.HealthProbeResult) {
	m.history = append(m.history, r)
	if len(m.history) > probeHistorySize {
		m.history = m.history[len(m.history)-probeHistorySize:]
	}
}

func probeMessage(reach, ready health.Result) string {
	switch {
	case reach.Healthy && ready.Healthy:
		return "endpoint healthy"
	case !reach.Healthy && !ready.Healthy:
		return fmt.Sprintf("process not ready (%s); port unreachable (%s)", ready.Message, reach.Message)
	case !ready.Healthy:
		return fmt.Sprintf("process not ready: %s", ready.Message)
	default:
		return fmt.Sprintf("port unreachable: %s", reach.Message)
	}
}
