package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ikeniborn/vpn-sub000/pkg/audit"
	"github.com/ikeniborn/vpn-sub000/pkg/configstore"
	"github.com/ikeniborn/vpn-sub000/pkg/lifecycle"
	"github.com/ikeniborn/vpn-sub000/pkg/log"
	"github.com/ikeniborn/vpn-sub000/pkg/metrics"
	"github.com/ikeniborn/vpn-sub000/pkg/netalloc"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

const (
	// DefaultImage is the endpoint image used when install does not name one.
	DefaultImage = "docker.io/teddysun/xray:latest"

	// DefaultSNI is the camouflage server name for Reality installs.
	DefaultSNI = "www.google.com"
)

func configLock(instanceDir string) (*configstore.InstanceLock, error) {
	return configstore.AcquireLock(instanceDir)
}

// install provisions a fresh protocol instance: port, key material,
// inbound document, caches, launch descriptor, firewall rule, container.
func (e *Engine) install(ctx context.Context, req *Request) (*Response, error) {
	docPath := configstore.DocumentPath(e.sctx.InstanceDir)
	if _, err := os.Stat(docPath); err == nil {
		return nil, fmt.Errorf("instance already installed at %s", e.sctx.InstanceDir)
	}

	mode := req.PortMode
	if mode == "" {
		mode = netalloc.ModeRandom
	}
	lease, err := e.alloc.Allocate(mode, netalloc.Options{Port: req.Port})
	if err != nil {
		return nil, err
	}

	cfg := &types.InboundConfig{
		Port:     lease.Port,
		Protocol: e.sctx.Protocol,
		Settings: types.InboundSettings{Decryption: "none"},
		Stream:   types.StreamSettings{Network: "tcp", Security: types.SecurityNone},
	}
	if e.sctx.Protocol == types.ProtocolVLESS {
		privateKey, _, err := e.gen.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		shortID, err := e.gen.GenerateShortID()
		if err != nil {
			return nil, err
		}
		sni := req.SNI
		if sni == "" {
			sni = DefaultSNI
		}
		cfg.Stream.Security = types.SecurityReality
		cfg.Stream.Reality = &types.RealityParams{
			PrivateKey:  privateKey,
			ShortIDs:    []string{shortID},
			ServerNames: []string{sni},
			Fingerprint: "chrome",
		}
	}

	doc := &types.InboundDocument{Inbounds: []*types.InboundConfig{cfg}}
	if err := configstore.Save(doc, docPath); err != nil {
		return nil, err
	}
	if err := configstore.RebuildCaches(cfg, e.sctx.CacheDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(e.sctx.InstanceDir, "logs"), 0700); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	image := req.Image
	if image == "" {
		image = DefaultImage
	}
	descriptor := &lifecycle.Descriptor{
		Image:         image,
		ContainerName: "vpn-" + string(e.sctx.Protocol),
		Port:          lease.Port,
		LogFile:       "logs/endpoint.log",
		Mounts: []lifecycle.Mount{
			{Source: configstore.DocumentName, Target: "/etc/xray/config.json", ReadOnly: true},
			{Source: "logs", Target: "/var/log/xray"},
		},
	}
	if err := lifecycle.SaveDescriptor(descriptor, e.sctx.InstanceDir); err != nil {
		return nil, err
	}

	if err := e.firewall.EnsureAllow(lease.Port); err != nil {
		return nil, err
	}
	if err := e.cm.Start(ctx, e.sctx.InstanceDir); err != nil {
		return nil, err
	}
	probe, err := e.waitHealthy(ctx)
	if err != nil {
		return &Response{Probe: probe}, err
	}

	logger := log.WithProtocol(string(e.sctx.Protocol))
	logger.Info().
		Int("port", lease.Port).Str("image", image).Msg("instance installed")
	return &Response{
		Probe:   probe,
		Message: fmt.Sprintf("installed %s on port %d", e.sctx.Protocol, lease.Port),
	}, nil
}

// uninstall tears an instance down: container, firewall rule, user
// records, then the instance directory itself.
func (e *Engine) uninstall(ctx context.Context, req *Request) (*Response, error) {
	if err := e.cm.Stop(ctx, e.sctx.InstanceDir); err != nil {
		logger := log.WithProtocol(string(e.sctx.Protocol))
		logger.Warn().Err(err).
			Msg("stopping container during uninstall")
	}

	users, err := e.reg.List(e.sctx.Protocol)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if err := e.reg.Delete(e.sctx.Protocol, u.Name); err != nil {
			return nil, fmt.Errorf("removing user %s: %w", u.Name, err)
		}
	}

	// Drop our allow-rule by reconciling against the ports every other
	// installed instance still uses.
	others, err := e.activePorts(true)
	if err != nil {
		return nil, err
	}
	if err := e.firewall.Reconcile(others); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(e.sctx.InstanceDir); err != nil {
		return nil, fmt.Errorf("removing instance dir: %w", err)
	}
	return &Response{Message: fmt.Sprintf("uninstalled %s", e.sctx.Protocol)}, nil
}

func (e *Engine) start(ctx context.Context, req *Request) (*Response, error) {
	if err := e.cm.Start(ctx, e.sctx.InstanceDir); err != nil {
		return nil, err
	}
	probe, err := e.waitHealthy(ctx)
	return &Response{Probe: probe}, err
}

func (e *Engine) stop(ctx context.Context, req *Request) (*Response, error) {
	if err := e.cm.Stop(ctx, e.sctx.InstanceDir); err != nil {
		return nil, err
	}
	metrics.ContainerHealthy.Set(0)
	return &Response{Message: "stopped"}, nil
}

func (e *Engine) restart(ctx context.Context, req *Request) (*Response, error) {
	if err := e.cm.Restart(ctx, e.sctx.InstanceDir); err != nil {
		return nil, err
	}
	probe, err := e.waitHealthy(ctx)
	return &Response{Probe: probe}, err
}

// diagnose audits document, registry and caches, then heals what it can.
// Orphaned records are only removed when the request is confirmed.
func (e *Engine) diagnose(ctx context.Context, req *Request) (*Response, error) {
	discrepancies, err := e.auditor.Audit(e.sctx.InstanceDir)
	if err != nil {
		return nil, err
	}

	counts := map[audit.Kind]int{}
	for _, d := range discrepancies {
		counts[d.Kind]++
	}
	metrics.DiscrepanciesTotal.Reset()
	for kind, n := range counts {
		metrics.DiscrepanciesTotal.WithLabelValues(string(kind)).Set(float64(n))
	}

	heal, err := e.auditor.Heal(e.sctx.InstanceDir, audit.HealOptions{DeleteOrphans: req.Confirm})
	if err != nil {
		return &Response{Discrepancies: discrepancies}, err
	}
	return &Response{
		Discrepancies: discrepancies,
		Heal:          heal,
		Message:       fmt.Sprintf("%d discrepancies found", len(discrepancies)),
	}, nil
}

// status reports the cached scalars, the container state and the user
// population without touching the document.
func (e *Engine) status(ctx context.Context, req *Request) (*Response, error) {
	port, err := configstore.ReadCachedPort(e.sctx.CacheDir)
	if err != nil {
		return nil, err
	}
	useReality, err := configstore.ReadCache(e.sctx.CacheDir, configstore.CacheUseReality)
	if err != nil {
		return nil, err
	}

	running, err := e.cm.Running(ctx, e.sctx.InstanceDir)
	if err != nil {
		return nil, err
	}

	users, err := e.reg.List(e.sctx.Protocol)
	if err != nil {
		return nil, err
	}
	metrics.UsersTotal.WithLabelValues(string(e.sctx.Protocol)).Set(float64(len(users)))

	state := "stopped"
	if running {
		state = "running"
	}
	return &Response{
		Running: running,
		Users:   users,
		Message: fmt.Sprintf("%s on port %d (reality=%s): %s, %d users",
			e.sctx.Protocol, port, useReality, state, len(users)),
	}, nil
}

// waitHealthy runs the combined probe and mirrors the outcome into the
// health gauges.
func (e *Engine) waitHealthy(ctx context.Context) (*types.HealthProbeResult, error) {
	probe, err := e.cm.WaitInstanceHealthy(ctx, e.sctx.InstanceDir, e.HealthTimeout, e.HealthPoll)
	metrics.LastProbeTimestamp.Set(float64(probe.Timestamp.Unix()))
	if probe.Healthy() {
		metrics.ContainerHealthy.Set(1)
	} else {
		metrics.ContainerHealthy.Set(0)
	}
	return &probe, err
}

// activePorts collects the committed port of every installed instance
// under the data dir. With excludeSelf set, this instance's port is left
// out, which is what firewall reconciliation during uninstall needs.
func (e *Engine) activePorts(excludeSelf bool) ([]int, error) {
	pattern := filepath.Join(e.sctx.DataDir, "instances", "*", lifecycle.CacheDirName)
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}

	var ports []int
	for _, dir := range dirs {
		if excludeSelf && dir == e.sctx.CacheDir {
			continue
		}
		port, err := configstore.ReadCachedPort(dir)
		if err != nil {
			continue // instance without a committed port yet
		}
		ports = append(ports, port)
	}
	return ports, nil
}
