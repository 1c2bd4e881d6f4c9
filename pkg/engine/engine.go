package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ikeniborn/vpn-sub000/pkg/audit"
	"github.com/ikeniborn/vpn-sub000/pkg/keygen"
	"github.com/ikeniborn/vpn-sub000/pkg/lifecycle"
	"github.com/ikeniborn/vpn-sub000/pkg/log"
	"github.com/ikeniborn/vpn-sub000/pkg/metrics"
	"github.com/ikeniborn/vpn-sub000/pkg/netalloc"
	"github.com/ikeniborn/vpn-sub000/pkg/registry"
	"github.com/ikeniborn/vpn-sub000/pkg/rotation"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// Command is one engine operation.
type Command string

const (
	CmdInstall    Command = "install"
	CmdUninstall  Command = "uninstall"
	CmdUserAdd    Command = "user-add"
	CmdUserDelete Command = "user-delete"
	CmdUserRename Command = "user-rename"
	CmdUserList   Command = "user-list"
	CmdUserShow   Command = "user-show"
	CmdRotateKeys Command = "rotate-keys"
	CmdStart      Command = "start"
	CmdStop       Command = "stop"
	CmdRestart    Command = "restart"
	CmdDiagnose   Command = "diagnose"
	CmdStatus     Command = "status"
)

// ServerContext carries the directory layout and identity of one managed
// protocol instance. It is passed by value; the engine holds no mutable
// package-level state.
type ServerContext struct {
	DataDir     string
	Host        string
	Protocol    types.Protocol
	InstanceDir string
	CacheDir    string
	UsersDir    string
}

// NewServerContext derives the standard layout under dataDir.
func NewServerContext(dataDir, host string, protocol types.Protocol) ServerContext {
	instanceDir := filepath.Join(dataDir, "instances", string(protocol))
	return ServerContext{
		DataDir:     dataDir,
		Host:        host,
		Protocol:    protocol,
		InstanceDir: instanceDir,
		CacheDir:    lifecycle.CacheDir(instanceDir),
		UsersDir:    filepath.Join(dataDir, "users"),
	}
}

// DBPath is the user registry index location under the data dir.
func (s ServerContext) DBPath() string {
	return filepath.Join(s.DataDir, "users.db")
}

// Request is one operation invocation.
type Request struct {
	Command Command

	// User operations
	UserName string
	NewName  string

	// Install
	Image    string
	SNI      string
	PortMode netalloc.Mode
	Port     int

	// Confirm authorizes destructive commands and orphan deletion
	// during diagnose.
	Confirm bool
}

// Response carries whichever results the command produces.
type Response struct {
	User          *types.UserRecord
	Users         []*types.UserRecord
	Rotation      *rotation.Report
	Discrepancies []audit.Discrepancy
	Heal          *audit.HealReport
	Probe         *types.HealthProbeResult
	Running       bool
	Message       string
}

// ContainerManager is the slice of the lifecycle manager the engine
// drives.
type ContainerManager interface {
	Start(ctx context.Context, instanceDir string) error
	Stop(ctx context.Context, instanceDir string) error
	Restart(ctx context.Context, instanceDir string) error
	Running(ctx context.Context, instanceDir string) (bool, error)
	WaitInstanceHealthy(ctx context.Context, instanceDir string, timeout, poll time.Duration) (types.HealthProbeResult, error)
}

type handlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Engine is the command façade over every subsystem. One Execute call is
// one operation: lock, precheck, mutate, restart if needed, report.
type Engine struct {
	sctx     ServerContext
	reg      *registry.Registry
	cm       ContainerManager
	gen      *keygen.Generator
	alloc    *netalloc.Allocator
	firewall *netalloc.FirewallReconciler
	auditor  *audit.Auditor
	rotator  *rotation.Rotator

	HealthTimeout time.Duration
	HealthPoll    time.Duration

	handlers map[Command]handlerFunc
}

// New wires an Engine with production defaults.
func New(sctx ServerContext, reg *registry.Registry, cm ContainerManager) *Engine {
	gen := keygen.New()
	e := &Engine{
		sctx:          sctx,
		reg:           reg,
		cm:            cm,
		gen:           gen,
		alloc:         netalloc.NewAllocator(),
		firewall:      netalloc.NewFirewallReconciler(),
		auditor:       audit.New(reg, sctx.Host),
		rotator:       rotation.New(gen, reg, cm),
		HealthTimeout: lifecycle.DefaultHealthTimeout,
		HealthPoll:    lifecycle.DefaultHealthPoll,
	}
	e.handlers = map[Command]handlerFunc{
		CmdInstall:    e.install,
		CmdUninstall:  e.uninstall,
		CmdUserAdd:    e.userAdd,
		CmdUserDelete: e.userDelete,
		CmdUserRename: e.userRename,
		CmdUserList:   e.userList,
		CmdUserShow:   e.userShow,
		CmdRotateKeys: e.rotateKeys,
		CmdStart:      e.start,
		CmdStop:       e.stop,
		CmdRestart:    e.restart,
		CmdDiagnose:   e.diagnose,
		CmdStatus:     e.status,
	}
	return e
}

// WithAllocator overrides the port allocator.
func (e *Engine) WithAllocator(a *netalloc.Allocator) *Engine {
	e.alloc = a
	return e
}

// WithFirewall overrides the firewall reconciler.
func (e *Engine) WithFirewall(f *netalloc.FirewallReconciler) *Engine {
	e.firewall = f
	return e
}

// WithKeygen overrides the key generator, propagating it into the
// rotation coordinator.
func (e *Engine) WithKeygen(g *keygen.Generator) *Engine {
	e.gen = g
	e.rotator = rotation.New(g, e.reg, e.cm)
	return e
}

// destructive commands refuse to run without explicit confirmation.
var destructive = map[Command]bool{
	CmdUninstall:  true,
	CmdUserDelete: true,
	CmdRotateKeys: true,
}

// Execute runs one command under the instance lock and records its
// outcome metrics.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	handler, ok := e.handlers[req.Command]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
	if destructive[req.Command] && !req.Confirm {
		return nil, fmt.Errorf("%s is destructive and requires confirmation", req.Command)
	}

	lock, err := configLock(e.sctx.InstanceDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	timer := metrics.NewTimer()
	resp, err := handler(ctx, req)
	timer.ObserveDurationVec(metrics.OperationDuration, string(req.Command))

	outcome := "success"
	if err != nil {
		outcome = "error"
		logger := log.WithProtocol(string(e.sctx.Protocol))
		logger.Error().
			Err(err).Str("command", string(req.Command)).Msg("operation failed")
	}
	metrics.OperationsTotal.WithLabelValues(string(req.Command), outcome).Inc()
	return resp, err
}
