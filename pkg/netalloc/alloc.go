package netalloc

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// Mode selects the port allocation strategy.
type Mode string

const (
	ModeRandom Mode = "random"
	ModeManual Mode = "manual"
	ModeFixed  Mode = "fixed"
)

const (
	// RandomPortMin/Max bound the random draw range.
	RandomPortMin = 10000
	RandomPortMax = 65000

	// MaxRandomAttempts is the liveness retry budget for random draws.
	MaxRandomAttempts = 20

	// FallbackPort is used when the random budget is exhausted, and is
	// the default for Fixed mode.
	FallbackPort = 10443

	// ManualPortMin is the lowest port accepted in Manual mode.
	ManualPortMin = 1024
)

// ProbeFunc reports whether a port is free to bind.
type ProbeFunc func(port int) bool

// Allocator picks listening ports against a liveness probe.
type Allocator struct {
	probe   ProbeFunc
	randInt func(min, max int) int
}

// NewAllocator returns an Allocator using a real TCP bind probe.
func NewAllocator() *Allocator {
	return &Allocator{
		probe: BindProbe,
		randInt: func(min, max int) int {
			return min + rand.Intn(max-min+1)
		},
	}
}

// WithProbe replaces the liveness probe. Intended for tests.
func (a *Allocator) WithProbe(probe ProbeFunc) *Allocator {
	a.probe = probe
	return a
}

// Options carries mode-specific allocation parameters.
type Options struct {
	// Port is the requested port for Manual mode and overrides the
	// default for Fixed mode.
	Port int

	// Excluded ports are treated as busy in Random mode.
	Excluded []int
}

// Allocate picks a port according to mode.
//
// Random draws uniformly from [RandomPortMin, RandomPortMax] up to
// MaxRandomAttempts times; when the budget is exhausted it falls back to
// FallbackPort, and reports ErrPortRangeExhausted only if the fallback is
// busy too. Manual validates the requested port and its liveness. Fixed
// probes the fixed port only.
func (a *Allocator) Allocate(mode Mode, opts Options) (types.PortLease, error) {
	switch mode {
	case ModeRandom:
		return a.allocateRandom(opts)
	case ModeManual:
		return a.allocateManual(opts)
	case ModeFixed:
		port := opts.Port
		if port == 0 {
			port = FallbackPort
		}
		return a.lease(port)
	default:
		return types.PortLease{}, fmt.Errorf("unknown allocation mode %q", mode)
	}
}

func (a *Allocator) allocateRandom(opts Options) (types.PortLease, error) {
	excluded := make(map[int]struct{}, len(opts.Excluded))
	for _, p := range opts.Excluded {
		excluded[p] = struct{}{}
	}

	for attempt := 0; attempt < MaxRandomAttempts; attempt++ {
		port := a.randInt(RandomPortMin, RandomPortMax)
		if _, skip := excluded[port]; skip {
			continue
		}
		if a.probe(port) {
			return types.PortLease{Port: port, Free: true, CheckedAt: time.Now()}, nil
		}
	}

	if a.probe(FallbackPort) {
		return types.PortLease{Port: FallbackPort, Free: true, CheckedAt: time.Now()}, nil
	}
	return types.PortLease{Port: FallbackPort, Free: false, CheckedAt: time.Now()},
		fmt.Errorf("%w: %d random draws busy and fallback %d busy",
			types.ErrPortRangeExhausted, MaxRandomAttempts, FallbackPort)
}

func (a *Allocator) allocateManual(opts Options) (types.PortLease, error) {
	if opts.Port < ManualPortMin || opts.Port > 65535 {
		return types.PortLease{}, fmt.Errorf("manual port %d outside [%d, 65535]", opts.Port, ManualPortMin)
	}
	return a.lease(opts.Port)
}

func (a *Allocator) lease(port int) (types.PortLease, error) {
	free := a.probe(port)
	lease := types.PortLease{Port: port, Free: free, CheckedAt: time.Now()}
	if !free {
		return lease, fmt.Errorf("port %d is already in use", port)
	}
	return lease, nil
}

// BindProbe reports whether port is free by attempting a TCP bind.
func BindProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
