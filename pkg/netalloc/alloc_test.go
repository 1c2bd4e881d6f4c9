package netalloc

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

func testAllocator(probe ProbeFunc) *Allocator {
	a := NewAllocator().WithProbe(probe)
	// Deterministic draw sequence for tests.
	next := RandomPortMin
	a.randInt = func(min, max int) int {
		p := next
		next++
		if next > max {
			next = min
		}
		return p
	}
	return a
}

func TestAllocate_RandomFirstFree(t *testing.T) {
	a := testAllocator(func(port int) bool { return true })

	lease, err := a.Allocate(ModeRandom, Options{})
	require.NoError(t, err)
	assert.True(t, lease.Free)
	assert.GreaterOrEqual(t, lease.Port, RandomPortMin)
	assert.LessOrEqual(t, lease.Port, RandomPortMax)
}

func TestAllocate_RandomSkipsExcluded(t *testing.T) {
	a := testAllocator(func(port int) bool { return true })

	lease, err := a.Allocate(ModeRandom, Options{Excluded: []int{RandomPortMin}})
	require.NoError(t, err)
	assert.NotEqual(t, RandomPortMin, lease.Port)
}

func TestAllocate_RandomExhaustionFallsBack(t *testing.T) {
	probes := 0
	a := testAllocator(func(port int) bool {
		probes++
		return port == FallbackPort
	})

	lease, err := a.Allocate(ModeRandom, Options{})
	require.NoError(t, err)
	assert.Equal(t, FallbackPort, lease.Port)
	assert.Equal(t, MaxRandomAttempts+1, probes)
}

func TestAllocate_RandomExhaustionFallbackBusy(t *testing.T) {
	a := testAllocator(func(port int) bool { return false })

	lease, err := a.Allocate(ModeRandom, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPortRangeExhausted))
	assert.Equal(t, FallbackPort, lease.Port)
	assert.False(t, lease.Free)
}

func TestAllocate_Manual(t *testing.T) {
	a := testAllocator(func(port int) bool { return true })

	lease, err := a.Allocate(ModeManual, Options{Port: 8443})
	require.NoError(t, err)
	assert.Equal(t, 8443, lease.Port)
}

func TestAllocate_ManualRejectsPrivileged(t *testing.T) {
	a := testAllocator(func(port int) bool { return true })

	_, err := a.Allocate(ModeManual, Options{Port: 80})
	require.Error(t, err)
}

func TestAllocate_ManualBusy(t *testing.T) {
	a := testAllocator(func(port int) bool { return false })

	lease, err := a.Allocate(ModeManual, Options{Port: 8443})
	require.Error(t, err)
	assert.False(t, lease.Free)
}

func TestAllocate_FixedDefault(t *testing.T) {
	a := testAllocator(func(port int) bool { return true })

	lease, err := a.Allocate(ModeFixed, Options{})
	require.NoError(t, err)
	assert.Equal(t, FallbackPort, lease.Port)
}

func TestBindProbe_BusyPort(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	assert.False(t, BindProbe(port))
}

type fakeFirewall struct {
	rules map[string]bool // canonical allow-rule args -> present
	log   []string
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{rules: map[string]bool{}}
}

func (f *fakeFirewall) run(args ...string) (string, error) {
	joined := fmt.Sprint(args)
	f.log = append(f.log, joined)

	switch args[0] {
	case "-C":
		key := fmt.Sprint(args[2:])
		if !f.rules[key] {
			return "", errors.New("no such rule")
		}
		return "", nil
	case "-A":
		f.rules[fmt.Sprint(args[2:])] = true
		return "", nil
	case "-D":
		key := fmt.Sprint(args[2:])
		if !f.rules[key] {
			return "", errors.New("no such rule")
		}
		delete(f.rules, key)
		return "", nil
	case "-S":
		out := ""
		for key, present := range f.rules {
			if present {
				out += ruleLineFromKey(key) + "\n"
			}
		}
		return out, nil
	}
	return "", fmt.Errorf("unexpected iptables invocation: %v", args)
}

// ruleLineFromKey renders the stored args back into an iptables -S style
// line, close enough for ownedPorts parsing.
func ruleLineFromKey(key string) string {
	line := "-A INPUT " + key
	line = stripBrackets(line)
	return line
}

func stripBrackets(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '[' || r == ']' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func TestFirewall_EnsureAllowIdempotent(t *testing.T) {
	fw := newFakeFirewall()
	r := NewFirewallReconcilerWithRunner(fw.run)

	require.NoError(t, r.EnsureAllow(8443))
	require.NoError(t, r.EnsureAllow(8443))

	assert.Len(t, fw.rules, 1)
}

func TestFirewall_ReconcileRemovesStale(t *testing.T) {
	fw := newFakeFirewall()
	r := NewFirewallReconcilerWithRunner(fw.run)

	require.NoError(t, r.EnsureAllow(8443))
	require.NoError(t, r.EnsureAllow(51820))

	// Only 8443 is still committed anywhere.
	require.NoError(t, r.Reconcile([]int{8443}))

	ports, err := r.ownedPorts()
	require.NoError(t, err)
	assert.Equal(t, []int{8443}, ports)
}

func TestFirewall_ReconcileKeepsOtherProtocols(t *testing.T) {
	fw := newFakeFirewall()
	r := NewFirewallReconcilerWithRunner(fw.run)

	// Two protocols installed; both ports must survive a reconcile
	// triggered by either one.
	require.NoError(t, r.Reconcile([]int{8443, 51820}))

	ports, err := r.ownedPorts()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{8443, 51820}, ports)
}
