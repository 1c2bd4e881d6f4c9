package netalloc

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ruleComment tags every rule the engine owns so Reconcile never touches
// rules written by the operator or other tooling.
const ruleComment = "vpnadm:allow"

// CommandRunner executes iptables with the given arguments and returns
// combined output. Injectable for tests.
type CommandRunner func(args ...string) (string, error)

// FirewallReconciler keeps host firewall allow-rules aligned with the
// ports actually committed across all installed protocol instances.
type FirewallReconciler struct {
	run CommandRunner
}

// NewFirewallReconciler returns a reconciler driving the system iptables
// binary.
func NewFirewallReconciler() *FirewallReconciler {
	return &FirewallReconciler{run: runIPTables}
}

// NewFirewallReconcilerWithRunner returns a reconciler with a custom
// command runner.
func NewFirewallReconcilerWithRunner(run CommandRunner) *FirewallReconciler {
	return &FirewallReconciler{run: run}
}

// EnsureAllow makes sure an engine-owned ACCEPT rule exists for port.
// Adding is idempotent: an existing identical rule is left alone.
func (f *FirewallReconciler) EnsureAllow(port int) error {
	args := allowRuleArgs(port)
	if _, err := f.run(append([]string{"-C", "INPUT"}, args...)...); err == nil {
		return nil
	}
	if _, err := f.run(append([]string{"-A", "INPUT"}, args...)...); err != nil {
		return fmt.Errorf("adding allow rule for port %d: %w", port, err)
	}
	return nil
}

// Reconcile ensures an allow rule exists for every active port and removes
// engine-owned rules for ports no longer active. The caller supplies the
// full set of committed ports across all installed protocol instances, so
// removing one protocol never strips another protocol's rule.
func (f *FirewallReconciler) Reconcile(active []int) error {
	activeSet := make(map[int]struct{}, len(active))
	for _, p := range active {
		activeSet[p] = struct{}{}
		if err := f.EnsureAllow(p); err != nil {
			return err
		}
	}

	stale, err := f.ownedPorts()
	if err != nil {
		return err
	}
	for _, port := range stale {
		if _, keep := activeSet[port]; keep {
			continue
		}
		args := allowRuleArgs(port)
		if _, err := f.run(append([]string{"-D", "INPUT"}, args...)...); err != nil {
			return fmt.Errorf("removing stale allow rule for port %d: %w", port, err)
		}
	}
	return nil
}

// ownedPorts lists ports with an engine-owned allow rule by scanning the
// INPUT chain ruleset.
func (f *FirewallReconciler) ownedPorts() ([]int, error) {
	out, err := f.run("-S", "INPUT")
	if err != nil {
		return nil, fmt.Errorf("listing INPUT rules: %w", err)
	}

	var ports []int
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, ruleComment) {
			continue
		}
		fields := strings.Fields(line)
		for i, tok := range fields {
			if tok == "--dport" && i+1 < len(fields) {
				if port, err := strconv.Atoi(fields[i+1]); err == nil {
					ports = append(ports, port)
				}
			}
		}
	}
	return ports, nil
}

func allowRuleArgs(port int) []string {
	return []string{
		"-p", "tcp",
		"--dport", strconv.Itoa(port),
		"-m", "comment", "--comment", ruleComment,
		"-j", "ACCEPT",
	}
}

// runIPTables executes iptables with the given arguments.
func runIPTables(args ...string) (string, error) {
	out, err := exec.Command("iptables", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("iptables %s failed: %v (output: %s)",
			strings.Join(args, " "), err, string(out))
	}
	return string(out), nil
}
