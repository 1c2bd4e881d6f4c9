// Package netalloc allocates listening ports against a liveness probe and
// reconciles host firewall allow-rules with the ports committed across all
// installed protocol instances. Engine-owned iptables rules carry a
// comment tag so reconciliation never removes operator rules.
package netalloc
