/*
Package registry owns the per-user credential records derived from the
inbound document: one record per (protocol, name) pair.

The index is a bbolt database with one bucket per protocol namespace,
so the same display name may exist under vless and wireguard at once.
Every successful create or update deterministically regenerates the
user's connection URI and QR artifact, then writes the sidecar files
(users/<protocol>/<name>.json, .uri, .png) through after the index
commit. The sidecars are the compatibility format consumed by operators
and the original tooling; Rehydrate rebuilds a lost index from them.

Records here are projections: when a record disagrees with the client
entry it mirrors, the inbound document wins (see pkg/audit).
*/
package registry
