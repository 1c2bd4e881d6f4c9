/*
Package metrics defines the engine's Prometheus metrics and the HTTP
handler that exposes them.

Metrics are registered on the default registry at package init. The
engine records one counter increment per operation with its outcome,
gauges for the user population and the endpoint container's last probe,
and counters for key rotation outcomes.
*/
package metrics
