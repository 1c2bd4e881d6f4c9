/*
Package engine is the command façade tying every subsystem together.

One Execute call is one operation: it takes the instance lock, runs the
handler for the requested command, and records outcome metrics. Handlers
follow the same shape throughout: verify or repair derived state first,
mutate the inbound document, write the projections (caches, user
records), then restart the container and wait for the combined health
probe. Destructive commands refuse to run without explicit confirmation
in the request.
*/
package engine
