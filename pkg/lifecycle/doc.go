/*
Package lifecycle restarts the managed endpoint container and decides
when it is healthy again.

The launch descriptor (deploy.yaml) in the instance directory declares
the image, container name, port, and mounts. Because operators can edit
it by hand, Restart first reconciles the descriptor's port against the
committed port from the scalar cache; the committed port always wins.

Containers run under containerd in the "vpnadm" namespace, sharing the
host network namespace so the VPN listener binds the committed port
directly. Readiness after a restart requires two signals at once: the
container log contains the started marker, and the port accepts TCP
connections.
*/
package lifecycle
