/*
Package rotation replaces the endpoint's Reality key material everywhere
it lives: the inbound document, the scalar caches, and every user
record, followed by a container restart.

The run is ordered so that each step's failure mode is survivable. The
backup is taken first and a failed backup aborts the run untouched. A
failed document commit rolls back to the backup. User record updates
after the commit are best-effort and reported as a partial rotation,
since re-running the rotation repairs them. A failed restart is never
rolled back: the committed keys are the real ones by then.
*/
package rotation
