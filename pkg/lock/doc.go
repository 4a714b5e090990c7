// Package lock tracks the holder of an enlistment's working-directory lock.
//
// The working directory is shared between the projection engine and external
// processes such as git. The [Registry] records which external process currently
// owns it; the mount supervisor decides whether a request may reach the registry
// at all (mount state, engine readiness) and the registry decides between
// competing external requesters.
//
// # Semantics
//
//   - At most one holder exists at a time.
//   - Re-acquiring with the identity of the current holder is idempotent.
//   - Release is keyed by process id; a pid that does not hold the lock cannot
//     release it.
//   - A holder whose process has exited is reclaimed on the next acquire.
//
// All [Registry] methods are safe for concurrent use.
package lock
