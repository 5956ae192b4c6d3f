// Package app holds the poll use cases: the PollStore that owns the canonical
// poll and serializes every write through an optimistic compare-and-swap loop,
// the VoteCoordinator that enforces one vote per device, and the
// AdminController for the poll lifecycle. It depends on domain interfaces,
// never on a concrete repository.
package app
