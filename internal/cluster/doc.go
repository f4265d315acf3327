// Package cluster holds the primary's view of the worker pool: which workers
// exist, where they listen and which one receives the next request.
//
// # Overview
//
// In clustered mode the primary process forks a fixed number of workers. The
// Registry is the single source of truth about them. The supervisor writes to
// it (fork, readiness, exit) and the balancer reads from it (dispatch).
//
//	 Supervisor                     Balancer
//	     │ Add / MarkReady / Remove     │ Next
//	     ▼                              ▼
//	┌─────────────────────────────────────────┐
//	│ Registry                                │
//	│   workers: [w1, w3, w4]   (fork order)  │
//	│   cursor:  1                            │
//	└─────────────────────────────────────────┘
//
// # Worker identity
//
// A WorkerHandle is identified by a sequential index starting at 1. Indexes
// increase monotonically across respawns and are never reused, so a
// replacement for worker 2 in a pool of 3 is worker 4. The worker's port is
// derived from the index: basePort + ID.
//
// # Round-robin dispatch
//
// Next returns the worker under the cursor and advances it modulo the
// current length. Workers that have been forked but are not ready yet are
// skipped. When the registry shrinks the cursor is clamped back into range,
// so dispatch continues with the worker that followed the removed one.
//
// With a stable pool of K ready workers, any K consecutive calls to Next
// return each worker exactly once.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Every mutation happens
// under one mutex, and Snapshot returns a copy that callers may keep.
package cluster
