// Package supervisor keeps the worker pool at its configured size.
//
// Start forks the pool through a Spawner and records each worker in the
// cluster Registry as not ready. A probe marks the worker ready once its port
// accepts connections; a worker that never does is killed.
//
// Every worker exit becomes an ExitEvent consumed by one goroutine, which
// removes the worker from the registry, notifies OnWorkerExit handlers and
// asks the RestartPolicy for a replacement. AlwaysRestart replaces workers
// immediately and forever. ThrottledRestart spaces replacements with a token
// bucket and can give up after a number of restarts, leaving the pool
// degraded. In-flight requests on a dead worker are not replayed.
//
// Spawners:
//   - ExecSpawner re-executes the current binary as `usersvc worker`
//   - InProcessSpawner serves workers from goroutines in this process
//
// HealthMonitor is optional. It dials ready workers periodically and reports
// the ones that stop answering so they can be killed and replaced.
package supervisor
