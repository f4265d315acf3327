// Package main implements usersvc, a REST service over an in-memory
// collection of user records.
//
// usersvc runs in one of two modes:
//
//   - Single process: `usersvc serve` binds PORT and serves the users API
//     directly.
//   - Clustered: `usersvc serve --cluster` turns the process into a primary.
//     It forks WORKERS copies of itself (`usersvc worker`), each listening on
//     WORKER_BASE_PORT+n, and load-balances every request round-robin across
//     them. Dead workers are replaced automatically.
//
// Architecture (clustered):
//
//	            client
//	              │
//	┌─────────────▼─────────────┐
//	│ primary :PORT             │
//	│   Balancer ── Registry    │
//	│   Supervisor ─┘           │
//	└──────┬──────────┬─────────┘
//	       │          │
//	┌──────▼───┐ ┌────▼─────┐
//	│ worker 1 │ │ worker 2 │  ...
//	│ :base+1  │ │ :base+2  │
//	└──────────┘ └──────────┘
//
// Each worker owns its own record store; a record created through one worker
// is not visible through another.
//
// Configuration comes from defaults, an optional YAML file (--config or
// USERSVC_CONFIG), environment variables and flags, in increasing order of
// precedence. See internal/config for the full list.
//
// Example usage:
//
//	# Single process on :4000
//	./usersvc serve
//
//	# Primary with 4 workers on :3001-:3004 and metrics on :9090
//	CLUSTER=true WORKERS=4 METRICS_ADDR=:9090 ./usersvc serve
//
//	curl -X POST localhost:4000/api/users \
//	  -d '{"username":"Anna","age":22,"hobbies":["books"]}'
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logFatal("usersvc: %v", err)
	}
}
