// Package users holds the user record model, its in-memory store and the
// validation rules applied to client-supplied record bodies.
//
// # Overview
//
// Every backend instance owns exactly one MemoryStore. In clustered mode each
// worker process therefore has its own independent collection:
//
//	┌──────────┐   ┌──────────┐   ┌──────────┐
//	│ worker 1 │   │ worker 2 │   │ worker 3 │
//	│  Store   │   │  Store   │   │  Store   │
//	└──────────┘   └──────────┘   └──────────┘
//
// A record created through worker 1 is only visible to later requests that
// the balancer happens to route to worker 1 again. There is no replication
// and no shared storage between workers.
//
// # Records
//
//	{"id": "<uuid v4>", "username": "Anna", "age": 22, "hobbies": ["books"]}
//
// Ids are generated with google/uuid on create. ValidID accepts canonical
// 36 character UUID text, which lets handlers tell a malformed id (400)
// apart from a well-formed but unknown one (404).
//
// # Validation
//
// ParseInput is used for creates: absent or null fields yield
// ErrMissingFields, present fields of the wrong JSON type yield
// ErrInvalidFields. ParseReplacement is used for updates and reports any
// absent or mistyped field as ErrInvalidFields. Bodies that are not JSON
// objects yield ErrMalformedBody.
//
// # Concurrency
//
// MemoryStore guards its map and ordering slice with a sync.RWMutex and
// returns copies of records so callers never alias stored state.
package users
