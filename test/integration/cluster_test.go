package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/usersvc/internal/api"
	"github.com/dreamware/usersvc/internal/balancer"
	"github.com/dreamware/usersvc/internal/cluster"
	"github.com/dreamware/usersvc/internal/supervisor"
	"github.com/dreamware/usersvc/internal/users"
)

// TestSystem is a primary with a pool of in-process workers
type TestSystem struct {
	t          *testing.T
	registry   *cluster.Registry
	supervisor *supervisor.Supervisor
	primary    *httptest.Server
	httpClient *http.Client
	basePort   int

	mu    sync.Mutex
	procs map[int]supervisor.Process
	hits  map[int]int
	exits []supervisor.ExitEvent
}

// trackingSpawner records every process so tests can kill them
type trackingSpawner struct {
	ts    *TestSystem
	inner *supervisor.InProcessSpawner
}

func (s *trackingSpawner) Spawn(ctx context.Context, spec supervisor.WorkerSpec) (supervisor.Process, error) {
	p, err := s.inner.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.ts.mu.Lock()
	s.ts.procs[spec.ID] = p
	s.ts.mu.Unlock()
	return p, nil
}

// NewTestSystem starts a primary over size workers
func NewTestSystem(t *testing.T, size int) *TestSystem {
	t.Helper()

	ts := &TestSystem{
		t:          t,
		registry:   cluster.NewRegistry(),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		basePort:   freeBasePort(t, size+8),
		procs:      make(map[int]supervisor.Process),
		hits:       make(map[int]int),
	}
	log := zap.NewNop().Sugar()

	spawner := &trackingSpawner{ts: ts, inner: &supervisor.InProcessSpawner{
		NewHandler: func(spec supervisor.WorkerSpec) http.Handler {
			h := api.NewHandler(users.NewMemoryStore(), log, api.DefaultMaxBodyBytes)
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ts.mu.Lock()
				ts.hits[spec.ID]++
				ts.mu.Unlock()
				h.ServeHTTP(w, r)
			})
		},
	}}

	ts.supervisor = supervisor.New(ts.registry, spawner, log, ts.basePort,
		supervisor.WithReadyTimeout(5*time.Second))
	ts.supervisor.OnWorkerExit(func(ev supervisor.ExitEvent) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.exits = append(ts.exits, ev)
	})
	require.NoError(t, ts.supervisor.Start(size))

	ts.primary = httptest.NewServer(balancer.New(ts.registry, log))
	t.Cleanup(ts.Stop)

	ts.waitReady(size)
	return ts
}

// Stop shuts down the primary and every worker
func (ts *TestSystem) Stop() {
	ts.primary.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.supervisor.Stop(ctx); err != nil {
		ts.t.Errorf("stop supervisor: %v", err)
	}
}

func (ts *TestSystem) waitReady(size int) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		return ts.registry.Len() == size && ts.registry.ReadyLen() == size
	}, 5*time.Second, 10*time.Millisecond)
}

// Kill terminates the worker with the given id
func (ts *TestSystem) Kill(id int) {
	ts.t.Helper()
	ts.mu.Lock()
	p := ts.procs[id]
	ts.mu.Unlock()
	require.NotNil(ts.t, p, "no worker %d", id)
	require.NoError(ts.t, p.Kill())
}

func (ts *TestSystem) Hits() map[int]int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[int]int, len(ts.hits))
	for k, v := range ts.hits {
		out[k] = v
	}
	return out
}

// Do sends a request to the primary and returns status and body
func (ts *TestSystem) Do(method, path, body string) (int, []byte) {
	ts.t.Helper()
	return ts.do(ts.primary.URL, method, path, body)
}

// DoWorker sends a request straight to a worker port
func (ts *TestSystem) DoWorker(id int, method, path, body string) (int, []byte) {
	ts.t.Helper()
	return ts.do(fmt.Sprintf("http://127.0.0.1:%d", ts.basePort+id), method, path, body)
}

func (ts *TestSystem) do(base, method, path, body string) (int, []byte) {
	req, err := http.NewRequest(method, base+path, bytes.NewBufferString(body))
	require.NoError(ts.t, err)
	resp, err := ts.httpClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, data
}

// freeBasePort returns a base such that base+1..base+n were all free at once.
func freeBasePort(t *testing.T, n int) int {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := ln.Addr().(*net.TCPAddr).Port - 1
		require.NoError(t, ln.Close())
		if base+n > 65535 {
			continue
		}

		held := make([]net.Listener, 0, n)
		for p := base + 1; p <= base+n; p++ {
			l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
			if err != nil {
				break
			}
			held = append(held, l)
		}
		for _, l := range held {
			l.Close()
		}
		if len(held) == n {
			return base
		}
	}
	t.Fatalf("no block of %d free ports", n)
	return 0
}

func message(t *testing.T, body []byte) string {
	t.Helper()
	var m api.Message
	require.NoError(t, json.Unmarshal(body, &m))
	return m.Message
}

func TestContractRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	// One worker so every request sees the same store
	ts := NewTestSystem(t, 1)

	status, body := ts.Do(http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	status, body = ts.Do(http.MethodPost, "/api/users", `{"username":"Anna","age":22,"hobbies":["books"]}`)
	require.Equal(t, http.StatusCreated, status)
	var created users.User
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, users.ValidID(created.ID))

	status, body = ts.Do(http.MethodGet, "/api/users/"+created.ID, "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, string(mustJSON(t, created)), string(body))

	status, body = ts.Do(http.MethodPut, "/api/users/"+created.ID, `{"username":"Anna","age":22,"hobbies":["swimming"]}`)
	require.Equal(t, http.StatusOK, status)
	var updated users.User
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, []string{"swimming"}, updated.Hobbies)

	status, body = ts.Do(http.MethodDelete, "/api/users/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, body)

	status, body = ts.Do(http.MethodGet, "/api/users/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, api.MsgUserNotFound, message(t, body))
}

func TestErrorsThroughBalancer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 2)

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		status  int
		message string
	}{
		{"missing age", http.MethodPost, "/api/users", `{"username":"Anna","hobbies":[]}`, http.StatusBadRequest, api.MsgMissingFields},
		{"bad hobbies", http.MethodPost, "/api/users", `{"username":"Anna","age":22,"hobbies":[33333]}`, http.StatusBadRequest, api.MsgInvalidFields},
		{"get bad id", http.MethodGet, "/api/users/111", "", http.StatusBadRequest, api.MsgInvalidUserID},
		{"put bad id", http.MethodPut, "/api/users/111", `{}`, http.StatusBadRequest, api.MsgInvalidUserID},
		{"delete bad id", http.MethodDelete, "/api/users/111", "", http.StatusBadRequest, api.MsgInvalidUserID},
		{"unknown path", http.MethodGet, "/bla-bla", "", http.StatusNotFound, api.MsgInvalidEndpoint},
		{"unsupported method", http.MethodOptions, "/api/users", "", http.StatusNotFound, api.MsgUnsupportedOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.Do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.message, message(t, body))
		})
	}
}

func TestRoundRobinFairness(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 3)

	for i := 0; i < 30; i++ {
		status, _ := ts.Do(http.MethodGet, "/api/users", "")
		require.Equal(t, http.StatusOK, status)
	}

	assert.Equal(t, map[int]int{1: 10, 2: 10, 3: 10}, ts.Hits())
}

func TestWorkerIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 2)

	status, body := ts.DoWorker(1, http.MethodPost, "/api/users", `{"username":"Anna","age":22,"hobbies":[]}`)
	require.Equal(t, http.StatusCreated, status)
	var u users.User
	require.NoError(t, json.Unmarshal(body, &u))

	status, _ = ts.DoWorker(1, http.MethodGet, "/api/users/"+u.ID, "")
	assert.Equal(t, http.StatusOK, status)

	status, body = ts.DoWorker(2, http.MethodGet, "/api/users/"+u.ID, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, api.MsgUserNotFound, message(t, body))
}

func TestSelfHealing(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 3)

	ts.Kill(2)

	require.Eventually(t, func() bool {
		_, ok := ts.registry.Get(4)
		return ok && ts.registry.ReadyLen() == 3
	}, 5*time.Second, 10*time.Millisecond)

	ids := make([]int, 0, 3)
	for _, w := range ts.registry.Snapshot() {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []int{1, 3, 4}, ids)

	// The replacement listens on its own derived port
	status, _ := ts.DoWorker(4, http.MethodGet, "/api/users", "")
	assert.Equal(t, http.StatusOK, status)

	// Traffic keeps flowing through the primary
	for i := 0; i < 6; i++ {
		status, _ := ts.Do(http.MethodGet, "/api/users", "")
		assert.Equal(t, http.StatusOK, status)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.Len(t, ts.exits, 1)
	assert.Equal(t, 2, ts.exits[0].WorkerID)
	assert.Equal(t, ts.basePort+2, ts.exits[0].Port)
}

func TestRequestsSurviveWorkerLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 2)

	ts.Kill(1)
	ts.Kill(2)

	require.Eventually(t, func() bool {
		status, _ := ts.Do(http.MethodGet, "/api/users", "")
		return status == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	ts.waitReady(2)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
