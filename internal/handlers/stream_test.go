package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"portfolio/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamConn is an open notification connection with its frames exposed as a
// channel of lines.
type streamConn struct {
	lines  <-chan string
	cancel context.CancelFunc
}

func (c *streamConn) close() { c.cancel() }

// next waits for the next non-empty line (frame payload or comment).
func (c *streamConn) next(t *testing.T, timeout time.Duration) (string, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return "", false
			}
			if line == "" {
				continue
			}
			return line, true
		case <-deadline:
			return "", false
		}
	}
}

func openStream(t *testing.T, ts *httptest.Server, cookie *http.Cookie) *streamConn {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/expenses/stream", http.NoBody)
	require.NoError(t, err)
	req.AddCookie(cookie)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer resp.Body.Close()
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	conn := &streamConn{lines: lines, cancel: cancel}
	t.Cleanup(conn.close)
	return conn
}

func TestStreamRejectsAnonymous(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/expenses/stream", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStreamConnectedThenRefreshPerMutation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser("alice", models.RoleUser)
	cookie := env.sessionCookie(alice)

	ts := httptest.NewServer(env.mux)
	t.Cleanup(ts.Close)

	conn := openStream(t, ts, cookie)

	// The connected marker arrives first.
	line, ok := conn.next(t, 2*time.Second)
	require.True(t, ok, "expected a first frame")
	assert.Equal(t, "data: connected", line)

	// The baseline probe must not produce a refresh.
	line, ok = conn.next(t, 150*time.Millisecond)
	require.False(t, ok, "spurious frame before any mutation: %q", line)

	// One create, one refresh.
	created, err := env.db.CreateExpense(alice.ID, &models.Expense{
		Date: "2026-03-01", Category: "Food", Description: "Lunch",
		Amount: 10.0, PaymentMethod: "Cash", Status: models.StatusPaid,
	})
	require.NoError(t, err)

	line, ok = conn.next(t, 2*time.Second)
	require.True(t, ok, "expected a refresh after create")
	assert.Equal(t, "data: refresh", line)

	line, ok = conn.next(t, 150*time.Millisecond)
	require.False(t, ok, "one mutation must produce exactly one refresh, got %q", line)

	// A delete is a mutation too.
	require.NoError(t, env.db.DeleteExpense(created.ID))
	line, ok = conn.next(t, 2*time.Second)
	require.True(t, ok, "expected a refresh after delete")
	assert.Equal(t, "data: refresh", line)
}

func TestStreamHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	env.h.heartbeatInterval = 40 * time.Millisecond
	cookie := env.sessionCookie(env.newUser("alice", models.RoleUser))

	ts := httptest.NewServer(env.mux)
	t.Cleanup(ts.Close)

	conn := openStream(t, ts, cookie)

	line, ok := conn.next(t, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, "data: connected", line)

	line, ok = conn.next(t, 2*time.Second)
	require.True(t, ok, "expected a heartbeat frame")
	assert.Equal(t, ": heartbeat", line)
}

// Disconnecting a client must release its poll and heartbeat timers; leaked
// per-connection goroutines would show up as a rising goroutine count.
func TestStreamReleasesResourcesOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.sessionCookie(env.newUser("alice", models.RoleUser))

	ts := httptest.NewServer(env.mux)
	t.Cleanup(ts.Close)

	before := runtime.NumGoroutine()

	conns := make([]*streamConn, 0, 5)
	for range 5 {
		conn := openStream(t, ts, cookie)
		line, ok := conn.next(t, 2*time.Second)
		require.True(t, ok)
		require.Equal(t, "data: connected", line)
		conns = append(conns, conn)
	}

	for _, conn := range conns {
		conn.close()
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 5*time.Second, 50*time.Millisecond, "per-connection goroutines were not released")
}
