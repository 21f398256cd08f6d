package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portfolio/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAPI is a scripted expense API: the test controls the list content,
// failure injection and the frames pushed down the notification stream.
type stubAPI struct {
	mu       sync.Mutex
	expenses []models.Expense
	nextID   int64

	failList   atomic.Bool
	failStream atomic.Bool

	streamAttempts atomic.Int64
	frames         chan string
}

func newStubAPI(seed ...models.Expense) *stubAPI {
	s := &stubAPI{frames: make(chan string)}
	s.expenses = append(s.expenses, seed...)
	for _, e := range seed {
		if e.ID > s.nextID {
			s.nextID = e.ID
		}
	}
	return s
}

func (s *stubAPI) push(frame string) { s.frames <- frame }

func (s *stubAPI) list() []models.Expense {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Expense, len(s.expenses))
	copy(out, s.expenses)
	return out
}

func (s *stubAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/expenses", func(w http.ResponseWriter, r *http.Request) {
		if s.failList.Load() {
			http.Error(w, `{"error":"Failed to load expenses"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.list())
	})

	mux.HandleFunc("POST /api/expenses", func(w http.ResponseWriter, r *http.Request) {
		var e models.Expense
		_ = json.NewDecoder(r.Body).Decode(&e)
		s.mu.Lock()
		s.nextID++
		e.ID = s.nextID
		e.UserID = 1
		s.expenses = append(s.expenses, e)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(e)
	})

	mux.HandleFunc("DELETE /api/expenses", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID int64 `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		kept := s.expenses[:0]
		found := false
		for _, e := range s.expenses {
			if e.ID == body.ID {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		s.expenses = kept
		s.mu.Unlock()
		if !found {
			http.Error(w, `{"error":"Expense not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true}`)
	})

	mux.HandleFunc("GET /api/expenses/stream", func(w http.ResponseWriter, r *http.Request) {
		s.streamAttempts.Add(1)
		if s.failStream.Load() {
			http.Error(w, `{"error":"unavailable"}`, http.StatusInternalServerError)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: connected\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case frame := <-s.frames:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			}
		}
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func startDashboard(t *testing.T, ts *httptest.Server) *Dashboard {
	t.Helper()
	d := New(ts.URL, ts.Client())
	d.backoffFloor = 10 * time.Millisecond
	d.backoffCeil = 50 * time.Millisecond
	d.Start(context.Background())
	t.Cleanup(d.Close)
	return d
}

func seedExpense(id int64, desc string) models.Expense {
	return models.Expense{
		ID: id, UserID: 1, Date: "2026-03-01", Category: "Food",
		Description: desc, Amount: 10.0, PaymentMethod: "Cash",
		Status: models.StatusPaid,
	}
}

func TestInitialLoadReady(t *testing.T) {
	api := newStubAPI(seedExpense(1, "Lunch"), seedExpense(2, "Coffee"))
	d := startDashboard(t, api.server(t))

	assert.Equal(t, ListReady, d.ListState())
	require.Len(t, d.Expenses(), 2)
	assert.Equal(t, "Lunch", d.Expenses()[0].Description)

	assert.Eventually(t, func() bool { return d.StreamState() == StreamOpen },
		2*time.Second, 10*time.Millisecond, "stream should open")
}

func TestInitialLoadFailure(t *testing.T) {
	api := newStubAPI()
	api.failList.Store(true)
	d := startDashboard(t, api.server(t))

	assert.Equal(t, ListFailed, d.ListState())
	assert.Error(t, d.Err())
	assert.Empty(t, d.Expenses())
}

func TestRefreshOnSignal(t *testing.T) {
	api := newStubAPI(seedExpense(1, "Lunch"))
	d := startDashboard(t, api.server(t))

	require.Eventually(t, func() bool { return d.StreamState() == StreamOpen },
		2*time.Second, 10*time.Millisecond)

	// Another client's mutation shows up after a refresh signal.
	api.mu.Lock()
	api.expenses = append(api.expenses, seedExpense(2, "Added elsewhere"))
	api.mu.Unlock()
	api.push("refresh")

	assert.Eventually(t, func() bool { return len(d.Expenses()) == 2 },
		2*time.Second, 10*time.Millisecond, "refresh signal should trigger a refetch")
	// A background refresh never flashes the loading state.
	assert.Equal(t, ListReady, d.ListState())
}

func TestBackgroundRefreshFailureKeepsList(t *testing.T) {
	api := newStubAPI(seedExpense(1, "Lunch"))
	d := startDashboard(t, api.server(t))

	require.Eventually(t, func() bool { return d.StreamState() == StreamOpen },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, ListReady, d.ListState())

	api.failList.Store(true)
	api.push("refresh")

	assert.Eventually(t, func() bool { return d.Err() != nil },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ListReady, d.ListState(), "a failed background refresh must not tear down the view")
	assert.Len(t, d.Expenses(), 1, "the stale list stays on screen")
}

func TestAddAppendsServerRecord(t *testing.T) {
	api := newStubAPI()
	d := startDashboard(t, api.server(t))

	created, err := d.Add(models.Expense{
		Date: "2026-03-01", Category: "Food", Description: "Lunch",
		Amount: 10.0, PaymentMethod: "Cash", Status: models.StatusPaid,
	})
	require.NoError(t, err)
	assert.Positive(t, created.ID)

	list := d.Expenses()
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID, "the server-returned record is appended, not the local draft")
}

func TestDeleteOnlyAppliedOnSuccess(t *testing.T) {
	api := newStubAPI(seedExpense(1, "Lunch"), seedExpense(2, "Coffee"))
	d := startDashboard(t, api.server(t))
	require.Len(t, d.Expenses(), 2)

	// Server rejects: list unchanged.
	err := d.Delete(99)
	require.Error(t, err)
	assert.Len(t, d.Expenses(), 2)

	// Server confirms: record removed locally.
	require.NoError(t, d.Delete(1))
	list := d.Expenses()
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].ID)
}

func TestStreamReconnectsWithBackoff(t *testing.T) {
	api := newStubAPI(seedExpense(1, "Lunch"))
	api.failStream.Store(true)
	d := startDashboard(t, api.server(t))

	// The list loads even while the stream cannot connect.
	assert.Equal(t, ListReady, d.ListState())

	// Failed attempts keep retrying.
	require.Eventually(t, func() bool { return api.streamAttempts.Load() >= 3 },
		2*time.Second, 10*time.Millisecond, "expected repeated reconnect attempts")
	assert.Contains(t, []StreamState{StreamConnecting, StreamReconnecting}, d.StreamState())

	// Once the endpoint recovers, the stream opens.
	api.failStream.Store(false)
	assert.Eventually(t, func() bool { return d.StreamState() == StreamOpen },
		2*time.Second, 10*time.Millisecond, "stream should recover")
}

func TestCloseShutsDownStream(t *testing.T) {
	api := newStubAPI()
	d := startDashboard(t, api.server(t))

	require.Eventually(t, func() bool { return d.StreamState() == StreamOpen },
		2*time.Second, 10*time.Millisecond)

	d.Close()
	assert.Eventually(t, func() bool { return d.StreamState() == StreamClosed },
		2*time.Second, 10*time.Millisecond)
}
