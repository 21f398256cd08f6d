// Package client implements the dashboard's view of the expense API: the
// fetched expense list with its loading state machine, and the notification
// stream that triggers background refetches, reconnecting with capped
// exponential backoff when the connection drops.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"portfolio/internal/models"
)

// ListState describes the expense list lifecycle.
type ListState int

const (
	ListIdle ListState = iota
	ListLoading
	ListReady
	ListFailed
)

// StreamState describes the notification connection lifecycle.
type StreamState int

const (
	StreamClosed StreamState = iota
	StreamConnecting
	StreamOpen
	StreamReconnecting
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Dashboard is a client for the expense dashboard API. All methods are safe
// for concurrent use.
type Dashboard struct {
	baseURL string
	http    *http.Client

	mu          sync.Mutex
	expenses    []models.Expense
	listState   ListState
	streamState StreamState
	lastErr     error
	cancel      context.CancelFunc

	// Overridable in tests.
	backoffFloor time.Duration
	backoffCeil  time.Duration
}

// New creates a Dashboard client for the server at baseURL. If httpClient is
// nil a client with a cookie jar is created; the caller is expected to log
// in through it (or supply one that already carries a session cookie).
func New(baseURL string, httpClient *http.Client) *Dashboard {
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		httpClient = &http.Client{Jar: jar}
	}
	return &Dashboard{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         httpClient,
		backoffFloor: initialBackoff,
		backoffCeil:  maxBackoff,
	}
}

// HTTPClient returns the underlying HTTP client, for logging in.
func (d *Dashboard) HTTPClient() *http.Client {
	return d.http
}

// Start issues the initial list fetch, then opens the notification stream in
// the background. It is a no-op if the dashboard is already running.
func (d *Dashboard) Start(ctx context.Context) {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.listState = ListLoading
	d.mu.Unlock()

	d.refresh()
	go d.runStream(ctx)
}

// Close shuts down the notification stream.
func (d *Dashboard) Close() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Expenses returns a snapshot of the current expense list.
func (d *Dashboard) Expenses() []models.Expense {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Expense, len(d.expenses))
	copy(out, d.expenses)
	return out
}

// ListState returns the current list state.
func (d *Dashboard) ListState() ListState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listState
}

// StreamState returns the current notification connection state.
func (d *Dashboard) StreamState() StreamState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamState
}

// Err returns the most recent fetch or mutation error, if any.
func (d *Dashboard) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// refresh fetches the full expense list. The initial fetch moves the list to
// Ready or Failed; once Ready, a failed background refresh keeps the current
// list on screen instead of flashing an error.
func (d *Dashboard) refresh() {
	expenses, err := d.fetchExpenses()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		log.Printf("Failed to fetch expenses: %v", err)
		d.lastErr = err
		if d.listState != ListReady {
			d.listState = ListFailed
		}
		return
	}
	d.expenses = expenses
	d.listState = ListReady
}

func (d *Dashboard) fetchExpenses() ([]models.Expense, error) {
	resp, err := d.http.Get(d.baseURL + "/api/expenses")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list returned status %d", resp.StatusCode)
	}

	var expenses []models.Expense
	if err := json.NewDecoder(resp.Body).Decode(&expenses); err != nil {
		return nil, err
	}
	return expenses, nil
}

// Add creates an expense and appends the server-returned record to the local
// list. Nothing is applied optimistically: on failure the list is unchanged.
func (d *Dashboard) Add(e models.Expense) (*models.Expense, error) {
	body, err := json.Marshal(map[string]any{
		"date":          e.Date,
		"category":      e.Category,
		"description":   e.Description,
		"amount":        e.Amount,
		"paymentMethod": e.PaymentMethod,
		"status":        e.Status,
	})
	if err != nil {
		return nil, err
	}

	resp, err := d.http.Post(d.baseURL+"/api/expenses", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, d.fail("add expense", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, d.fail("add expense", fmt.Errorf("status %d", resp.StatusCode))
	}

	var created models.Expense
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, d.fail("add expense", err)
	}

	d.mu.Lock()
	d.expenses = append(d.expenses, created)
	d.mu.Unlock()
	return &created, nil
}

// Delete removes an expense. The local list is only updated after the server
// confirms the deletion.
func (d *Dashboard) Delete(id int64) error {
	body, err := json.Marshal(map[string]int64{"id": id})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodDelete, d.baseURL+"/api/expenses", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return d.fail("delete expense", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return d.fail("delete expense", fmt.Errorf("status %d", resp.StatusCode))
	}

	d.mu.Lock()
	kept := d.expenses[:0]
	for _, e := range d.expenses {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	d.expenses = kept
	d.mu.Unlock()
	return nil
}

func (d *Dashboard) fail(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	log.Printf("Failed to %v", err)
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	return err
}

func (d *Dashboard) setStreamState(s StreamState) {
	d.mu.Lock()
	d.streamState = s
	d.mu.Unlock()
}

// runStream keeps one notification connection open, backing off
// exponentially (capped) between attempts. The backoff resets once a
// connection delivers its "connected" marker.
func (d *Dashboard) runStream(ctx context.Context) {
	backoff := d.backoffFloor
	for {
		d.setStreamState(StreamConnecting)
		opened, err := d.consumeStream(ctx)
		if ctx.Err() != nil {
			d.setStreamState(StreamClosed)
			return
		}
		if err != nil {
			log.Printf("Notification stream error: %v", err)
		}
		if opened {
			backoff = d.backoffFloor
		}

		d.setStreamState(StreamReconnecting)
		select {
		case <-ctx.Done():
			d.setStreamState(StreamClosed)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.backoffCeil {
			backoff = d.backoffCeil
		}
	}
}

// consumeStream reads one notification connection until it drops. Returns
// whether the server's "connected" marker was seen.
func (d *Dashboard) consumeStream(ctx context.Context) (opened bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/expenses/stream", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := d.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// frame boundary
		case strings.HasPrefix(line, ":"):
			// heartbeat comment, nothing to do
		case strings.HasPrefix(line, "data: "):
			switch strings.TrimPrefix(line, "data: ") {
			case "connected":
				opened = true
				d.setStreamState(StreamOpen)
			case "refresh":
				d.refresh()
			}
		}
	}
	return opened, scanner.Err()
}
