// Package budget tracks the external usage budget the run must live within.
// The monitor only reports; control decisions stay with the cycle engine.
package budget

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Usage is one reading from the usage endpoint, normalized to [0,1].
type Usage struct {
	Utilization float64
	ResetsAt    time.Time
	CapturedAt  time.Time
}

// FetchFunc retrieves the current usage. Tests inject fakes here.
type FetchFunc func(ctx context.Context) (*Usage, error)

// Thresholds are the fractions at which the monitor signals.
type Thresholds struct {
	WindDown float64 // default 0.80
	Critical float64 // default 0.90
	Resume   float64 // default 0.50
}

// DefaultThresholds returns the standard thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{WindDown: 0.80, Critical: 0.90, Resume: 0.50}
}

// Callbacks fire on every poll where the condition holds, not once per
// crossing.
type Callbacks struct {
	OnWindDown func(Usage)
	OnCritical func(Usage)
}

// Monitor polls the usage endpoint at a fixed interval.
type Monitor struct {
	fetch      FetchFunc
	thresholds Thresholds
	interval   time.Duration
	callbacks  Callbacks

	mu     sync.RWMutex
	latest *Usage

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the poll interval (default 30s).
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithThresholds overrides the thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithCallbacks sets threshold callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(m *Monitor) { m.callbacks = cb }
}

// NewMonitor creates a Monitor around fetch.
func NewMonitor(fetch FetchFunc, opts ...Option) *Monitor {
	m := &Monitor{
		fetch:      fetch,
		thresholds: DefaultThresholds(),
		interval:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins polling until Stop or context cancellation. The first poll
// happens immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) poll(ctx context.Context) {
	u, err := m.fetch(ctx)
	if err != nil || u == nil {
		// A failed poll keeps the last reading; stale data is better than
		// flapping between unknown and known.
		return
	}
	u.CapturedAt = time.Now().UTC()

	m.mu.Lock()
	m.latest = u
	m.mu.Unlock()

	if u.Utilization >= m.thresholds.Critical && m.callbacks.OnCritical != nil {
		m.callbacks.OnCritical(*u)
	}
	if u.Utilization >= m.thresholds.WindDown && m.callbacks.OnWindDown != nil {
		m.callbacks.OnWindDown(*u)
	}
}

// Latest returns the most recent reading, or nil before the first
// successful poll.
func (m *Monitor) Latest() *Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil
	}
	u := *m.latest
	return &u
}

// IsWindDown reports utilization >= the wind-down threshold.
func (m *Monitor) IsWindDown() bool {
	u := m.Latest()
	return u != nil && u.Utilization >= m.thresholds.WindDown
}

// IsCritical reports utilization >= the critical threshold.
func (m *Monitor) IsCritical() bool {
	u := m.Latest()
	return u != nil && u.Utilization >= m.thresholds.Critical
}

// WaitForReset blocks until the reported reset time has passed and a fresh
// poll shows utilization below the resume threshold. When the first wake-up
// still reads too high it sleeps in 60s increments.
func (m *Monitor) WaitForReset(ctx context.Context) error {
	u := m.Latest()
	if u != nil {
		if wait := time.Until(u.ResetsAt); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}
	}
	for {
		fresh, err := m.fetch(ctx)
		if err == nil && fresh != nil {
			fresh.CapturedAt = time.Now().UTC()
			m.mu.Lock()
			m.latest = fresh
			m.mu.Unlock()
			if fresh.Utilization < m.thresholds.Resume {
				return nil
			}
		}
		if err := sleepCtx(ctx, time.Minute); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HTTPFetcher returns a FetchFunc that GETs endpoint with a bearer token.
// The endpoint reports utilization as a percentage; it is normalized to
// [0,1] here.
func HTTPFetcher(endpoint, token string, client *http.Client) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return func(ctx context.Context) (*Usage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("usage endpoint returned %d", resp.StatusCode)
		}

		doc := gjson.ParseBytes(body)
		fiveHour := doc.Get("five_hour")
		if !fiveHour.Exists() {
			return nil, fmt.Errorf("usage payload missing five_hour window")
		}
		u := &Usage{
			Utilization: fiveHour.Get("utilization").Float() / 100.0,
		}
		if resets := fiveHour.Get("resets_at").String(); resets != "" {
			if ts, err := time.Parse(time.RFC3339, resets); err == nil {
				u.ResetsAt = ts
			}
		}
		return u, nil
	}
}
