// Package usage measures how long transcription ran for a call and asks for
// the cost once the call is torn down.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
)

// Record is the usage side record of one call.
type Record struct {
	SessionID       string    `json:"sessionId"`
	LogID           string    `json:"logId"`
	StartedAt       time.Time `json:"startedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
	Cost            float64   `json:"cost"`
	CostKnown       bool      `json:"costKnown"`
}

// BillingError is a failed cost request. It is only ever logged.
type BillingError struct {
	LogID string
	Err   error
}

func (e *BillingError) Error() string {
	return fmt.Sprintf("billing for log %q: %v", e.LogID, e.Err)
}

func (e *BillingError) Unwrap() error { return e.Err }

// CostFinalizer prices a finished session.
type CostFinalizer interface {
	FinalizeCost(ctx context.Context, logID string, durationSeconds float64) (float64, error)
}

// Store keeps finalized records.
type Store interface {
	SaveUsage(ctx context.Context, rec Record) error
}

type Option func(*Meter)

func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

func WithStore(s Store) Option {
	return func(m *Meter) { m.store = s }
}

// WithTimeout bounds the cost request.
func WithTimeout(d time.Duration) Option {
	return func(m *Meter) { m.timeout = d }
}

type Meter struct {
	costs   CostFinalizer
	store   Store
	now     func() time.Time
	timeout time.Duration

	mu        sync.Mutex
	started   bool
	sessionID string
	startedAt time.Time
	logID     string
}

func NewMeter(costs CostFinalizer, opts ...Option) *Meter {
	m := &Meter{costs: costs, now: time.Now, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start records the first channel opening. Later calls are ignored until
// the meter is finalized.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.startedAt = m.now()
	m.sessionID = uuid.NewString()
}

// SetLogID keeps the first log id of the call.
func (m *Meter) SetLogID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logID == "" {
		m.logID = id
	}
}

func (m *Meter) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Finalize closes the meter and returns its record. Cost and persistence
// failures are logged, never returned. Without Start it is a no-op.
func (m *Meter) Finalize(ctx context.Context) Record {
	m.mu.Lock()
	if !m.started {
		m.logID = ""
		m.mu.Unlock()
		return Record{}
	}
	rec := Record{
		SessionID:       m.sessionID,
		LogID:           m.logID,
		StartedAt:       m.startedAt,
		DurationSeconds: m.now().Sub(m.startedAt).Seconds(),
	}
	m.started = false
	m.sessionID = ""
	m.logID = ""
	m.startedAt = time.Time{}
	m.mu.Unlock()

	if m.costs != nil && rec.LogID != "" {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		cost, err := m.costs.FinalizeCost(cctx, rec.LogID, rec.DurationSeconds)
		cancel()
		if err != nil {
			logging.Warnw("cost finalization failed", "session", rec.SessionID,
				"duration_seconds", rec.DurationSeconds, "err", &BillingError{LogID: rec.LogID, Err: err})
		} else {
			rec.Cost = cost
			rec.CostKnown = true
		}
	}

	if m.store != nil {
		if err := m.store.SaveUsage(ctx, rec); err != nil {
			logging.Warnw("failed to save usage record", "session", rec.SessionID, "err", err)
		}
	}

	logging.Infow("usage finalized", "session", rec.SessionID, "log_id", rec.LogID,
		"duration_seconds", rec.DurationSeconds, "cost", rec.Cost)
	return rec
}
