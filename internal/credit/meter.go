package credit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interpreter-gateway/internal/observability"
)

// Hooks receive meter events. They run on the meter goroutine after its
// lock is released, so they may call Stop.
type Hooks struct {
	OnExhausted func(Deduction)
	OnError     func(error)
}

// Meter charges one room's elapsed time to its owner. Whole seconds are
// charged; the fractional remainder carries into the next tick.
type Meter struct {
	ledger   Ledger
	userID   string
	roomID   string
	interval time.Duration
	hooks    Hooks
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	started   bool
	stopped   bool
	exhausted bool
	startedAt time.Time
	charged   int64 // seconds already settled with the ledger
	deducted  int64 // credits actually taken
	seq       int64

	quit chan struct{}
	done chan struct{}
}

// NewMeter creates a stopped meter for the room owned by userID
func NewMeter(ledger Ledger, userID, roomID string, interval time.Duration, hooks Hooks, logger zerolog.Logger) *Meter {
	return &Meter{
		ledger:   ledger,
		userID:   userID,
		roomID:   roomID,
		interval: interval,
		hooks:    hooks,
		logger:   logger.With().Str("component", "credit_meter").Logger(),
		now:      time.Now,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins metering from now. It is a no-op after the first call or
// after Stop.
func (m *Meter) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.startedAt = m.now()
	m.mu.Unlock()

	go m.run(ctx)
}

func (m *Meter) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
			d, err := m.tick(ctx, m.now())
			if err != nil {
				m.logger.Error().Err(err).Msg("Credit deduction failed")
				if m.hooks.OnError != nil {
					m.hooks.OnError(err)
				}
				continue
			}
			if d != nil && d.Exhausted() {
				observability.RecordCreditExhausted()
				m.logger.Info().Int64("deducted", d.Deducted).Msg("Credits exhausted")
				if m.hooks.OnExhausted != nil {
					m.hooks.OnExhausted(*d)
				}
				return
			}
		}
	}
}

// tick settles whole seconds elapsed up to now. It returns nil when there
// was nothing to charge.
func (m *Meter) tick(ctx context.Context, now time.Time) (*Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		return nil, nil
	}
	return m.settleLocked(ctx, now)
}

func (m *Meter) settleLocked(ctx context.Context, now time.Time) (*Deduction, error) {
	elapsed := int64(now.Sub(m.startedAt) / time.Second)
	due := elapsed - m.charged
	if due <= 0 {
		return nil, nil
	}

	d, err := m.ledger.Deduct(ctx, Charge{
		UserID:  m.userID,
		RoomID:  m.roomID,
		Seq:     m.seq + 1,
		Seconds: due,
		At:      now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("deduct %ds for room %s: %w", due, m.roomID, err)
	}

	m.seq++
	m.charged += due
	m.deducted += d.Deducted
	if !d.Replayed {
		observability.RecordCreditsDeducted(d.Deducted)
	}
	if d.Exhausted() {
		m.exhausted = true
		m.stopped = true
	}

	m.logger.Debug().
		Int64("seq", m.seq).
		Int64("seconds", due).
		Int64("deducted", d.Deducted).
		Int64("remaining", d.Remaining).
		Msg("Credits deducted")
	return &d, nil
}

// Stop halts metering and settles the whole seconds elapsed since the last
// tick. After Stop returns no further charges are made. Calling Stop again
// is a no-op.
func (m *Meter) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		m.stopped = true
		m.stopOnceLocked()
		return nil
	}

	_, err := m.settleLocked(ctx, m.now())
	m.stopped = true
	m.stopOnceLocked()
	return err
}

func (m *Meter) stopOnceLocked() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
}

// Done is closed when the ticking goroutine has exited. It never closes for
// a meter that was not started.
func (m *Meter) Done() <-chan struct{} {
	return m.done
}

// Deducted returns the credits taken so far
func (m *Meter) Deducted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deducted
}

// Exhausted reports whether the meter stopped because the balance ran out
func (m *Meter) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}
