package credit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu      sync.Mutex
	balance int64
	records []UsageRecord
	seen    map[int64]Deduction
	err     error
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{balance: balance, seen: make(map[int64]Deduction)}
}

func (l *fakeLedger) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

func (l *fakeLedger) Deduct(ctx context.Context, c Charge) (Deduction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return Deduction{}, l.err
	}
	if d, ok := l.seen[c.Seq]; ok {
		d.Replayed = true
		return d, nil
	}
	deducted, remaining := Clamp(l.balance, c.Seconds)
	l.balance = remaining
	l.records = append(l.records, UsageRecord{
		UserID: c.UserID, RoomID: c.RoomID, Seq: c.Seq,
		SecondsUsed: c.Seconds, CreditsDeducted: deducted, CreatedAt: c.At,
	})
	d := Deduction{Requested: c.Seconds, Deducted: deducted, Remaining: remaining}
	l.seen[c.Seq] = d
	return d, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestMeter returns a started meter whose ticker never fires during the
// test, so ticks are driven by hand.
func newTestMeter(t *testing.T, ledger Ledger, hooks Hooks) (*Meter, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMeter(ledger, "user-1", "room-1", time.Hour, hooks, zerolog.Nop())
	m.now = clk.now
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, clk
}

func TestClamp(t *testing.T) {
	tests := []struct {
		balance, seconds    int64
		deducted, remaining int64
	}{
		{100, 5, 5, 95},
		{5, 5, 5, 0},
		{3, 5, 3, 0},
		{0, 5, 0, 0},
		{10, 0, 0, 10},
		{-4, 5, 0, 0},
	}
	for _, tt := range tests {
		d, r := Clamp(tt.balance, tt.seconds)
		assert.Equal(t, tt.deducted, d, "deducted for balance=%d seconds=%d", tt.balance, tt.seconds)
		assert.Equal(t, tt.remaining, r, "remaining for balance=%d seconds=%d", tt.balance, tt.seconds)
	}
}

func TestMeter_ChargesWholeSecondsAndCarriesRemainder(t *testing.T) {
	ledger := newFakeLedger(100)
	m, clk := newTestMeter(t, ledger, Hooks{})
	ctx := context.Background()

	clk.advance(2500 * time.Millisecond)
	d, err := m.tick(ctx, clk.now())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(2), d.Deducted)

	// 0.5s carried + 0.7s = 1.2s total since last whole second
	clk.advance(700 * time.Millisecond)
	d, err = m.tick(ctx, clk.now())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(1), d.Deducted)

	// Nothing new to charge
	d, err = m.tick(ctx, clk.now())
	require.NoError(t, err)
	assert.Nil(t, d)

	assert.Equal(t, int64(3), m.Deducted())
	assert.Equal(t, int64(97), ledger.balance)
}

func TestMeter_ClampsAtZeroAndSignalsExhaustion(t *testing.T) {
	ledger := newFakeLedger(3)
	m, clk := newTestMeter(t, ledger, Hooks{})
	ctx := context.Background()

	clk.advance(5 * time.Second)
	d, err := m.tick(ctx, clk.now())
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, int64(5), d.Requested)
	assert.Equal(t, int64(3), d.Deducted)
	assert.Equal(t, int64(0), d.Remaining)
	assert.True(t, d.Exhausted())
	assert.True(t, m.Exhausted())

	require.Len(t, ledger.records, 1)
	assert.Equal(t, int64(3), ledger.records[0].CreditsDeducted)
	assert.Equal(t, int64(0), ledger.balance)

	// Exhaustion stops the meter; later ticks charge nothing
	clk.advance(10 * time.Second)
	d, err = m.tick(ctx, clk.now())
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Len(t, ledger.records, 1)
}

func TestMeter_StopSettlesAndBlocksLaterTicks(t *testing.T) {
	ledger := newFakeLedger(100)
	m, clk := newTestMeter(t, ledger, Hooks{})
	ctx := context.Background()

	clk.advance(4900 * time.Millisecond)
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, int64(4), m.Deducted())

	clk.advance(30 * time.Second)
	d, err := m.tick(ctx, clk.now())
	require.NoError(t, err)
	assert.Nil(t, d)
	require.NoError(t, m.Stop(ctx))

	assert.Len(t, ledger.records, 1)
	assert.Equal(t, int64(96), ledger.balance)

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("meter goroutine did not exit after Stop")
	}
}

func TestMeter_SequenceAdvancesOnlyOnSuccess(t *testing.T) {
	ledger := newFakeLedger(100)
	m, clk := newTestMeter(t, ledger, Hooks{})
	ctx := context.Background()

	ledger.err = errors.New("connection refused")
	clk.advance(2 * time.Second)
	_, err := m.tick(ctx, clk.now())
	require.Error(t, err)

	ledger.err = nil
	clk.advance(time.Second)
	d, err := m.tick(ctx, clk.now())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(3), d.Deducted, "failed seconds are charged on the next tick")

	require.Len(t, ledger.records, 1)
	assert.Equal(t, int64(1), ledger.records[0].Seq)
}

func TestMeter_TickerFiresExhaustionHook(t *testing.T) {
	ledger := newFakeLedger(1)
	exhausted := make(chan Deduction, 1)

	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMeter(ledger, "user-1", "room-1", 10*time.Millisecond, Hooks{
		OnExhausted: func(d Deduction) { exhausted <- d },
	}, zerolog.Nop())
	m.now = clk.now
	m.Start(context.Background())
	defer m.Stop(context.Background())

	clk.advance(2 * time.Second)

	select {
	case d := <-exhausted:
		assert.Equal(t, int64(1), d.Deducted)
		assert.Equal(t, int64(0), d.Remaining)
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion hook not called")
	}

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("meter goroutine did not exit after exhaustion")
	}
}

func TestMeter_StopBeforeStart(t *testing.T) {
	m := NewMeter(newFakeLedger(10), "u", "r", time.Second, Hooks{}, zerolog.Nop())
	require.NoError(t, m.Stop(context.Background()))
	m.Start(context.Background())
	assert.Equal(t, int64(0), m.Deducted())
}
