// Package credit meters active session time against a user's prepaid
// balance, one credit per elapsed second.
package credit

import (
	"context"
	"time"
)

// Charge is one metering request against a user's balance. Seq is unique
// per room and makes a retried charge idempotent.
type Charge struct {
	UserID  string
	RoomID  string
	Seq     int64
	Seconds int64
	At      time.Time
}

// Deduction is the outcome of a Charge
type Deduction struct {
	Requested int64
	Deducted  int64 // Never more than the balance held before the charge
	Remaining int64 // Balance after the charge, never negative
	Replayed  bool  // Seq was already recorded; nothing new was charged
}

// Exhausted reports whether the balance is used up
func (d Deduction) Exhausted() bool {
	return d.Remaining <= 0
}

// UsageRecord is an append-only ledger entry
type UsageRecord struct {
	UserID          string
	RoomID          string
	Seq             int64
	SecondsUsed     int64
	CreditsDeducted int64
	CreatedAt       time.Time
}

// Ledger owns user balances. Deduct must clamp at zero and write the usage
// record in the same atomic step as the balance update, serialized per user.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Deduct(ctx context.Context, charge Charge) (Deduction, error)
}

// Clamp applies a charge of seconds to balance without going negative
func Clamp(balance, seconds int64) (deducted, remaining int64) {
	if balance < 0 {
		balance = 0
	}
	if seconds < 0 {
		seconds = 0
	}
	deducted = seconds
	if deducted > balance {
		deducted = balance
	}
	return deducted, balance - deducted
}
