// Package memory is an in-process room store and credit ledger for local
// development and tests. Data is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/interpreter-gateway/internal/credit"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/room"
)

var (
	_ room.Store    = (*Store)(nil)
	_ credit.Ledger = (*Store)(nil)
)

type usageKey struct {
	roomID string
	seq    int64
}

// Store keeps rooms, balances and usage records in maps
type Store struct {
	ttl             time.Duration
	startingCredits int64
	now             func() time.Time

	mu       sync.RWMutex
	rooms    map[string]*room.Room
	balances map[string]int64
	usage    []credit.UsageRecord
	applied  map[usageKey]credit.Deduction
}

// New creates a store. Users not seen before start with startingCredits.
func New(ttl time.Duration, startingCredits int64) *Store {
	return &Store{
		ttl:             ttl,
		startingCredits: startingCredits,
		now:             time.Now,
		rooms:           make(map[string]*room.Room),
		balances:        make(map[string]int64),
		applied:         make(map[usageKey]credit.Deduction),
	}
}

// Create stores a copy of r
func (s *Store) Create(ctx context.Context, r *room.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[r.ID]; exists {
		return fmt.Errorf("memory store: room %q already exists", r.ID)
	}
	s.rooms[r.ID] = r.Clone()
	return nil
}

// Get returns a copy of the room, or a not-found error for missing and
// expired rooms
func (s *Store) Get(ctx context.Context, id string) (*room.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.liveLocked(id)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (s *Store) liveLocked(id string) (*room.Room, error) {
	r, ok := s.rooms[id]
	if !ok || r.Expired(s.now(), s.ttl) {
		return nil, room.NotFound(id)
	}
	return r, nil
}

// SetParticipant fills the participant slot once
func (s *Store) SetParticipant(ctx context.Context, id, language string, gender protocol.VoiceGender) (*room.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.liveLocked(id)
	if err != nil {
		return nil, err
	}
	if r.HasParticipant() {
		return nil, room.ParticipantTaken(id)
	}
	r.ParticipantLanguage = language
	r.ParticipantVoiceGender = gender
	return r.Clone(), nil
}

// MarkStarted records the transition to Active
func (s *Store) MarkStarted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return room.NotFound(id)
	}
	at = at.UTC()
	r.IsActive = true
	r.SessionStartedAt = &at
	return nil
}

// MarkEnded records the terminal transition
func (s *Store) MarkEnded(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return room.NotFound(id)
	}
	at = at.UTC()
	r.IsActive = false
	r.SessionEndedAt = &at
	return nil
}

// SetBalance overwrites a user's balance
func (s *Store) SetBalance(userID string, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = credits
}

// Balance returns the user's remaining credits
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID), nil
}

func (s *Store) balanceLocked(userID string) int64 {
	b, ok := s.balances[userID]
	if !ok {
		b = s.startingCredits
		s.balances[userID] = b
	}
	return b
}

// Deduct applies a charge, clamping at zero. A repeated (room, seq) pair
// returns the original outcome without charging again. The store mutex
// serializes every user's rooms.
func (s *Store) Deduct(ctx context.Context, c credit.Charge) (credit.Deduction, error) {
	if err := ctx.Err(); err != nil {
		return credit.Deduction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{roomID: c.RoomID, seq: c.Seq}
	if prev, ok := s.applied[key]; ok {
		prev.Replayed = true
		return prev, nil
	}

	deducted, remaining := credit.Clamp(s.balanceLocked(c.UserID), c.Seconds)
	s.balances[c.UserID] = remaining
	s.usage = append(s.usage, credit.UsageRecord{
		UserID:          c.UserID,
		RoomID:          c.RoomID,
		Seq:             c.Seq,
		SecondsUsed:     c.Seconds,
		CreditsDeducted: deducted,
		CreatedAt:       c.At,
	})

	d := credit.Deduction{Requested: c.Seconds, Deducted: deducted, Remaining: remaining}
	s.applied[key] = d
	return d, nil
}

// Usage returns the ledger entries for a room in write order
func (s *Store) Usage(roomID string) []credit.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []credit.UsageRecord
	for _, u := range s.usage {
		if u.RoomID == roomID {
			out = append(out, u)
		}
	}
	return out
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}
