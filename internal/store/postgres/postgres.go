// Package postgres persists rooms, subscription balances and the credit
// usage ledger in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexiqai/interpreter-gateway/internal/credit"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/room"
)

// Schema is the SQL DDL for the gateway tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
    id                       TEXT PRIMARY KEY,
    owner_id                 TEXT NOT NULL,
    creator_language         TEXT NOT NULL,
    creator_voice_gender     TEXT NOT NULL,
    participant_language     TEXT,
    participant_voice_gender TEXT,
    is_active                BOOLEAN NOT NULL DEFAULT FALSE,
    session_started_at       TIMESTAMPTZ,
    session_ended_at         TIMESTAMPTZ,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_rooms_owner ON rooms(owner_id);

CREATE TABLE IF NOT EXISTS subscriptions (
    user_id              TEXT PRIMARY KEY,
    credits_remaining    BIGINT NOT NULL DEFAULT 0 CHECK (credits_remaining >= 0),
    credits_rolled_over  BIGINT NOT NULL DEFAULT 0,
    current_period_start TIMESTAMPTZ,
    current_period_end   TIMESTAMPTZ,
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_usage (
    id               BIGSERIAL PRIMARY KEY,
    user_id          TEXT NOT NULL,
    room_id          TEXT NOT NULL,
    tick_seq         BIGINT NOT NULL,
    seconds_used     BIGINT NOT NULL,
    credits_deducted BIGINT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (room_id, tick_seq)
);
CREATE INDEX IF NOT EXISTS idx_credit_usage_user ON credit_usage(user_id, created_at);
`

// DB is the database interface used by [Store]. *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ room.Store    = (*Store)(nil)
	_ credit.Ledger = (*Store)(nil)
)

// Store implements room.Store and credit.Ledger
type Store struct {
	db   DB
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// New wraps an existing connection. Unstarted rooms older than ttl are
// reported as not found.
func New(db DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Open creates a pool for dsn, pings it and applies the schema
func Open(ctx context.Context, dsn string, ttl time.Duration) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	s := New(pool, ttl)
	s.pool = pool
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema]
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity when the store owns a pool
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool opened by Open
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Create inserts a new room
func (s *Store) Create(ctx context.Context, r *room.Room) error {
	const query = `
		INSERT INTO rooms (id, owner_id, creator_language, creator_voice_gender, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.Exec(ctx, query, r.ID, r.OwnerID, r.CreatorLanguage, string(r.CreatorVoiceGender), r.CreatedAt); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres store: room %q already exists", r.ID)
		}
		return fmt.Errorf("postgres store: create room: %w", err)
	}
	return nil
}

const selectRoom = `
	SELECT id, owner_id, creator_language, creator_voice_gender,
	       participant_language, participant_voice_gender,
	       is_active, session_started_at, session_ended_at, created_at
	FROM rooms`

// Get returns the room, or a not-found error for missing and expired rooms
func (s *Store) Get(ctx context.Context, id string) (*room.Room, error) {
	r, err := scanRoom(s.db.QueryRow(ctx, selectRoom+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, room.NotFound(id)
		}
		return nil, fmt.Errorf("postgres store: get room: %w", err)
	}
	if r.Expired(s.now(), s.ttl) {
		return nil, room.NotFound(id)
	}
	return r, nil
}

// SetParticipant fills the participant slot once. The conditional update
// makes concurrent joins race safely: exactly one of them matches.
func (s *Store) SetParticipant(ctx context.Context, id, language string, gender protocol.VoiceGender) (*room.Room, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	const query = `
		UPDATE rooms
		SET participant_language = $2, participant_voice_gender = $3
		WHERE id = $1 AND participant_language IS NULL
		RETURNING id, owner_id, creator_language, creator_voice_gender,
		          participant_language, participant_voice_gender,
		          is_active, session_started_at, session_ended_at, created_at`

	r, err := scanRoom(s.db.QueryRow(ctx, query, id, language, string(gender)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, room.ParticipantTaken(id)
		}
		return nil, fmt.Errorf("postgres store: set participant: %w", err)
	}
	return r, nil
}

// MarkStarted records the transition to Active
func (s *Store) MarkStarted(ctx context.Context, id string, at time.Time) error {
	return s.updateRoom(ctx, `UPDATE rooms SET is_active = TRUE, session_started_at = $2 WHERE id = $1`, id, at)
}

// MarkEnded records the terminal transition
func (s *Store) MarkEnded(ctx context.Context, id string, at time.Time) error {
	return s.updateRoom(ctx, `UPDATE rooms SET is_active = FALSE, session_ended_at = $2 WHERE id = $1`, id, at)
}

func (s *Store) updateRoom(ctx context.Context, query, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, query, id, at.UTC())
	if err != nil {
		return fmt.Errorf("postgres store: update room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return room.NotFound(id)
	}
	return nil
}

// Balance returns the user's remaining credits. Users without a
// subscription row have none.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `SELECT credits_remaining FROM subscriptions WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres store: balance: %w", err)
	}
	return balance, nil
}

// Deduct applies a charge in one transaction. The subscription row lock
// serializes all of the user's rooms, and the (room_id, tick_seq) key makes
// a retried charge a no-op.
func (s *Store) Deduct(ctx context.Context, c credit.Charge) (credit.Deduction, error) {
	var out credit.Deduction

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx,
			`SELECT credits_remaining FROM subscriptions WHERE user_id = $1 FOR UPDATE`,
			c.UserID).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock subscription: %w", err)
		}

		var prevSeconds, prevDeducted int64
		err = tx.QueryRow(ctx,
			`SELECT seconds_used, credits_deducted FROM credit_usage WHERE room_id = $1 AND tick_seq = $2`,
			c.RoomID, c.Seq).Scan(&prevSeconds, &prevDeducted)
		if err == nil {
			out = credit.Deduction{Requested: prevSeconds, Deducted: prevDeducted, Remaining: balance, Replayed: true}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check usage: %w", err)
		}

		deducted, remaining := credit.Clamp(balance, c.Seconds)
		if deducted > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE subscriptions SET credits_remaining = $2, updated_at = $3 WHERE user_id = $1`,
				c.UserID, remaining, c.At); err != nil {
				return fmt.Errorf("update balance: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_usage (user_id, room_id, tick_seq, seconds_used, credits_deducted, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.UserID, c.RoomID, c.Seq, c.Seconds, deducted, c.At); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}

		out = credit.Deduction{Requested: c.Seconds, Deducted: deducted, Remaining: remaining}
		return nil
	})
	if err != nil {
		return credit.Deduction{}, fmt.Errorf("postgres store: deduct: %w", err)
	}
	return out, nil
}

// SetBalance upserts a subscription balance. Used for seeding and tests.
func (s *Store) SetBalance(ctx context.Context, userID string, credits int64) error {
	const query = `
		INSERT INTO subscriptions (user_id, credits_remaining)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET credits_remaining = EXCLUDED.credits_remaining, updated_at = now()`
	if _, err := s.db.Exec(ctx, query, userID, credits); err != nil {
		return fmt.Errorf("postgres store: set balance: %w", err)
	}
	return nil
}

func scanRoom(row pgx.Row) (*room.Room, error) {
	var (
		r                   room.Room
		creatorGender       string
		participantLanguage *string
		participantGender   *string
	)
	err := row.Scan(
		&r.ID, &r.OwnerID, &r.CreatorLanguage, &creatorGender,
		&participantLanguage, &participantGender,
		&r.IsActive, &r.SessionStartedAt, &r.SessionEndedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.CreatorVoiceGender = protocol.VoiceGender(creatorGender)
	if participantLanguage != nil {
		r.ParticipantLanguage = *participantLanguage
	}
	if participantGender != nil {
		r.ParticipantVoiceGender = protocol.VoiceGender(*participantGender)
	}
	return &r, nil
}

// isDuplicateKeyError reports whether err is a unique_violation
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
