package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/interpreter-gateway/internal/apperr"
	"github.com/lexiqai/interpreter-gateway/internal/credit"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/room"
)

func newRoom(t *testing.T, s *Store) *room.Room {
	t.Helper()
	r, err := room.New("user-1", "en", protocol.VoiceMale, s.now())
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), r))
	return r
}

func TestStore_CreateAndGet(t *testing.T) {
	s := New(time.Hour, 100)
	r := newRoom(t, s)

	got, err := s.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "en", got.CreatorLanguage)
	assert.False(t, got.HasParticipant())

	// Returned rooms are copies
	got.CreatorLanguage = "xx"
	again, _ := s.Get(context.Background(), r.ID)
	assert.Equal(t, "en", again.CreatorLanguage)
}

func TestStore_GetMissingAndExpired(t *testing.T) {
	s := New(time.Hour, 100)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, apperr.Is(err, apperr.CodeRoomNotFound))

	r := newRoom(t, s)
	now := r.CreatedAt
	s.now = func() time.Time { return now.Add(2 * time.Hour) }

	_, err = s.Get(context.Background(), r.ID)
	assert.True(t, apperr.Is(err, apperr.CodeRoomNotFound), "unstarted room past TTL is not found")
}

func TestStore_StartedRoomDoesNotExpire(t *testing.T) {
	s := New(time.Hour, 100)
	r := newRoom(t, s)
	require.NoError(t, s.MarkStarted(context.Background(), r.ID, r.CreatedAt.Add(time.Minute)))

	now := r.CreatedAt
	s.now = func() time.Time { return now.Add(48 * time.Hour) }
	got, err := s.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestStore_SetParticipantFirstJoinWins(t *testing.T) {
	s := New(time.Hour, 100)
	r := newRoom(t, s)
	ctx := context.Background()

	got, err := s.SetParticipant(ctx, r.ID, "es", protocol.VoiceFemale)
	require.NoError(t, err)
	assert.Equal(t, "es", got.ParticipantLanguage)

	_, err = s.SetParticipant(ctx, r.ID, "fr", protocol.VoiceMale)
	assert.True(t, apperr.Is(err, apperr.CodeRoleConflict))

	got, _ = s.Get(ctx, r.ID)
	assert.Equal(t, "es", got.ParticipantLanguage)
	assert.Equal(t, protocol.VoiceFemale, got.ParticipantVoiceGender)
}

func TestStore_MarkEnded(t *testing.T) {
	s := New(time.Hour, 100)
	r := newRoom(t, s)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.MarkStarted(ctx, r.ID, at))
	require.NoError(t, s.MarkEnded(ctx, r.ID, at.Add(time.Minute)))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.True(t, got.Ended())
	assert.Error(t, s.MarkEnded(ctx, "missing", at))
}

func TestStore_DeductClampsAndRecords(t *testing.T) {
	s := New(time.Hour, 0)
	s.SetBalance("user-1", 7)
	ctx := context.Background()

	d, err := s.Deduct(ctx, credit.Charge{UserID: "user-1", RoomID: "r", Seq: 1, Seconds: 5})
	require.NoError(t, err)
	assert.Equal(t, credit.Deduction{Requested: 5, Deducted: 5, Remaining: 2}, d)

	d, err = s.Deduct(ctx, credit.Charge{UserID: "user-1", RoomID: "r", Seq: 2, Seconds: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Deducted)
	assert.Equal(t, int64(0), d.Remaining)
	assert.True(t, d.Exhausted())

	balance, _ := s.Balance(ctx, "user-1")
	assert.Equal(t, int64(0), balance)

	usage := s.Usage("r")
	require.Len(t, usage, 2)
	assert.Equal(t, int64(2), usage[1].CreditsDeducted)
	assert.Equal(t, int64(5), usage[1].SecondsUsed)
}

func TestStore_DeductIsIdempotentPerSeq(t *testing.T) {
	s := New(time.Hour, 100)
	ctx := context.Background()
	charge := credit.Charge{UserID: "user-1", RoomID: "r", Seq: 1, Seconds: 10}

	first, err := s.Deduct(ctx, charge)
	require.NoError(t, err)
	replay, err := s.Deduct(ctx, charge)
	require.NoError(t, err)

	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Deducted, replay.Deducted)
	balance, _ := s.Balance(ctx, "user-1")
	assert.Equal(t, int64(90), balance)
	assert.Len(t, s.Usage("r"), 1)
}

func TestStore_ConcurrentRoomsShareBalance(t *testing.T) {
	s := New(time.Hour, 0)
	s.SetBalance("user-1", 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for seq := int64(1); seq <= 10; seq++ {
				_, err := s.Deduct(ctx, credit.Charge{
					UserID: "user-1", RoomID: string(rune('a' + i)), Seq: seq, Seconds: 2,
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	balance, _ := s.Balance(ctx, "user-1")
	assert.Equal(t, int64(0), balance)

	var total int64
	for _, id := range []string{"a", "b", "c", "d"} {
		for _, u := range s.Usage(id) {
			total += u.CreditsDeducted
		}
	}
	assert.Equal(t, int64(50), total, "credits taken never exceed the balance")
}
