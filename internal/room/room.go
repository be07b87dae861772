// Package room holds the persistent Room record and the store contract the
// session layer reads and writes it through.
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/interpreter-gateway/internal/apperr"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
)

// Room pairs a creator and at most one participant for a single
// translated conversation
type Room struct {
	ID                 string
	OwnerID            string
	CreatorLanguage    string
	CreatorVoiceGender protocol.VoiceGender

	// Empty until the participant's first join
	ParticipantLanguage    string
	ParticipantVoiceGender protocol.VoiceGender

	IsActive         bool
	SessionStartedAt *time.Time
	SessionEndedAt   *time.Time
	CreatedAt        time.Time
}

// New builds an unsaved room owned by ownerID
func New(ownerID, language string, gender protocol.VoiceGender, now time.Time) (*Room, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner is required")
	}
	if language == "" {
		return nil, apperr.Validation("language is required")
	}
	if !gender.Valid() {
		return nil, apperr.Validation("voiceGender must be male or female")
	}
	return &Room{
		ID:                 NewID(),
		OwnerID:            ownerID,
		CreatorLanguage:    language,
		CreatorVoiceGender: gender,
		CreatedAt:          now.UTC(),
	}, nil
}

// NewID returns an opaque room token
func NewID() string {
	return uuid.NewString()
}

// HasParticipant reports whether the participant slot was filled
func (r *Room) HasParticipant() bool {
	return r.ParticipantLanguage != ""
}

// Started reports whether the room ever reached Active
func (r *Room) Started() bool {
	return r.SessionStartedAt != nil
}

// Ended reports whether the room reached its terminal state
func (r *Room) Ended() bool {
	return r.SessionEndedAt != nil
}

// Expired reports whether an unstarted room outlived ttl. Started rooms
// never expire. A non-positive ttl disables expiry.
func (r *Room) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || r.Started() {
		return false
	}
	return now.Sub(r.CreatedAt) >= ttl
}

// LanguageOf returns the language spoken by role
func (r *Room) LanguageOf(role protocol.Role) string {
	if role == protocol.RoleCreator {
		return r.CreatorLanguage
	}
	return r.ParticipantLanguage
}

// VoiceOf returns the voice gender chosen by role
func (r *Room) VoiceOf(role protocol.Role) protocol.VoiceGender {
	if role == protocol.RoleCreator {
		return r.CreatorVoiceGender
	}
	return r.ParticipantVoiceGender
}

// Clone returns a deep copy
func (r *Room) Clone() *Room {
	c := *r
	if r.SessionStartedAt != nil {
		t := *r.SessionStartedAt
		c.SessionStartedAt = &t
	}
	if r.SessionEndedAt != nil {
		t := *r.SessionEndedAt
		c.SessionEndedAt = &t
	}
	return &c
}

// Store persists rooms. Get reports apperr.CodeRoomNotFound for unknown and
// expired rooms.
type Store interface {
	Create(ctx context.Context, r *Room) error
	Get(ctx context.Context, id string) (*Room, error)

	// SetParticipant writes the participant's language and voice once.
	// A second call reports apperr.CodeRoleConflict.
	SetParticipant(ctx context.Context, id, language string, gender protocol.VoiceGender) (*Room, error)

	MarkStarted(ctx context.Context, id string, at time.Time) error
	MarkEnded(ctx context.Context, id string, at time.Time) error
}

// NotFound is the error stores return for a missing or expired room
func NotFound(id string) error {
	return apperr.Wrap(apperr.CodeRoomNotFound, "room not found", fmt.Errorf("room %s", id))
}

// ParticipantTaken is the error stores return when the slot is filled
func ParticipantTaken(id string) error {
	return apperr.Wrap(apperr.CodeRoleConflict, "participant role already taken", fmt.Errorf("room %s", id))
}
