// Package api serves the REST endpoints used to create and inspect rooms
// before peers connect over WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/interpreter-gateway/internal/apperr"
	"github.com/lexiqai/interpreter-gateway/internal/observability"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/room"
)

const (
	userIDHeader = "X-User-ID"
	maxBodyBytes = 64 << 10
)

// CreateRoomRequest is the body of POST /rooms/create
type CreateRoomRequest struct {
	Language    string               `json:"language"`
	VoiceGender protocol.VoiceGender `json:"voiceGender"`
}

// CreateRoomResponse carries the new room token
type CreateRoomResponse struct {
	RoomID       string `json:"roomId"`
	WebSocketURL string `json:"wsUrl,omitempty"`
}

// RoomResponse is the public view of a room
type RoomResponse struct {
	RoomID                 string               `json:"roomId"`
	CreatorLanguage        string               `json:"creatorLanguage"`
	CreatorVoiceGender     protocol.VoiceGender `json:"creatorVoiceGender"`
	ParticipantLanguage    string               `json:"participantLanguage,omitempty"`
	ParticipantVoiceGender protocol.VoiceGender `json:"participantVoiceGender,omitempty"`
	IsActive               bool                 `json:"isActive"`
	SessionStartedAt       *time.Time           `json:"sessionStartedAt,omitempty"`
	SessionEndedAt         *time.Time           `json:"sessionEndedAt,omitempty"`
	CreatedAt              time.Time            `json:"createdAt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RoomHandler creates and looks up rooms
type RoomHandler struct {
	rooms room.Store
	wsURL string
	now   func() time.Time
}

// NewRoomHandler creates a handler backed by rooms. wsURL is echoed to
// clients on creation.
func NewRoomHandler(rooms room.Store, wsURL string) *RoomHandler {
	return &RoomHandler{rooms: rooms, wsURL: wsURL, now: time.Now}
}

// Register mounts the routes on mux
func (h *RoomHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /rooms/create", h.Create)
	mux.HandleFunc("GET /rooms/{id}", h.Get)
}

// Create handles POST /rooms/create
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + userIDHeader + " header", Code: string(apperr.CodeValidation)})
		return
	}

	var req CreateRoomRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeValidation, "malformed request body", err))
		return
	}

	rec, err := room.New(userID, req.Language, req.VoiceGender, h.now())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.rooms.Create(r.Context(), rec); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeFatal, "create room", err))
		return
	}

	log.Info().
		Str("room_id", rec.ID).
		Str("user_id", userID).
		Str("language", rec.CreatorLanguage).
		Msg("Room created")

	writeJSON(w, http.StatusCreated, CreateRoomResponse{RoomID: rec.ID, WebSocketURL: h.wsURL})
}

// Get handles GET /rooms/{id}
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.rooms.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RoomResponse{
		RoomID:                 rec.ID,
		CreatorLanguage:        rec.CreatorLanguage,
		CreatorVoiceGender:     rec.CreatorVoiceGender,
		ParticipantLanguage:    rec.ParticipantLanguage,
		ParticipantVoiceGender: rec.ParticipantVoiceGender,
		IsActive:               rec.IsActive,
		SessionStartedAt:       rec.SessionStartedAt,
		SessionEndedAt:         rec.SessionEndedAt,
		CreatedAt:              rec.CreatedAt,
	})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeRoomNotFound:
		return http.StatusNotFound
	case apperr.CodeRoleConflict:
		return http.StatusConflict
	case apperr.CodeCreditExhausted:
		return http.StatusPaymentRequired
	case apperr.CodeProviderFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Room request failed")
		observability.RecordError("room_api", "api")
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		status = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, status, errorResponse{Error: apperr.Message(err), Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
