package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/room"
	"github.com/lexiqai/interpreter-gateway/internal/store/memory"
)

func newTestServer(t *testing.T, rooms room.Store) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewRoomHandler(rooms, "ws://localhost:8080/ws").Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func createRoom(t *testing.T, srv *httptest.Server, userID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rooms/create", strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateAndGetRoom(t *testing.T) {
	store := memory.New(time.Hour, 100)
	srv := newTestServer(t, store)

	resp := createRoom(t, srv, "user-1", `{"language":"en","voiceGender":"female"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created CreateRoomResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.RoomID)
	assert.Equal(t, "ws://localhost:8080/ws", created.WebSocketURL)

	rec, err := store.Get(context.Background(), created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.OwnerID)

	get, err := http.Get(srv.URL + "/rooms/" + created.RoomID)
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var view RoomResponse
	require.NoError(t, json.NewDecoder(get.Body).Decode(&view))
	assert.Equal(t, created.RoomID, view.RoomID)
	assert.Equal(t, "en", view.CreatorLanguage)
	assert.Equal(t, protocol.VoiceFemale, view.CreatorVoiceGender)
	assert.Empty(t, view.ParticipantLanguage)
	assert.False(t, view.IsActive)
}

func TestCreateRoom_Rejections(t *testing.T) {
	srv := newTestServer(t, memory.New(time.Hour, 100))

	tests := []struct {
		name   string
		userID string
		body   string
		status int
	}{
		{"missing user", "", `{"language":"en","voiceGender":"male"}`, http.StatusUnauthorized},
		{"malformed body", "u", `{`, http.StatusBadRequest},
		{"unknown field", "u", `{"language":"en","voiceGender":"male","x":1}`, http.StatusBadRequest},
		{"missing language", "u", `{"voiceGender":"male"}`, http.StatusBadRequest},
		{"bad gender", "u", `{"language":"en","voiceGender":"robot"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := createRoom(t, srv, tt.userID, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestGetRoom_NotFound(t *testing.T) {
	srv := newTestServer(t, memory.New(time.Hour, 100))

	resp, err := http.Get(srv.URL + "/rooms/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ROOM_NOT_FOUND", body.Code)
}

func TestGetRoom_Expired(t *testing.T) {
	store := memory.New(time.Hour, 100)
	r, err := room.New("u", "en", protocol.VoiceMale, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), r))

	srv := newTestServer(t, store)
	resp, err := http.Get(srv.URL + "/rooms/" + r.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type failingStore struct{ room.Store }

func (failingStore) Create(context.Context, *room.Room) error {
	return errors.New("connection refused")
}

func TestCreateRoom_StoreFailureIsGeneric(t *testing.T) {
	srv := newTestServer(t, failingStore{})

	resp := createRoom(t, srv, "u", `{"language":"en","voiceGender":"male"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "internal server error", body.Error)
}
