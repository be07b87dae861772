package session

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/interpreter-gateway/internal/config"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/room"
	"github.com/lexiqai/interpreter-gateway/internal/store/memory"
	"github.com/lexiqai/interpreter-gateway/internal/stt"
	"github.com/lexiqai/interpreter-gateway/internal/translate"
	"github.com/lexiqai/interpreter-gateway/internal/tts"
)

const (
	ownerID     = "user-1"
	readTimeout = 2 * time.Second
)

type fakeSTT struct {
	mu      sync.Mutex
	clients map[string]*stt.FakeClient
}

func (f *fakeSTT) factory(language string) stt.STTClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := stt.NewFakeClient(language)
	f.clients[language] = c
	return c
}

func (f *fakeSTT) client(t *testing.T, language string) *stt.FakeClient {
	t.Helper()
	var c *stt.FakeClient
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		c = f.clients[language]
		return c != nil
	}, readTimeout, 10*time.Millisecond)
	return c
}

type harness struct {
	t       *testing.T
	store   *memory.Store
	stt     *fakeSTT
	tts     *tts.FakeClient
	manager *Manager
	server  *httptest.Server
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		RoomTTL:              time.Hour,
		MeterTickInterval:    time.Second,
		DedupHistorySize:     4,
		EndedGracePeriod:     50 * time.Millisecond,
		WSMaxMessageBytes:    1 << 20,
		ReconnectMaxAttempts: 1,
		ReconnectBackoff:     10,
	}
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		t:     t,
		store: memory.New(cfg.RoomTTL, 3600),
		stt:   &fakeSTT{clients: make(map[string]*stt.FakeClient)},
		tts:   &tts.FakeClient{},
	}

	m, err := NewManager(cfg, Dependencies{
		Rooms:      h.store,
		Ledger:     h.store,
		STT:        h.stt.factory,
		Translator: &translate.FakeTranslator{},
		TTS:        h.tts,
	})
	require.NoError(t, err)
	h.manager = m
	h.server = httptest.NewServer(http.HandlerFunc(m.HandleRoomWS))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		h.server.Close()
	})
	return h
}

func (h *harness) createRoom() string {
	h.t.Helper()
	r, err := room.New(ownerID, "en", protocol.VoiceMale, time.Now())
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.Create(context.Background(), r))
	return r.ID
}

func (h *harness) dial() *wsClient {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })
	return &wsClient{t: h.t, conn: conn}
}

func (h *harness) waitForState(roomID string, want State) *Session {
	h.t.Helper()
	var s *Session
	require.Eventually(h.t, func() bool {
		var ok bool
		s, ok = h.manager.Registry().Get(roomID)
		return ok && s.State() == want
	}, readTimeout, 10*time.Millisecond, "session never reached %s", want)
	return s
}

// joinBoth connects a creator and a participant and waits for Active
func (h *harness) joinBoth(roomID string) (creator, participant *wsClient, s *Session) {
	h.t.Helper()
	creator = h.dial()
	creator.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})
	h.waitForState(roomID, StateWaitingForParticipant)

	participant = h.dial()
	participant.send(protocol.Join{RoomID: roomID, Role: protocol.RoleParticipant, Language: "es", VoiceGender: protocol.VoiceFemale})
	s = h.waitForState(roomID, StateActive)

	joined := expectMessage[protocol.ParticipantJoined](h.t, creator)
	assert.Equal(h.t, "es", joined.Language)
	assert.Equal(h.t, protocol.VoiceFemale, joined.VoiceGender)
	return creator, participant, s
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *wsClient) send(msg protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) next() protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	msg, err := protocol.Parse(data)
	require.NoError(c.t, err)
	return msg
}

// expectClosed reads until the server closes the connection and fails on
// any message other than those in allowed
func (c *wsClient) expectClosed(allowed ...protocol.Type) {
	c.t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			assert.False(c.t, isTimeout(err), "connection was not closed: %v", err)
			return
		}
		msg, err := protocol.Parse(data)
		require.NoError(c.t, err)
		require.Contains(c.t, allowed, msg.MessageType(), "unexpected %s before close", msg.MessageType())
	}
}

func isTimeout(err error) bool {
	return strings.Contains(err.Error(), "i/o timeout")
}

func expectMessage[T protocol.Message](t *testing.T, c *wsClient) T {
	t.Helper()
	msg := c.next()
	typed, ok := msg.(T)
	require.True(t, ok, "got %T (%+v)", msg, msg)
	return typed
}

func TestJoin_UnknownRoom(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial()

	c.send(protocol.Join{RoomID: "missing", Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})

	msg := expectMessage[protocol.Error](t, c)
	assert.Equal(t, "room not found", msg.Message)
	assert.Equal(t, 0, h.manager.Registry().Len())

	// The connection stays usable for a retry
	roomID := h.createRoom()
	c.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})
	h.waitForState(roomID, StateWaitingForParticipant)
}

func TestJoin_MalformedMessageKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial()

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	msg := expectMessage[protocol.Error](t, c)
	assert.Contains(t, msg.Message, "unknown message type")

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	expectMessage[protocol.Error](t, c)

	c.send(protocol.End{RoomID: "r"})
	msg = expectMessage[protocol.Error](t, c)
	assert.Equal(t, "join a room first", msg.Message)
}

func TestJoin_ParticipantBeforeCreator(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	c := h.dial()

	c.send(protocol.Join{RoomID: roomID, Role: protocol.RoleParticipant, Language: "es", VoiceGender: protocol.VoiceFemale})

	msg := expectMessage[protocol.Error](t, c)
	assert.Equal(t, "room is waiting for its creator", msg.Message)
}

func TestJoin_InsufficientCredits(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetBalance(ownerID, 0)
	roomID := h.createRoom()
	c := h.dial()

	c.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})

	msg := expectMessage[protocol.Error](t, c)
	assert.Equal(t, "insufficient credits", msg.Message)
	assert.Equal(t, 0, h.manager.Registry().Len())
}

func TestJoin_DuplicateRoleRejected(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	creator, _, _ := h.joinBoth(roomID)

	second := h.dial()
	second.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})
	msg := expectMessage[protocol.Error](t, second)
	assert.Equal(t, "creator role is already occupied", msg.Message)

	third := h.dial()
	third.send(protocol.Join{RoomID: roomID, Role: protocol.RoleParticipant, Language: "fr", VoiceGender: protocol.VoiceMale})
	msg = expectMessage[protocol.Error](t, third)
	assert.Equal(t, "participant role is already occupied", msg.Message)

	// Participant details were written once
	rec, err := h.store.Get(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, "es", rec.ParticipantLanguage)
	assert.True(t, rec.Started())

	// The creator saw exactly one participant-joined; the next frame is
	// the interim relayed below, not another join notice.
	h.stt.client(t, "en").Emit(&stt.TranscriptionResult{Text: "hi"})
	interim := expectMessage[protocol.Transcription](t, creator)
	assert.True(t, interim.Interim)
}

func TestSession_RelaysAndSuppressesDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	creator, participant, _ := h.joinBoth(roomID)
	speech := h.stt.client(t, "en")

	speech.Emit(&stt.TranscriptionResult{Text: "hello wor"})
	for _, c := range []*wsClient{creator, participant} {
		interim := expectMessage[protocol.Transcription](t, c)
		assert.True(t, interim.Interim)
		assert.Equal(t, "hello wor", interim.Text)
		assert.Equal(t, protocol.RoleCreator, interim.Speaker)
	}

	speech.Emit(&stt.TranscriptionResult{Text: "hello world", IsFinal: true})
	for _, c := range []*wsClient{creator, participant} {
		final := expectMessage[protocol.Transcription](t, c)
		assert.False(t, final.Interim)
		assert.Equal(t, "en", final.Language)

		tr := expectMessage[protocol.Translation](t, c)
		assert.Equal(t, "hello world", tr.OriginalText)
		assert.Equal(t, "[es] hello world", tr.TranslatedText)
		assert.Equal(t, "es", tr.TranslatedLanguage)
	}

	// Synthesized speech goes to the listener only
	audio := expectMessage[protocol.TTSAudio](t, participant)
	assert.Equal(t, protocol.RoleCreator, audio.Speaker)
	decoded, err := base64.StdEncoding.DecodeString(audio.AudioData)
	require.NoError(t, err)
	assert.Equal(t, "es/male:[es] hello world", string(decoded))

	// A repeated final is dropped; the next distinct one is relayed
	speech.Emit(&stt.TranscriptionResult{Text: "hello world", IsFinal: true})
	speech.Emit(&stt.TranscriptionResult{Text: "see you at 5 tomorrow", IsFinal: true})

	final := expectMessage[protocol.Transcription](t, creator)
	assert.Equal(t, "see you at 5 tomorrow", final.Text)
	expectMessage[protocol.Translation](t, creator)

	assert.Equal(t, []string{"[es] hello world", "[es] see you at 5 tomorrow"}, waitForCalls(t, h.tts, 2))
}

func waitForCalls(t *testing.T, f *tts.FakeClient, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.Calls()) >= n }, readTimeout, 10*time.Millisecond)
	return f.Calls()
}

func TestSession_AudioBeforeActive(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	c := h.dial()
	c.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})
	h.waitForState(roomID, StateWaitingForParticipant)

	c.send(protocol.Audio{RoomID: roomID, AudioData: base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), Language: "en"})

	msg := expectMessage[protocol.Error](t, c)
	assert.Equal(t, "session is not active", msg.Message)
}

func TestSession_AudioReachesSpeakerRecognizer(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	_, participant, _ := h.joinBoth(roomID)
	speech := h.stt.client(t, "es")

	participant.send(protocol.Audio{RoomID: roomID, AudioData: base64.StdEncoding.EncodeToString([]byte("pcm")), Language: "es"})

	require.Eventually(t, func() bool { return len(speech.Chunks()) == 1 }, readTimeout, 10*time.Millisecond)
	assert.Equal(t, []byte("pcm"), speech.Chunks()[0])
	assert.Empty(t, h.stt.client(t, "en").Chunks())
}

func TestSession_DisconnectEndsOnce(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	creator, participant, s := h.joinBoth(roomID)

	require.NoError(t, participant.conn.Close())

	expectMessage[protocol.ParticipantLeft](t, creator)
	creator.expectClosed()

	<-s.Done()
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, 0, h.manager.Registry().Len())

	rec, err := h.store.Get(context.Background(), roomID)
	require.NoError(t, err)
	assert.True(t, rec.Ended())
	assert.False(t, rec.IsActive)

	// Nothing is charged after Ended
	before, err := h.store.Balance(context.Background(), ownerID)
	require.NoError(t, err)
	usage := len(h.store.Usage(roomID))
	time.Sleep(1500 * time.Millisecond)
	after, err := h.store.Balance(context.Background(), ownerID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.store.Usage(roomID), usage)

	// An ended room cannot be rejoined
	again := h.dial()
	again.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})
	msg := expectMessage[protocol.Error](t, again)
	assert.Equal(t, "room session has ended", msg.Message)
}

func TestSession_ExplicitEnd(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	creator, participant, s := h.joinBoth(roomID)

	creator.send(protocol.End{RoomID: roomID})

	expectMessage[protocol.ParticipantLeft](t, participant)
	participant.expectClosed()
	creator.expectClosed()
	<-s.Done()
}

func TestSession_CreatorLeavesWhileWaiting(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	c := h.dial()
	c.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})
	s := h.waitForState(roomID, StateWaitingForParticipant)

	require.NoError(t, c.conn.Close())
	<-s.Done()

	// The room was never started, so the creator may come back
	rec, err := h.store.Get(context.Background(), roomID)
	require.NoError(t, err)
	assert.False(t, rec.Ended())

	back := h.dial()
	back.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})
	h.waitForState(roomID, StateWaitingForParticipant)
}

func TestSession_CreditExhaustion(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.MeterTickInterval = 100 * time.Millisecond
	})
	h.store.SetBalance(ownerID, 1)
	roomID := h.createRoom()
	creator, participant, s := h.joinBoth(roomID)

	for _, c := range []*wsClient{creator, participant} {
		msg := expectMessage[protocol.Error](t, c)
		assert.Equal(t, "credits exhausted", msg.Message)
		c.expectClosed()
	}
	<-s.Done()

	balance, err := h.store.Balance(context.Background(), ownerID)
	require.NoError(t, err)
	assert.Zero(t, balance)

	var deducted int64
	for _, u := range h.store.Usage(roomID) {
		deducted += u.CreditsDeducted
	}
	assert.Equal(t, int64(1), deducted)
}

func TestSession_ProviderFailureNotifiesSpeaker(t *testing.T) {
	h := newHarness(t, nil)
	h.tts.Err = assert.AnError
	roomID := h.createRoom()
	creator, participant, _ := h.joinBoth(roomID)

	h.stt.client(t, "es").Emit(&stt.TranscriptionResult{Text: "hola", IsFinal: true})
	for _, c := range []*wsClient{creator, participant} {
		expectMessage[protocol.Transcription](t, c)
		expectMessage[protocol.Translation](t, c)
	}

	// Synthesis of the participant's speech failed; the creator is told
	msg := expectMessage[protocol.Error](t, creator)
	assert.Equal(t, "speech synthesis failed", msg.Message)
}

func TestManager_SweepExpiresWaitingRooms(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	c := h.dial()
	c.send(protocol.Join{RoomID: roomID, Role: protocol.RoleCreator, Language: "en", VoiceGender: protocol.VoiceMale})
	s := h.waitForState(roomID, StateWaitingForParticipant)

	h.manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, h.manager.Sweep())

	msg := expectMessage[protocol.Error](t, c)
	assert.Equal(t, "room expired", msg.Message)
	c.expectClosed()
	<-s.Done()
}

func TestManager_Shutdown(t *testing.T) {
	h := newHarness(t, nil)
	roomID := h.createRoom()
	creator, participant, s := h.joinBoth(roomID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(ctx))

	select {
	case <-s.Done():
	default:
		t.Fatal("session still running after shutdown")
	}
	for _, c := range []*wsClient{creator, participant} {
		msg := expectMessage[protocol.Error](t, c)
		assert.Equal(t, "server shutting down", msg.Message)
	}
}
