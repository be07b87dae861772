package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interpreter-gateway/internal/apperr"
	"github.com/lexiqai/interpreter-gateway/internal/config"
	"github.com/lexiqai/interpreter-gateway/internal/credit"
	"github.com/lexiqai/interpreter-gateway/internal/dedup"
	"github.com/lexiqai/interpreter-gateway/internal/observability"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/room"
)

const (
	eventQueueSize = 64
	storeTimeout   = 5 * time.Second
)

// Session is the runtime state of one room. All mutable state is owned by
// a single actor goroutine; everything else talks to it through events.
type Session struct {
	id       string
	cfg      *config.Config
	deps     Dependencies
	registry *Registry
	logger   zerolog.Logger
	metrics  *observability.SessionMetrics
	now      func() time.Time

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     atomic.Int32
	createdAt time.Time

	// Owned by the actor goroutine
	room      *room.Room
	peers     map[protocol.Role]*Peer
	pipelines map[protocol.Role]*pipeline
	filters   map[protocol.Role]*dedup.Filter
	meter     *credit.Meter
	startedAt time.Time
}

func newSession(parent context.Context, m *Manager, r *room.Room) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:        r.ID,
		cfg:       m.cfg,
		deps:      m.deps,
		registry:  m.registry,
		logger:    observability.RoomLogger(r.ID),
		metrics:   observability.NewSessionMetrics(r.ID),
		now:       m.now,
		events:    make(chan event, eventQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: r.CreatedAt,
		room:      r.Clone(),
		peers:     make(map[protocol.Role]*Peer, 2),
		pipelines: make(map[protocol.Role]*pipeline, 2),
		filters:   make(map[protocol.Role]*dedup.Filter, 2),
	}
	go s.run()
	return s
}

// ID returns the room id
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.logger.Info().
		Str("from", prev.String()).
		Str("to", st.String()).
		Msg("Session state changed")
}

// Done is closed when the actor has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// End asks the actor to end the session. notice, if set, is sent to every
// connected peer as an error frame.
func (s *Session) End(reason EndReason, notice string) {
	s.post(context.Background(), endEvent{reason: reason, notice: notice})
}

// post hands ev to the actor. It gives up once the actor is gone or ctx ends.
func (s *Session) post(ctx context.Context, ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) join(ctx context.Context, p *Peer, msg protocol.Join) error {
	reply := make(chan error, 1)
	if !s.post(ctx, joinEvent{peer: p, msg: msg, reply: reply}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.New(apperr.CodeRoomNotFound, "room session has ended")
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return apperr.New(apperr.CodeRoomNotFound, "room session has ended")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) deliver(p *Peer, msg protocol.Message) {
	s.post(context.Background(), messageEvent{peer: p, msg: msg})
}

func (s *Session) disconnect(p *Peer) {
	s.post(context.Background(), disconnectEvent{peer: p})
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	for ev := range s.events {
		s.handle(ev)
		if s.State() == StateEnded {
			return
		}
	}
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case joinEvent:
		e.reply <- s.handleJoin(e.peer, e.msg)
	case messageEvent:
		s.handleMessage(e.peer, e.msg)
	case disconnectEvent:
		s.handleDisconnect(e.peer)
	case interimEvent:
		s.relayInterim(e)
	case finalEvent:
		s.handleFinal(e)
	case ttsEvent:
		s.handleTTS(e)
	case providerErrorEvent:
		s.logger.Warn().Err(e.err).Str("notify", string(e.notify)).Msg("Provider failure")
		s.sendError(e.notify, e.err)
	case exhaustedEvent:
		s.logger.Info().Int64("deducted", e.deduction.Deducted).Msg("Ending session, credits exhausted")
		s.end(EndCreditExhausted, "", "credits exhausted")
	case fatalEvent:
		s.fail(e.err)
	case endEvent:
		s.end(e.reason, "", e.notice)
	default:
		s.logger.Error().Str("event", fmt.Sprintf("%T", ev)).Msg("Unhandled session event")
	}
}

func (s *Session) handleJoin(p *Peer, msg protocol.Join) error {
	switch {
	case s.State() == StateEnded:
		return apperr.New(apperr.CodeRoomNotFound, "room session has ended")
	case msg.RoomID != s.id:
		return apperr.Validation("roomId does not match the session")
	case s.peers[msg.Role] != nil:
		return apperr.New(apperr.CodeRoleConflict, fmt.Sprintf("%s role is already occupied", msg.Role))
	}

	switch msg.Role {
	case protocol.RoleCreator:
		if s.State() != StateCreated {
			return apperr.New(apperr.CodeRoleConflict, "creator role is already occupied")
		}
		s.attach(p, protocol.RoleCreator)
		s.setState(StateWaitingForParticipant)
		return nil

	case protocol.RoleParticipant:
		if s.State() != StateWaitingForParticipant {
			return apperr.Validation("room is waiting for its creator")
		}

		ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
		rec, err := s.deps.Rooms.SetParticipant(ctx, s.id, msg.Language, msg.VoiceGender)
		cancel()
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeFatal {
				s.fail(fmt.Errorf("set participant: %w", err))
				return apperr.Wrap(apperr.CodeFatal, "set participant", err)
			}
			return err
		}

		s.room = rec
		s.attach(p, protocol.RoleParticipant)
		s.activate()
		return nil

	default:
		return apperr.Validation("role must be creator or participant")
	}
}

func (s *Session) attach(p *Peer, role protocol.Role) {
	s.peers[role] = p
	p.attach(s, role)
	s.logger.Info().Str("role", string(role)).Str("peer_id", p.ID()).Msg("Peer joined")
}

// activate moves WaitingForParticipant to Active. It runs exactly once per
// session since the participant slot can only be filled once.
func (s *Session) activate() {
	now := s.now()

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	err := s.deps.Rooms.MarkStarted(ctx, s.id, now)
	cancel()
	if err != nil {
		s.fail(fmt.Errorf("mark started: %w", err))
		return
	}

	s.startedAt = now
	s.setState(StateActive)
	s.metrics.RecordSessionStart()

	if creator := s.peers[protocol.RoleCreator]; creator != nil {
		s.send(creator, protocol.ParticipantJoined{
			RoomID:      s.id,
			Language:    s.room.ParticipantLanguage,
			VoiceGender: s.room.ParticipantVoiceGender,
		})
	}

	for _, role := range []protocol.Role{protocol.RoleCreator, protocol.RoleParticipant} {
		s.filters[role] = dedup.NewFilter(s.cfg.DedupHistorySize)
		pl := newPipeline(s, role, s.room.LanguageOf(role), s.room.LanguageOf(role.Other()), s.room.VoiceOf(role))
		s.pipelines[role] = pl
		pl.start()
	}

	s.meter = credit.NewMeter(s.deps.Ledger, s.room.OwnerID, s.id, s.cfg.MeterTickInterval, credit.Hooks{
		OnExhausted: func(d credit.Deduction) {
			s.post(s.ctx, exhaustedEvent{deduction: d})
		},
		OnError: func(err error) {
			s.post(s.ctx, fatalEvent{err: err})
		},
	}, s.logger)
	s.meter.Start(s.ctx)
}

func (s *Session) roleOf(p *Peer) (protocol.Role, bool) {
	for role, peer := range s.peers {
		if peer == p {
			return role, true
		}
	}
	return "", false
}

func (s *Session) handleMessage(p *Peer, msg protocol.Message) {
	role, ok := s.roleOf(p)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case protocol.Join:
		s.send(p, protocol.Error{Message: "already joined this room"})

	case protocol.Audio:
		if m.RoomID != s.id {
			s.send(p, protocol.Error{Message: "roomId does not match the joined room"})
			return
		}
		if s.State() != StateActive {
			s.send(p, protocol.Error{Message: "session is not active"})
			return
		}
		data, err := m.Bytes()
		if err != nil {
			s.send(p, protocol.Error{Message: apperr.Message(err)})
			return
		}
		if pl := s.pipelines[role]; pl != nil {
			pl.pushAudio(data)
		}

	case protocol.End:
		if m.RoomID != s.id {
			s.send(p, protocol.Error{Message: "roomId does not match the joined room"})
			return
		}
		s.end(EndRequested, role, "")

	default:
		s.send(p, protocol.Error{Message: fmt.Sprintf("message type %q cannot be sent by clients", msg.MessageType())})
	}
}

func (s *Session) handleDisconnect(p *Peer) {
	role, ok := s.roleOf(p)
	if !ok {
		return
	}
	delete(s.peers, role)
	p.detach(s)
	s.logger.Info().Str("role", string(role)).Msg("Peer disconnected")
	s.end(EndPeerDisconnected, role, "")
}

func (s *Session) relayInterim(e interimEvent) {
	if s.State() != StateActive {
		return
	}
	s.broadcast(protocol.Transcription{
		RoomID:   s.id,
		Text:     e.result.Text,
		Speaker:  e.speaker,
		Language: s.room.LanguageOf(e.speaker),
		Interim:  true,
	})
}

func (s *Session) handleFinal(e finalEvent) {
	if s.State() != StateActive {
		return
	}
	if e.err != nil {
		s.logger.Warn().Err(e.err).Str("speaker", string(e.speaker)).Msg("Utterance failed")
		s.sendError(e.speaker, e.err)
		return
	}

	decision := s.filters[e.speaker].Check(dedup.Pair{Original: e.original, Translated: e.translated})
	s.metrics.RecordDedup(decision.String())
	if decision.Blocked() {
		s.logger.Debug().
			Str("speaker", string(e.speaker)).
			Str("decision", decision.String()).
			Msg("Suppressed duplicate transcription")
		return
	}

	speakerLang := s.room.LanguageOf(e.speaker)
	listenerLang := s.room.LanguageOf(e.speaker.Other())

	s.broadcast(protocol.Transcription{
		RoomID:   s.id,
		Text:     e.original,
		Speaker:  e.speaker,
		Language: speakerLang,
	})
	s.broadcast(protocol.Translation{
		RoomID:             s.id,
		OriginalText:       e.original,
		TranslatedText:     e.translated,
		Speaker:            e.speaker,
		OriginalLanguage:   speakerLang,
		TranslatedLanguage: listenerLang,
	})

	if e.translated != "" {
		if !s.pipelines[e.speaker].enqueueTTS(e.translated) {
			s.sendError(e.speaker.Other(), apperr.New(apperr.CodeProviderFailure, "speech synthesis backlog full"))
		}
	}
}

func (s *Session) handleTTS(e ttsEvent) {
	if s.State() != StateActive {
		return
	}
	listener := e.speaker.Other()
	if e.err != nil {
		s.logger.Warn().Err(e.err).Str("speaker", string(e.speaker)).Msg("Synthesis failed")
		s.sendError(listener, e.err)
		return
	}
	if p := s.peers[listener]; p != nil {
		s.send(p, protocol.NewTTSAudio(s.id, e.speaker, e.audio))
	}
}

// fail ends the session on a structural error. Peers get a generic message.
func (s *Session) fail(err error) {
	s.logger.Error().Err(err).Msg("Fatal session error")
	s.metrics.RecordError("fatal", "session")
	s.end(EndFatal, "", apperr.Message(apperr.Wrap(apperr.CodeFatal, "fatal", err)))
}

// end moves the session to Ended. leaver, if set, is the role whose
// departure caused it; the other peer is told with participant-left.
func (s *Session) end(reason EndReason, leaver protocol.Role, notice string) {
	prev := s.State()
	if prev == StateEnded {
		return
	}
	s.setState(StateEnded)
	s.cancel()

	for _, pl := range s.pipelines {
		pl.stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if s.meter != nil {
		if err := s.meter.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Final credit settlement failed")
		}
	}

	if prev == StateActive {
		if err := s.deps.Rooms.MarkEnded(ctx, s.id, s.now()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to record session end")
		}
	}
	s.metrics.RecordSessionEnd(string(reason))

	for role, p := range s.peers {
		if notice != "" {
			s.send(p, protocol.Error{Message: notice})
		}
		if leaver != "" && role != leaver {
			s.send(p, protocol.ParticipantLeft{RoomID: s.id})
		}
	}

	s.registry.remove(s.id, s)

	grace := s.cfg.EndedGracePeriod
	for _, p := range s.peers {
		p.detach(s)
		peer := p
		time.AfterFunc(grace, peer.Close)
	}

	entry := s.logger.Info().Str("reason", string(reason)).Str("previous_state", prev.String())
	if s.meter != nil {
		entry = entry.Int64("credits_deducted", s.meter.Deducted())
	}
	if !s.startedAt.IsZero() {
		entry = entry.Dur("duration", s.now().Sub(s.startedAt))
	}
	entry.Msg("Session ended")
}

func (s *Session) broadcast(msg protocol.Message) {
	for _, p := range s.peers {
		s.send(p, msg)
	}
}

func (s *Session) send(p *Peer, msg protocol.Message) {
	if err := p.Send(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.MessageType())).Msg("Dropped outbound message")
	}
}

func (s *Session) sendError(role protocol.Role, err error) {
	if p := s.peers[role]; p != nil {
		s.send(p, protocol.Error{Message: apperr.Message(err)})
	}
}
