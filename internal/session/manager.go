package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/interpreter-gateway/internal/apperr"
	"github.com/lexiqai/interpreter-gateway/internal/config"
	"github.com/lexiqai/interpreter-gateway/internal/credit"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/room"
	"github.com/lexiqai/interpreter-gateway/internal/stt"
	"github.com/lexiqai/interpreter-gateway/internal/translate"
	"github.com/lexiqai/interpreter-gateway/internal/tts"
)

// Dependencies are the stores and providers every session shares
type Dependencies struct {
	Rooms      room.Store
	Ledger     credit.Ledger
	STT        stt.Factory
	Translator translate.Translator
	TTS        tts.TTSClient
}

func (d Dependencies) validate() error {
	switch {
	case d.Rooms == nil:
		return fmt.Errorf("room store is required")
	case d.Ledger == nil:
		return fmt.Errorf("credit ledger is required")
	case d.STT == nil:
		return fmt.Errorf("STT factory is required")
	case d.Translator == nil:
		return fmt.Errorf("translator is required")
	case d.TTS == nil:
		return fmt.Errorf("TTS client is required")
	}
	return nil
}

// Manager routes joins to room sessions and owns their lifetimes
type Manager struct {
	cfg      *config.Config
	deps     Dependencies
	registry *Registry
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager. Sessions it starts are children of a
// context that Shutdown cancels.
func NewManager(cfg *config.Config, deps Dependencies) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		registry: NewRegistry(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Registry exposes the live sessions
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Join attaches p to the room named in msg. The creator's join starts the
// session; the participant's join activates it.
func (m *Manager) Join(ctx context.Context, p *Peer, msg protocol.Join) (*Session, error) {
	if s, _ := p.Session(); s != nil {
		return nil, apperr.Validation("connection already joined a room")
	}
	if err := protocol.Validate(msg); err != nil {
		return nil, err
	}

	rec, err := m.deps.Rooms.Get(ctx, msg.RoomID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeRoomNotFound {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeFatal, "room lookup", err)
	}
	if rec.Ended() {
		return nil, apperr.New(apperr.CodeRoomNotFound, "room session has ended")
	}

	var s *Session
	switch msg.Role {
	case protocol.RoleCreator:
		balance, err := m.deps.Ledger.Balance(ctx, rec.OwnerID)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeFatal, "balance lookup", err)
		}
		if balance <= 0 {
			return nil, apperr.New(apperr.CodeCreditExhausted, "insufficient credits")
		}

		var created bool
		s, created = m.registry.getOrCreate(rec.ID, func() *Session {
			return newSession(m.ctx, m, rec)
		})
		if err := s.join(ctx, p, msg); err != nil {
			if created && s.State() == StateCreated {
				s.End(EndPeerDisconnected, "")
			}
			return nil, err
		}

	case protocol.RoleParticipant:
		var ok bool
		s, ok = m.registry.Get(rec.ID)
		if !ok {
			if rec.HasParticipant() {
				return nil, apperr.New(apperr.CodeRoleConflict, "participant role is already occupied")
			}
			return nil, apperr.Validation("room is waiting for its creator")
		}
		if err := s.join(ctx, p, msg); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Sweep ends sessions whose room expired before a participant arrived
func (m *Manager) Sweep() int {
	now := m.now()
	expired := 0
	for _, s := range m.registry.Snapshot() {
		if s.State() != StateWaitingForParticipant {
			continue
		}
		if now.Sub(s.createdAt) < m.cfg.RoomTTL {
			continue
		}
		s.End(EndExpired, "room expired")
		expired++
	}
	return expired
}

// RunJanitor sweeps expired rooms every interval until ctx is done
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Info().Int("count", n).Msg("Expired waiting rooms")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Shutdown ends every live session and waits for their actors to exit
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.registry.Snapshot()
	log.Info().Int("sessions", len(sessions)).Msg("Ending live sessions")

	for _, s := range sessions {
		s.End(EndShutdown, "server shutting down")
	}
	defer m.cancel()

	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
