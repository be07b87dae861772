package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interpreter-gateway/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var (
	// ErrPeerClosed is returned by Send after Close
	ErrPeerClosed = errors.New("peer connection closed")

	// ErrSlowPeer is returned when the outbound queue is full. The peer is
	// closed since it can no longer keep up with the room.
	ErrSlowPeer = errors.New("peer send buffer full")
)

// Peer is one WebSocket connection. Writes go through a single writer
// goroutine; Send never blocks.
type Peer struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	role    protocol.Role
	session *Session

	quit chan struct{}
	done chan struct{}
}

// NewPeer wraps conn and starts its writer
func NewPeer(conn *websocket.Conn, logger zerolog.Logger) *Peer {
	id := uuid.NewString()
	p := &Peer{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: logger.With().Str("peer_id", id).Logger(),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.writePump()
	return p
}

// ID returns the peer's connection id
func (p *Peer) ID() string {
	return p.id
}

// Send queues msg for delivery
func (p *Peer) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	select {
	case p.send <- data:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		p.logger.Warn().Str("type", string(msg.MessageType())).Msg("Send buffer full, closing slow peer")
		p.Close()
		return ErrSlowPeer
	}
}

// Close flushes queued frames, sends a normal close frame and closes the
// connection. It is safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.quit)
}

// Done is closed once the connection is closed
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
		close(p.done)
	}()

	for {
		select {
		case data := <-p.send:
			if err := p.write(websocket.TextMessage, data); err != nil {
				p.logger.Debug().Err(err).Msg("WebSocket write failed")
				p.Close()
				return
			}

		case <-ticker.C:
			if err := p.write(websocket.PingMessage, nil); err != nil {
				p.logger.Debug().Err(err).Msg("WebSocket ping failed")
				p.Close()
				return
			}

		case <-p.quit:
			p.flush()
			_ = p.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued
func (p *Peer) flush() {
	for {
		select {
		case data := <-p.send:
			if err := p.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Peer) write(messageType int, data []byte) error {
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

func (p *Peer) attach(s *Session, role protocol.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
	p.role = role
}

func (p *Peer) detach(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == s {
		p.session = nil
	}
}

// Session returns the session the peer joined, if any
func (p *Peer) Session() (*Session, protocol.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.role
}
