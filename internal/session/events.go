package session

import (
	"github.com/lexiqai/interpreter-gateway/internal/credit"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/stt"
)

// event is anything the room actor consumes. Provider results re-enter the
// actor as events rather than touching session state from their goroutines.
type event interface {
	isEvent()
}

type joinEvent struct {
	peer  *Peer
	msg   protocol.Join
	reply chan error
}

type messageEvent struct {
	peer *Peer
	msg  protocol.Message
}

type disconnectEvent struct {
	peer *Peer
}

// interimEvent carries a non-final recognition result
type interimEvent struct {
	speaker protocol.Role
	result  *stt.TranscriptionResult
}

// finalEvent carries a finalized utterance after translation
type finalEvent struct {
	speaker    protocol.Role
	original   string
	translated string
	err        error
}

type ttsEvent struct {
	speaker protocol.Role
	audio   []byte
	err     error
}

type providerErrorEvent struct {
	notify protocol.Role
	err    error
}

type exhaustedEvent struct {
	deduction credit.Deduction
}

type fatalEvent struct {
	err error
}

type endEvent struct {
	reason EndReason
	notice string
}

func (joinEvent) isEvent()          {}
func (messageEvent) isEvent()       {}
func (disconnectEvent) isEvent()    {}
func (interimEvent) isEvent()       {}
func (finalEvent) isEvent()         {}
func (ttsEvent) isEvent()           {}
func (providerErrorEvent) isEvent() {}
func (exhaustedEvent) isEvent()     {}
func (fatalEvent) isEvent()         {}
func (endEvent) isEvent()           {}
