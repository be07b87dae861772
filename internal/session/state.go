package session

// State is a room session's lifecycle position
type State int32

const (
	StateCreated State = iota
	StateWaitingForParticipant
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWaitingForParticipant:
		return "waiting_for_participant"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason records why a session ended
type EndReason string

const (
	EndPeerDisconnected EndReason = "peer_disconnected"
	EndCreditExhausted  EndReason = "credit_exhausted"
	EndRequested        EndReason = "requested"
	EndExpired          EndReason = "expired"
	EndFatal            EndReason = "fatal"
	EndShutdown         EndReason = "shutdown"
)
