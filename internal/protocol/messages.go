package protocol

// Type is the wire discriminator carried in every frame's "type" field
type Type string

const (
	TypeJoin              Type = "join"
	TypeAudio             Type = "audio"
	TypeEnd               Type = "end"
	TypeTranscription     Type = "transcription"
	TypeTranslation       Type = "translation"
	TypeTTSAudio          Type = "tts-audio"
	TypeParticipantJoined Type = "participant-joined"
	TypeParticipantLeft   Type = "participant-left"
	TypeError             Type = "error"
)

// Role identifies which side of a room a peer occupies
type Role string

const (
	RoleCreator     Role = "creator"
	RoleParticipant Role = "participant"
)

// Valid reports whether r is one of the two room roles
func (r Role) Valid() bool {
	return r == RoleCreator || r == RoleParticipant
}

// Other returns the opposite role
func (r Role) Other() Role {
	if r == RoleCreator {
		return RoleParticipant
	}
	return RoleCreator
}

// VoiceGender selects the synthesized voice for a speaker
type VoiceGender string

const (
	VoiceMale   VoiceGender = "male"
	VoiceFemale VoiceGender = "female"
)

// Valid reports whether g is a supported voice gender
func (g VoiceGender) Valid() bool {
	return g == VoiceMale || g == VoiceFemale
}

// Message is the closed set of frames exchanged on a room socket. Only types
// in this package implement it.
type Message interface {
	MessageType() Type
	isMessage()
}

// Join attaches the sending socket to a room under a role
type Join struct {
	RoomID      string      `json:"roomId"`
	Language    string      `json:"language"`
	VoiceGender VoiceGender `json:"voiceGender"`
	Role        Role        `json:"role"`
}

// Audio carries a base64 chunk of the sender's microphone audio
type Audio struct {
	RoomID    string `json:"roomId"`
	AudioData string `json:"audioData"`
	Language  string `json:"language"`
}

// End asks the server to end the room's session
type End struct {
	RoomID string `json:"roomId"`
}

// Transcription relays recognized speech, interim or final
type Transcription struct {
	RoomID   string `json:"roomId"`
	Text     string `json:"text"`
	Speaker  Role   `json:"speaker"`
	Language string `json:"language"`
	Interim  bool   `json:"interim"`
}

// Translation relays a final utterance and its translation
type Translation struct {
	RoomID             string `json:"roomId"`
	OriginalText       string `json:"originalText"`
	TranslatedText     string `json:"translatedText"`
	Speaker            Role   `json:"speaker"`
	OriginalLanguage   string `json:"originalLanguage"`
	TranslatedLanguage string `json:"translatedLanguage"`
}

// TTSAudio carries synthesized speech of the other speaker's utterance
type TTSAudio struct {
	RoomID    string `json:"roomId"`
	AudioData string `json:"audioData"`
	Speaker   Role   `json:"speaker"`
}

// ParticipantJoined tells the creator who joined
type ParticipantJoined struct {
	RoomID      string      `json:"roomId"`
	Language    string      `json:"language"`
	VoiceGender VoiceGender `json:"voiceGender"`
}

// ParticipantLeft tells the remaining peer the other side is gone
type ParticipantLeft struct {
	RoomID string `json:"roomId"`
}

// Error reports a failure to the receiving peer
type Error struct {
	Message string `json:"message"`
}

func (Join) MessageType() Type              { return TypeJoin }
func (Audio) MessageType() Type             { return TypeAudio }
func (End) MessageType() Type               { return TypeEnd }
func (Transcription) MessageType() Type     { return TypeTranscription }
func (Translation) MessageType() Type       { return TypeTranslation }
func (TTSAudio) MessageType() Type          { return TypeTTSAudio }
func (ParticipantJoined) MessageType() Type { return TypeParticipantJoined }
func (ParticipantLeft) MessageType() Type   { return TypeParticipantLeft }
func (Error) MessageType() Type             { return TypeError }

func (Join) isMessage()              {}
func (Audio) isMessage()             {}
func (End) isMessage()               {}
func (Transcription) isMessage()     {}
func (Translation) isMessage()       {}
func (TTSAudio) isMessage()          {}
func (ParticipantJoined) isMessage() {}
func (ParticipantLeft) isMessage()   {}
func (Error) isMessage()             {}
