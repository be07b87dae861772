// Package protocol defines the room socket wire format: a JSON object with a
// "type" discriminator selecting one variant of a closed message set.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lexiqai/interpreter-gateway/internal/apperr"
)

// ErrUnknownType is wrapped by decode failures for unrecognized discriminators
var ErrUnknownType = errors.New("unknown message type")

type envelope struct {
	Type Type `json:"type"`
}

// Parse decodes any variant without direction checks. Structural validation
// still applies.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "malformed message", err)
	}

	var msg Message
	var err error
	switch env.Type {
	case TypeJoin:
		msg, err = unmarshalAs[Join](data)
	case TypeAudio:
		msg, err = unmarshalAs[Audio](data)
	case TypeEnd:
		msg, err = unmarshalAs[End](data)
	case TypeTranscription:
		msg, err = unmarshalAs[Transcription](data)
	case TypeTranslation:
		msg, err = unmarshalAs[Translation](data)
	case TypeTTSAudio:
		msg, err = unmarshalAs[TTSAudio](data)
	case TypeParticipantJoined:
		msg, err = unmarshalAs[ParticipantJoined](data)
	case TypeParticipantLeft:
		msg, err = unmarshalAs[ParticipantLeft](data)
	case TypeError:
		msg, err = unmarshalAs[Error](data)
	case "":
		return nil, apperr.Validation("message type is required")
	default:
		return nil, apperr.Wrap(apperr.CodeValidation,
			fmt.Sprintf("unknown message type %q", env.Type), ErrUnknownType)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation,
			fmt.Sprintf("malformed %s message", env.Type), err)
	}

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeInbound decodes a frame received from a client. Server-originated
// variants are rejected.
func DecodeInbound(data []byte) (Message, error) {
	msg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	switch msg.(type) {
	case Join, Audio, End:
		return msg, nil
	default:
		return nil, apperr.Validation("message type %q cannot be sent by clients", msg.MessageType())
	}
}

func unmarshalAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode renders msg with its discriminator
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}

	out := make([]byte, 0, len(body)+len(msg.MessageType())+12)
	out = append(out, `{"type":`...)
	out = append(out, fmt.Sprintf("%q", msg.MessageType())...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Validate checks the structural shape of msg
func Validate(msg Message) error {
	switch m := msg.(type) {
	case Join:
		if err := requireFields(map[string]string{"roomId": m.RoomID, "language": m.Language}); err != nil {
			return err
		}
		if !m.VoiceGender.Valid() {
			return apperr.Validation("voiceGender must be male or female")
		}
		if !m.Role.Valid() {
			return apperr.Validation("role must be creator or participant")
		}
	case Audio:
		if err := requireFields(map[string]string{"roomId": m.RoomID, "audioData": m.AudioData, "language": m.Language}); err != nil {
			return err
		}
	case End:
		return requireFields(map[string]string{"roomId": m.RoomID})
	case Transcription:
		if !m.Speaker.Valid() {
			return apperr.Validation("speaker must be creator or participant")
		}
		return requireFields(map[string]string{"roomId": m.RoomID, "language": m.Language})
	case Translation:
		if !m.Speaker.Valid() {
			return apperr.Validation("speaker must be creator or participant")
		}
		return requireFields(map[string]string{"roomId": m.RoomID, "originalLanguage": m.OriginalLanguage, "translatedLanguage": m.TranslatedLanguage})
	case TTSAudio:
		if !m.Speaker.Valid() {
			return apperr.Validation("speaker must be creator or participant")
		}
		return requireFields(map[string]string{"roomId": m.RoomID, "audioData": m.AudioData})
	case ParticipantJoined:
		if !m.VoiceGender.Valid() {
			return apperr.Validation("voiceGender must be male or female")
		}
		return requireFields(map[string]string{"roomId": m.RoomID, "language": m.Language})
	case ParticipantLeft:
		return requireFields(map[string]string{"roomId": m.RoomID})
	case Error:
		return requireFields(map[string]string{"message": m.Message})
	default:
		return apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("unsupported message %T", msg), ErrUnknownType)
	}
	return nil
}

// requireFields reports every empty field, sorted by name
func requireFields(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return apperr.Validation("%s is required", strings.Join(missing, ", "))
}

// Bytes decodes the base64 audio payload
func (a Audio) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.AudioData)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "audioData is not valid base64", err)
	}
	return data, nil
}

// NewTTSAudio builds a tts-audio frame from raw audio
func NewTTSAudio(roomID string, speaker Role, audio []byte) TTSAudio {
	return TTSAudio{
		RoomID:    roomID,
		AudioData: base64.StdEncoding.EncodeToString(audio),
		Speaker:   speaker,
	}
}
