package tts

import (
	"context"

	"github.com/lexiqai/interpreter-gateway/internal/protocol"
)

// AudioFormat describes the encoded audio returned by Synthesize
type AudioFormat struct {
	Container  string // mp3, wav or raw
	Encoding   string // codec within the container
	SampleRate int    // Sample rate in Hz
	BitRate    int    // Bits per second, for compressed formats
}

// BrowserFormat is playable by a browser <audio> element without conversion
var BrowserFormat = AudioFormat{
	Container:  "mp3",
	Encoding:   "mp3",
	SampleRate: 44100,
	BitRate:    128000,
}

// TTSClient defines the interface for a Text-to-Speech client
type TTSClient interface {
	// Synthesize renders text spoken in language with a voice matching
	// gender and returns the encoded audio
	Synthesize(ctx context.Context, text, language string, gender protocol.VoiceGender) ([]byte, error)

	// Close closes the client and cleans up resources
	Close() error
}
