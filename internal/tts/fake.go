package tts

import (
	"context"
	"fmt"
	"sync"

	"github.com/lexiqai/interpreter-gateway/internal/protocol"
)

// FakeClient is an in-process TTSClient for tests. It returns the text
// prefixed with the language and gender as the "audio".
type FakeClient struct {
	mu    sync.Mutex
	Err   error
	calls []string
}

func (f *FakeClient) Synthesize(ctx context.Context, text, language string, gender protocol.VoiceGender) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.Err != nil {
		return nil, f.Err
	}
	return []byte(fmt.Sprintf("%s/%s:%s", language, gender, text)), nil
}

func (f *FakeClient) Close() error { return nil }

// Calls returns every text passed to Synthesize
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
