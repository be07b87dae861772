package stt

import "sync"

// FakeClient is an in-process STTClient for tests. Every chunk passed to
// SendAudio is recorded; results are injected with Emit.
type FakeClient struct {
	Language string

	mu      sync.Mutex
	started bool
	closed  bool
	chunks  [][]byte
	out     chan *TranscriptionResult
}

// NewFakeClient creates a FakeClient for language
func NewFakeClient(language string) *FakeClient {
	return &FakeClient{Language: language, out: make(chan *TranscriptionResult, 100)}
}

func (f *FakeClient) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *FakeClient) SendAudio(audioData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started || f.closed {
		return ErrNotActive
	}
	f.chunks = append(f.chunks, append([]byte(nil), audioData...))
	return nil
}

func (f *FakeClient) GetTranscription() <-chan *TranscriptionResult {
	return f.out
}

func (f *FakeClient) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

// Emit injects a result as if the provider produced it
func (f *FakeClient) Emit(result *TranscriptionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.out <- result
}

// Chunks returns the audio received so far
func (f *FakeClient) Chunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.chunks...)
}

// Closed reports whether Close was called
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
