package translate

import (
	"context"
	"fmt"
	"sync"
)

// FakeTranslator tags text with the target language, e.g. "[es] hello".
// Entries in Responses override the tagging for an exact source text.
type FakeTranslator struct {
	mu        sync.Mutex
	Responses map[string]string
	Err       error
	calls     int
}

func (f *FakeTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return "", f.Err
	}
	if out, ok := f.Responses[text]; ok {
		return out, nil
	}
	return fmt.Sprintf("[%s] %s", to, text), nil
}

// Calls returns the number of Translate invocations
func (f *FakeTranslator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
