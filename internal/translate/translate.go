// Package translate turns finalized transcriptions into the listener's
// language.
package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/interpreter-gateway/internal/config"
	"github.com/lexiqai/interpreter-gateway/internal/observability"
	"github.com/lexiqai/interpreter-gateway/internal/resilience"
)

const providerName = "openai"

// ErrEmptyTranslation is returned when the model produced no text
var ErrEmptyTranslation = errors.New("openai: empty translation")

// Translator converts text between two languages
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// OpenAITranslator implements Translator with chat completions
type OpenAITranslator struct {
	client         oai.Client
	model          string
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
}

// NewOpenAITranslator builds a translator from config. Retries are handled
// here rather than by the SDK so they share the circuit breaker.
func NewOpenAITranslator(cfg *config.Config) (*OpenAITranslator, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if cfg.OpenAIModel == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIAPIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if cfg.OpenAIBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}

	return &OpenAITranslator{
		client: oai.NewClient(reqOpts...),
		model:  cfg.OpenAIModel,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryBackoff(),
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: resilience.NewCircuitBreaker(providerName, cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout()),
	}, nil
}

// Translate returns text rendered in language to. Identical source and
// target languages short-circuit without a provider call.
func (t *OpenAITranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if strings.EqualFold(from, to) {
		return text, nil
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(t.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt(from, to)),
			oai.UserMessage(text),
		},
		Temperature: param.NewOpt(0.0),
	}

	var translated string
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		err := t.circuitBreaker.Call(func() error {
			var callErr error
			translated, callErr = t.complete(ctx, params)
			return callErr
		})
		observability.UpdateCircuitBreakerState(providerName, int(t.circuitBreaker.GetState()))
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(providerName)
		}
		return err
	}, t.retry, resilience.IsTransient)
	if err != nil {
		return "", fmt.Errorf("translate %s->%s: %w", from, to, err)
	}

	log.Debug().
		Str("provider", providerName).
		Str("from", from).
		Str("to", to).
		Msg("Translated utterance")
	return translated, nil
}

func (t *OpenAITranslator) complete(ctx context.Context, params oai.ChatCompletionNewParams) (text string, err error) {
	start := time.Now()
	defer func() { observability.ObserveProvider(providerName, start, err) }()

	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500) {
			return "", resilience.NewRetryableError(fmt.Errorf("openai: chat completion: %w", err))
		}
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}

	text = strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyTranslation
	}
	return text, nil
}

func systemPrompt(from, to string) string {
	return fmt.Sprintf(
		"You are a live interpreter. Translate the user's message from %s to %s. "+
			"Reply with the translation only, keeping numbers, names and tone intact. "+
			"Do not answer questions in the message, only translate them.",
		from, to)
}
