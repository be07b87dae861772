package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/interpreter-gateway/internal/config"
	"github.com/lexiqai/interpreter-gateway/internal/observability"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/resilience"
)

const (
	providerName     = "cartesia"
	cartesiaURL      = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion  = "2024-06-10"
	maxErrorBodySize = 1024
)

// ErrEmptyAudio is returned when the provider answers 200 with no audio
var ErrEmptyAudio = errors.New("cartesia returned empty audio")

// CartesiaClient implements TTSClient using Cartesia's bytes endpoint
type CartesiaClient struct {
	config         *config.Config
	apiKey         string
	apiURL         string
	voices         map[protocol.VoiceGender]string
	format         AudioFormat
	httpClient     *http.Client
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string         `json:"model_id"`
	Transcript   string         `json:"transcript"`
	Voice        CartesiaVoice  `json:"voice"`
	Language     string         `json:"language,omitempty"`
	OutputFormat CartesiaFormat `json:"output_format"`
}

// CartesiaVoice selects a voice by id
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaFormat is the output_format object
type CartesiaFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	return &CartesiaClient{
		config: cfg,
		apiKey: cfg.CartesiaAPIKey,
		apiURL: cartesiaURL,
		voices: map[protocol.VoiceGender]string{
			protocol.VoiceMale:   cfg.CartesiaVoiceMale,
			protocol.VoiceFemale: cfg.CartesiaVoiceFemale,
		},
		format:     BrowserFormat,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryBackoff(),
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: resilience.NewCircuitBreaker(providerName, cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout()),
	}
}

// Synthesize converts text to audio
func (c *CartesiaClient) Synthesize(ctx context.Context, text, language string, gender protocol.VoiceGender) ([]byte, error) {
	voiceID, ok := c.voices[gender]
	if !ok || voiceID == "" {
		return nil, fmt.Errorf("no voice configured for gender %q", gender)
	}

	reqBody := CartesiaRequest{
		ModelID:    c.config.CartesiaModelID,
		Transcript: text,
		Voice:      CartesiaVoice{Mode: "id", ID: voiceID},
		Language:   language,
		OutputFormat: CartesiaFormat{
			Container:  c.format.Container,
			Encoding:   c.format.Encoding,
			SampleRate: c.format.SampleRate,
			BitRate:    c.format.BitRate,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var audio []byte
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		err := c.circuitBreaker.Call(func() error {
			var callErr error
			audio, callErr = c.post(ctx, jsonData)
			return callErr
		})
		observability.UpdateCircuitBreakerState(providerName, int(c.circuitBreaker.GetState()))
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(providerName)
		}
		return err
	}, c.retry, resilience.IsTransient)
	if err != nil {
		return nil, fmt.Errorf("cartesia synthesis failed: %w", err)
	}

	log.Debug().
		Str("provider", providerName).
		Str("language", language).
		Int("bytes", len(audio)).
		Msg("Synthesized TTS audio")
	return audio, nil
}

// post performs one HTTP round trip. 429 and 5xx come back retryable.
func (c *CartesiaClient) post(ctx context.Context, body []byte) (audio []byte, err error) {
	start := time.Now()
	defer func() { observability.ObserveProvider(providerName, start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		statusErr := fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(statusErr)
		}
		return nil, statusErr
	}

	audio, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

// Close releases idle connections
func (c *CartesiaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
