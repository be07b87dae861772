package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/interpreter-gateway/internal/config"
	"github.com/lexiqai/interpreter-gateway/internal/observability"
	"github.com/lexiqai/interpreter-gateway/internal/resilience"
)

const providerName = "deepgram"

// ErrNotActive is returned by SendAudio when no stream is open
var ErrNotActive = errors.New("deepgram client is not active")

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse) error
}

// Message overrides the default handler to send transcriptions to our channel
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to use our custom error handling
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements STTClient using Deepgram's streaming API
type DeepgramClient struct {
	config         *config.Config
	language       string
	client         *listenClient.WSCallback
	transcript     chan *TranscriptionResult
	mu             sync.RWMutex
	isActive       bool
	closed         bool
	reconnecting   bool
	ctx            context.Context
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramClient creates a new Deepgram streaming client for one language.
// The breaker is shared across clients so a Deepgram outage trips once.
func NewDeepgramClient(cfg *config.Config, language string, breaker *resilience.CircuitBreaker) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())

	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(providerName, cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	}

	return &DeepgramClient{
		config:         cfg,
		language:       language,
		transcript:     make(chan *TranscriptionResult, 100),
		ctx:            ctx,
		cancel:         cancel,
		circuitBreaker: breaker,
		logger:         log.With().Str("provider", providerName).Str("language", language).Logger(),
	}
}

// NewDeepgramFactory returns a Factory whose clients share one circuit breaker
func NewDeepgramFactory(cfg *config.Config) Factory {
	breaker := resilience.NewCircuitBreaker(providerName, cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	return func(language string) STTClient {
		return NewDeepgramClient(cfg, language, breaker)
	}
}

// Start begins a new Deepgram streaming transcription session
func (d *DeepgramClient) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("deepgram client is closed")
	}
	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	// Browsers send containerized audio (webm/opus, ogg), which Deepgram
	// detects on its own, so no encoding or sample rate is set.
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleDeepgramMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Error().Interface("error", errorResponse).Msg("Deepgram error")

			d.recordBreaker(false)

			select {
			case <-d.ctx.Done():
				return nil
			default:
				d.mu.Lock()
				d.isActive = false
				d.mu.Unlock()

				go d.attemptReconnect()
			}
			return nil
		},
	}

	start := time.Now()
	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.config.DeepgramAPIKey,
		nil, // ClientOptions - nil uses defaults
		tOptions,
		callback,
	)
	if err == nil && !client.Connect() {
		err = fmt.Errorf("websocket connect failed")
	}
	observability.ObserveProvider(providerName, start, err)
	if err != nil {
		d.recordBreaker(false)
		return fmt.Errorf("failed to start Deepgram stream: %w", err)
	}

	d.client = client
	d.isActive = true
	d.recordBreaker(true)

	d.logger.Info().Str("model", d.config.DeepgramModel).Msg("Deepgram streaming client started")
	return nil
}

// handleDeepgramMessage processes messages from Deepgram
func (d *DeepgramClient) handleDeepgramMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}

		// Get the best alternative (first one)
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		startTime := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			startTime = alt.Words[0].Start
			lastWord := alt.Words[len(alt.Words)-1]
			duration = lastWord.End - startTime
		}

		d.emit(&TranscriptionResult{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			StartTime:  startTime,
			Duration:   duration,
		})

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram message ignored")
	}
}

// emit delivers a result without blocking the SDK's read loop
func (d *DeepgramClient) emit(result *TranscriptionResult) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}
	select {
	case d.transcript <- result:
	default:
		d.logger.Warn().Bool("final", result.IsFinal).Msg("Transcript channel full, dropping transcription")
	}
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	d.mu.RLock()
	active := d.isActive
	client := d.client
	d.mu.RUnlock()

	if !active || client == nil {
		return ErrNotActive
	}

	if _, err := client.Write(audioData); err != nil {
		d.recordBreaker(false)
		d.mu.Lock()
		d.isActive = false
		d.mu.Unlock()
		go d.attemptReconnect()
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// attemptReconnect reopens the stream, surfacing a terminal failure on the
// transcript channel
func (d *DeepgramClient) attemptReconnect() {
	if d.ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	if d.isActive || d.reconnecting {
		d.mu.Unlock()
		return
	}
	d.reconnecting = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.reconnecting = false
		d.mu.Unlock()
	}()

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: d.config.ReconnectMaxAttempts,
		Backoff:     time.Duration(d.config.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	err := resilience.Reconnect(d.ctx, providerName, func(context.Context) error {
		if d.circuitBreaker.GetState() == resilience.StateOpen {
			return resilience.ErrCircuitOpen
		}
		return d.Start()
	}, reconnectConfig)

	if err != nil && d.ctx.Err() == nil {
		d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
		d.emit(&TranscriptionResult{Err: err})
	}
}

func (d *DeepgramClient) recordBreaker(success bool) {
	d.circuitBreaker.RecordResult(success)
	observability.UpdateCircuitBreakerState(providerName, int(d.circuitBreaker.GetState()))
	if !success {
		observability.IncrementCircuitBreakerFailures(providerName)
	}
}

// GetTranscription returns a channel that receives transcription results
func (d *DeepgramClient) GetTranscription() <-chan *TranscriptionResult {
	return d.transcript
}

// Stop stops the Deepgram streaming session
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isActive {
		return nil
	}

	d.client.Finish()
	d.isActive = false
	d.logger.Info().Msg("Deepgram streaming client stopped")
	return nil
}

// Close closes the client and cleans up resources
func (d *DeepgramClient) Close() error {
	d.cancel() // Stop any reconnection attempts

	if err := d.Stop(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.transcript)
	}
	return nil
}

// IsActive returns whether the client is currently active
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
