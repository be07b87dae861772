package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/interpreter-gateway/internal/apperr"
	"github.com/lexiqai/interpreter-gateway/internal/protocol"
	"github.com/lexiqai/interpreter-gateway/internal/resilience"
	"github.com/lexiqai/interpreter-gateway/internal/stt"
)

const (
	audioQueueSize = 100
	finalQueueSize = 50
	ttsQueueSize   = 50
)

// pipeline carries one speaker's audio through recognition, translation
// and synthesis. Results re-enter the room actor as events. Finals are
// translated one at a time so they reach the actor in arrival order.
type pipeline struct {
	session  *Session
	speaker  protocol.Role
	language string // spoken by the speaker
	target   string // spoken by the listener
	voice    protocol.VoiceGender

	stt     stt.STTClient
	audioIn chan []byte
	finals  chan string
	ttsJobs chan string

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger zerolog.Logger
}

func newPipeline(s *Session, speaker protocol.Role, language, target string, voice protocol.VoiceGender) *pipeline {
	ctx, cancel := context.WithCancel(s.ctx)
	group, ctx := errgroup.WithContext(ctx)

	return &pipeline{
		session:  s,
		speaker:  speaker,
		language: language,
		target:   target,
		voice:    voice,
		stt:      s.deps.STT(language),
		audioIn:  make(chan []byte, audioQueueSize),
		finals:   make(chan string, finalQueueSize),
		ttsJobs:  make(chan string, ttsQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		logger:   s.logger.With().Str("speaker", string(speaker)).Logger(),
	}
}

func (p *pipeline) start() {
	p.group.Go(p.connect)
	p.group.Go(p.readTranscripts)
	p.group.Go(p.translateFinals)
	p.group.Go(p.synthesize)

	go func() {
		if err := p.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Msg("Speaker pipeline stopped")
		}
	}()
}

// stop cancels in-flight provider calls and closes the STT stream
func (p *pipeline) stop() {
	p.cancel()
	if err := p.stt.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing STT client")
	}
}

// pushAudio queues a chunk without blocking the actor. Chunks are dropped
// when the queue is full.
func (p *pipeline) pushAudio(chunk []byte) bool {
	select {
	case p.audioIn <- chunk:
		return true
	default:
		p.logger.Warn().Msg("audioIn channel full, dropping audio chunk")
		return false
	}
}

// enqueueTTS queues an allowed translation for synthesis
func (p *pipeline) enqueueTTS(text string) bool {
	select {
	case p.ttsJobs <- text:
		return true
	default:
		p.logger.Warn().Msg("TTS queue full, dropping utterance")
		return false
	}
}

// connect opens the STT stream, then forwards queued audio to it
func (p *pipeline) connect() error {
	cfg := p.session.cfg
	err := resilience.Reconnect(p.ctx, "stt", func(context.Context) error {
		return p.stt.Start()
	}, &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  10 * time.Second,
	})
	if err != nil {
		if p.ctx.Err() != nil {
			return p.ctx.Err()
		}
		p.logger.Error().Err(err).Msg("Failed to start speech recognition")
		p.session.metrics.RecordError("stt_start_error", "stt")
		p.session.post(p.ctx, providerErrorEvent{
			notify: p.speaker,
			err:    apperr.Wrap(apperr.CodeProviderFailure, "speech recognition unavailable", err),
		})
		return nil
	}

	for {
		select {
		case chunk := <-p.audioIn:
			p.session.metrics.RecordAudioBytes("in", int64(len(chunk)))
			if err := p.stt.SendAudio(chunk); err != nil {
				// The client reconnects on its own; a terminal failure
				// arrives on the transcript channel.
				p.logger.Debug().Err(err).Msg("Error sending audio to STT")
				p.session.metrics.RecordError("stt_send_error", "stt")
			}
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

// readTranscripts relays interims to the actor and queues finals for
// translation
func (p *pipeline) readTranscripts() error {
	results := p.stt.GetTranscription()
	for {
		select {
		case result, ok := <-results:
			if !ok {
				return nil
			}
			if result == nil {
				continue
			}
			if result.Err != nil {
				p.session.post(p.ctx, providerErrorEvent{
					notify: p.speaker,
					err:    apperr.Wrap(apperr.CodeProviderFailure, "speech recognition failed", result.Err),
				})
				continue
			}
			if result.Text == "" {
				continue
			}
			if !result.IsFinal {
				p.session.post(p.ctx, interimEvent{speaker: p.speaker, result: result})
				continue
			}
			select {
			case p.finals <- result.Text:
			default:
				p.logger.Warn().Msg("Final transcription queue full, dropping utterance")
				p.session.post(p.ctx, providerErrorEvent{
					notify: p.speaker,
					err:    apperr.New(apperr.CodeProviderFailure, "utterance dropped, translation backlog full"),
				})
			}
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

func (p *pipeline) translateFinals() error {
	for {
		select {
		case text := <-p.finals:
			translated, err := p.session.deps.Translator.Translate(p.ctx, text, p.language, p.target)
			if err != nil {
				if p.ctx.Err() != nil {
					return p.ctx.Err()
				}
				p.session.metrics.RecordError("translate_error", "translate")
				err = apperr.Wrap(apperr.CodeProviderFailure, "translation failed", err)
			}
			p.session.post(p.ctx, finalEvent{
				speaker:    p.speaker,
				original:   text,
				translated: translated,
				err:        err,
			})
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

// synthesize renders the speaker's translated utterances in the listener's
// language using the speaker's chosen voice
func (p *pipeline) synthesize() error {
	for {
		select {
		case text := <-p.ttsJobs:
			audio, err := p.session.deps.TTS.Synthesize(p.ctx, text, p.target, p.voice)
			if err != nil {
				if p.ctx.Err() != nil {
					return p.ctx.Err()
				}
				p.session.metrics.RecordError("tts_error", "tts")
				err = apperr.Wrap(apperr.CodeProviderFailure, "speech synthesis failed", err)
			} else {
				p.session.metrics.RecordAudioBytes("out", int64(len(audio)))
			}
			p.session.post(p.ctx, ttsEvent{speaker: p.speaker, audio: audio, err: err})
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}
