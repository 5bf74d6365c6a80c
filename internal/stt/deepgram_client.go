package stt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/observability"
	"github.com/lexiqai/dispatch-gateway/internal/resilience"
)

const transcriptBuffer = 100

// DeepgramConfig configures a Deepgram streaming session
type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	Encoding   string // linear16 or mulaw
	SampleRate int

	// UtteranceEnd is the silence that ends an utterance
	UtteranceEnd time.Duration

	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
	Reconnect                  *resilience.ReconnectConfig
}

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only Message and Error.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

// Message forwards transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error forwards connection errors
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Transcriber using Deepgram's streaming API
type DeepgramClient struct {
	config         DeepgramConfig
	logger         zerolog.Logger
	circuitBreaker *resilience.CircuitBreaker

	mu       sync.RWMutex
	client   *listenClient.WSCallback
	isActive bool
	ctx      context.Context
	cancel   context.CancelFunc

	// outMu guards the transcript channel against sends after Close
	outMu      sync.RWMutex
	transcript chan *Transcript
	closed     bool
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(cfg DeepgramConfig, logger zerolog.Logger) *DeepgramClient {
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.UtteranceEnd <= 0 {
		cfg.UtteranceEnd = time.Second
	}
	if cfg.CircuitBreakerResetTimeout <= 0 {
		cfg.CircuitBreakerResetTimeout = 30 * time.Second
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = resilience.DefaultReconnectConfig()
	}

	breaker := resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout).
		WithObserver(func(name string, state resilience.CircuitState, failed bool) {
			observability.UpdateCircuitBreakerState(name, int(state))
			if failed {
				observability.IncrementCircuitBreakerFailures(name)
			}
		})

	return &DeepgramClient{
		config:         cfg,
		logger:         logger.With().Str("component", "deepgram").Logger(),
		circuitBreaker: breaker,
		transcript:     make(chan *Transcript, transcriptBuffer),
	}
}

// Start begins a new Deepgram streaming transcription session
func (d *DeepgramClient) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.ctx == nil {
		d.ctx, d.cancel = context.WithCancel(ctx)
	}
	d.mu.Unlock()

	return d.connect()
}

func (d *DeepgramClient) connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}
	if err := d.ctx.Err(); err != nil {
		return err
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.Model,
		Language:       d.config.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: strconv.FormatInt(d.config.UtteranceEnd.Milliseconds(), 10),
		VadEvents:      true,
		Encoding:       d.config.Encoding,
		Channels:       1,
		SampleRate:     d.config.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleDeepgramMessage,
		errorHandler:           d.handleDeepgramError,
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.config.APIKey, nil, tOptions, callback)
	if err != nil {
		d.circuitBreaker.RecordResult(false)
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		d.circuitBreaker.RecordResult(false)
		return fmt.Errorf("failed to connect to Deepgram")
	}

	d.client = client
	d.isActive = true
	d.circuitBreaker.RecordResult(true)

	d.logger.Info().
		Str("model", d.config.Model).
		Str("language", d.config.Language).
		Str("encoding", d.config.Encoding).
		Int("sample_rate", d.config.SampleRate).
		Msg("Deepgram streaming client started")
	return nil
}

func (d *DeepgramClient) handleDeepgramError(errorResponse *msginterfaces.ErrorResponse) error {
	d.logger.Error().Interface("error", errorResponse).Msg("Deepgram error")
	d.circuitBreaker.RecordResult(false)

	d.mu.Lock()
	ctx := d.ctx
	d.isActive = false
	d.mu.Unlock()

	if ctx != nil && ctx.Err() == nil {
		go d.attemptReconnect()
	}
	return nil
}

// handleDeepgramMessage converts results into transcripts
func (d *DeepgramClient) handleDeepgramMessage(msg *msginterfaces.MessageResponse) {
	result, ok := transcriptFromMessage(msg)
	if !ok {
		if msg != nil && msg.Type != "Results" {
			d.logger.Debug().Str("type", msg.Type).Msg("Ignoring Deepgram message")
		}
		return
	}
	d.deliver(result)
}

func (d *DeepgramClient) deliver(result *Transcript) {
	d.outMu.RLock()
	defer d.outMu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.transcript <- result:
		if result.IsFinal {
			d.logger.Debug().
				Str("text", result.Text).
				Float64("confidence", result.Confidence).
				Bool("speech_final", result.SpeechFinal).
				Msg("Final transcription")
		}
	default:
		d.logger.Warn().Msg("Transcript channel full, dropping transcription")
	}
}

// transcriptFromMessage extracts the best alternative of a results message
func transcriptFromMessage(msg *msginterfaces.MessageResponse) (*Transcript, bool) {
	if msg == nil {
		return nil, false
	}
	switch msg.Type {
	case "Results", "Message":
	default:
		return nil, false
	}
	if len(msg.Channel.Alternatives) == 0 {
		return nil, false
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil, false
	}

	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	return &Transcript{
		Text:        alt.Transcript,
		IsFinal:     msg.IsFinal,
		SpeechFinal: msg.SpeechFinal,
		Confidence:  alt.Confidence,
		StartTime:   startTime,
		Duration:    duration,
	}, true
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	return d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram client is not active")
		}

		if _, err := client.Write(audioData); err != nil {
			d.mu.Lock()
			d.isActive = false
			d.mu.Unlock()
			go d.attemptReconnect()
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		observability.RecordAudioBytes(int64(len(audioData)))
		return nil
	})
}

// attemptReconnect re-opens the stream in the background
func (d *DeepgramClient) attemptReconnect() {
	d.mu.RLock()
	ctx := d.ctx
	alreadyActive := d.isActive
	d.mu.RUnlock()

	if ctx == nil || ctx.Err() != nil || alreadyActive {
		return
	}

	err := resilience.Reconnect(ctx, "deepgram", func(ctx context.Context) error {
		return d.connect()
	}, d.config.Reconnect)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
		observability.RecordError("reconnect_failed", "deepgram")
	}
}

// Transcripts returns the channel that receives transcription results
func (d *DeepgramClient) Transcripts() <-chan *Transcript {
	return d.transcript
}

// Stop stops the Deepgram streaming session
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	if !d.isActive {
		d.mu.Unlock()
		return nil
	}
	client := d.client
	d.isActive = false
	d.mu.Unlock()

	// Finish waits on the callback goroutines, which take d.mu
	client.Finish()
	d.logger.Info().Msg("Deepgram streaming client stopped")
	return nil
}

// Close stops the session, cancels reconnection and closes the transcript channel
func (d *DeepgramClient) Close() error {
	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	err := d.Stop()

	d.outMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.transcript)
	}
	d.outMu.Unlock()

	return err
}

// IsActive returns whether the client is currently streaming
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
