// Package voice serves conversation turns over a websocket audio stream.
//
// Clients send a JSON "start" event, then binary audio frames in the
// configured encoding. Every completed utterance is run as one turn and the
// reply is sent back as a JSON "reply" event. A "text" event runs a typed
// turn on the same session, and "stop" ends the stream once pending turns
// have been answered.
package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/lexiqai/dispatch-gateway/internal/observability"
	"github.com/lexiqai/dispatch-gateway/internal/orchestrator"
	"github.com/lexiqai/dispatch-gateway/internal/stt"
)

const (
	writeTimeout = 10 * time.Second
	queueSize    = 8
)

// Client events
const (
	EventStart = "start"
	EventText  = "text"
	EventStop  = "stop"
)

// Server events
const (
	EventStarted    = "started"
	EventTranscript = "transcript"
	EventReply      = "reply"
	EventError      = "error"
)

var upgrader = websocket.Upgrader{
	// Origin checks are left to the fronting proxy
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// TurnHandler runs one conversation turn
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID, text string) (*orchestrator.TurnResult, error)
}

// ClientEvent is a JSON control frame sent by the client
type ClientEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ServerEvent is a JSON frame sent to the client
type ServerEvent struct {
	Event       string `json:"event"`
	SessionID   string `json:"session_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Final       bool   `json:"final,omitempty"`
	Destination string `json:"destination,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Handler upgrades requests to voice streams
type Handler struct {
	turns          TurnHandler
	newTranscriber stt.Factory
	logger         zerolog.Logger
}

// NewHandler creates the voice stream handler. A nil factory serves text
// events only and rejects audio.
func NewHandler(turns TurnHandler, newTranscriber stt.Factory, logger zerolog.Logger) *Handler {
	return &Handler{
		turns:          turns,
		newTranscriber: newTranscriber,
		logger:         logger.With().Str("component", "voice").Logger(),
	}
}

// ServeHTTP handles one websocket voice stream
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	observability.RecordVoiceStreamStart()
	defer observability.RecordVoiceStreamEnd()

	s := &stream{
		handler:   h,
		conn:      conn,
		sessionID: strings.TrimSpace(r.URL.Query().Get("session_id")),
		queue:     make(chan string, queueSize),
	}
	s.logger = observability.WithCorrelationID("").With().Str("component", "voice").Logger()
	s.run(r.Context())
}

// stream holds the state of one websocket connection
type stream struct {
	handler *Handler
	conn    *websocket.Conn
	logger  zerolog.Logger

	writeMu sync.Mutex

	sessionID   string
	started     bool
	transcriber stt.Transcriber
	listeners   conc.WaitGroup

	queue chan string
}

func (s *stream) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var turns conc.WaitGroup
	turns.Go(func() { s.turnLoop(ctx) })

	graceful := s.readLoop(ctx)
	if !graceful {
		cancel()
	}

	if s.transcriber != nil {
		if err := s.transcriber.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing transcriber")
		}
	}
	s.listeners.Wait()

	close(s.queue)
	turns.Wait()

	s.logger.Info().Str("session_id", s.sessionID).Bool("graceful", graceful).Msg("Voice stream ended")
}

// readLoop consumes client frames. It reports whether the client asked to stop.
func (s *stream) readLoop(ctx context.Context) bool {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return false
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.handleAudio(data)

		case websocket.TextMessage:
			var event ClientEvent
			if err := json.Unmarshal(data, &event); err != nil {
				s.sendError("invalid JSON event")
				continue
			}
			if stop := s.handleEvent(ctx, event); stop {
				return true
			}
		}
	}
}

func (s *stream) handleEvent(ctx context.Context, event ClientEvent) bool {
	switch event.Event {
	case EventStart:
		if s.started {
			s.sendError("stream already started")
			return false
		}
		s.start(ctx, strings.TrimSpace(event.SessionID))

	case EventText:
		text := strings.TrimSpace(event.Text)
		if text == "" {
			s.sendError("text is required")
			return false
		}
		if !s.started {
			s.start(ctx, "")
		}
		s.enqueue(ctx, text)

	case EventStop:
		if s.transcriber != nil {
			if err := s.transcriber.Stop(); err != nil {
				s.logger.Warn().Err(err).Msg("Error stopping transcriber")
			}
		}
		return true

	default:
		s.sendError("unknown event: " + event.Event)
	}
	return false
}

func (s *stream) start(ctx context.Context, sessionID string) {
	s.started = true
	if sessionID != "" {
		s.sessionID = sessionID
	}
	if s.sessionID == "" {
		s.sessionID = uuid.New().String()
	}
	s.logger = s.logger.With().Str("session_id", s.sessionID).Logger()

	if s.handler.newTranscriber != nil {
		transcriber := s.handler.newTranscriber()
		if err := transcriber.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error starting transcriber")
			observability.RecordError("stt_start_error", "voice")
			s.sendError("speech recognition is unavailable")
		} else {
			s.transcriber = transcriber
			s.listeners.Go(func() { s.transcriptLoop(ctx, transcriber) })
		}
	}

	s.send(ServerEvent{Event: EventStarted, SessionID: s.sessionID})
	s.logger.Info().Bool("audio", s.transcriber != nil).Msg("Voice stream started")
}

func (s *stream) handleAudio(data []byte) {
	if s.transcriber == nil {
		s.sendError("audio requires a started stream with speech recognition")
		return
	}
	if err := s.transcriber.SendAudio(data); err != nil {
		// The transcriber reconnects on its own; keep the stream open
		s.logger.Error().Err(err).Msg("Error sending audio to transcriber")
		observability.RecordError("stt_send_error", "voice")
	}
}

// transcriptLoop turns final transcripts into queued utterances
func (s *stream) transcriptLoop(ctx context.Context, transcriber stt.Transcriber) {
	var buffer utteranceBuffer
	for t := range transcriber.Transcripts() {
		if t == nil {
			continue
		}
		s.send(ServerEvent{Event: EventTranscript, SessionID: s.sessionID, Text: t.Text, Final: t.IsFinal})

		if utterance, ok := buffer.Add(t); ok {
			s.enqueue(ctx, utterance)
		}
	}
	if utterance, ok := buffer.Flush(); ok {
		s.enqueue(ctx, utterance)
	}
}

func (s *stream) enqueue(ctx context.Context, text string) {
	select {
	case s.queue <- text:
	case <-ctx.Done():
	}
}

// turnLoop answers queued utterances one at a time, in order
func (s *stream) turnLoop(ctx context.Context) {
	for text := range s.queue {
		if ctx.Err() != nil {
			continue
		}

		result, err := s.handler.turns.HandleTurn(ctx, s.sessionID, text)
		if err != nil {
			s.logger.Error().Err(err).Msg("Voice turn failed")
			s.sendError("the assistant could not answer")
			continue
		}

		s.send(ServerEvent{
			Event:       EventReply,
			SessionID:   result.SessionID,
			Text:        result.Reply,
			Destination: result.Destination,
		})
	}
}

func (s *stream) sendError(message string) {
	s.send(ServerEvent{Event: EventError, SessionID: s.sessionID, Error: message})
}

// send writes one event; gorilla connections allow a single concurrent writer
func (s *stream) send(event ServerEvent) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(event); err != nil {
		s.logger.Debug().Err(err).Str("event", event.Event).Msg("Failed to write event")
	}
}
