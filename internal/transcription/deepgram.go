package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/skypro1111/dictation-service/internal/prompt"
)

const (
	scopeName = "github.com/skypro1111/dictation-service/internal/transcription"

	// DefaultDeepgramURL is the streaming listen endpoint.
	DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

	// Deepgram sends Metadata once all results for a closed stream are out.
	typeMetadataResponse api.TypeResponse = "Metadata"

	maxKeyterms = 10
)

var tracer = otel.Tracer(scopeName)

// DeepgramConfig configures the Deepgram streaming client.
type DeepgramConfig struct {
	URL           string
	APIKey        string
	Model         string
	SampleRate    int
	SmartFormat   bool
	Endpointing   int // milliseconds, 0 leaves the service default
	MaxConcurrent int
	DialTimeout   time.Duration
}

// DeepgramClient opens one streaming socket per turn.
type DeepgramClient struct {
	config  DeepgramConfig
	dialer  *websocket.Dialer
	limiter *limiter
	logger  *slog.Logger
}

// NewDeepgramClient validates config and returns a client.
func NewDeepgramClient(config DeepgramConfig, logger *slog.Logger) (*DeepgramClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("deepgram api key cannot be empty")
	}
	if config.URL == "" {
		config.URL = DefaultDeepgramURL
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid deepgram url %q: %w", config.URL, err)
	}
	if config.Model == "" {
		config.Model = "nova-3"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	return &DeepgramClient{
		config:  config,
		dialer:  &websocket.Dialer{HandshakeTimeout: config.DialTimeout, Proxy: http.ProxyFromEnvironment},
		limiter: newLimiter("deepgram", config.MaxConcurrent),
		logger:  logger.With(slog.String("component", "deepgram")),
	}, nil
}

func (c *DeepgramClient) listenURL(sc SessionConfig) string {
	u, _ := url.Parse(c.config.URL)
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.config.SampleRate))
	q.Set("channels", "1")
	q.Set("model", c.config.Model)
	q.Set("punctuate", "true")
	if sc.Language != "" {
		q.Set("language", sc.Language)
	}
	if c.config.SmartFormat {
		q.Set("smart_format", "true")
	}
	if c.config.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(c.config.Endpointing))
	}
	for _, term := range prompt.Keyterms(sc.StudyType, maxKeyterms) {
		q.Add("keyterm", term)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenSession dials Deepgram. The concurrency slot is held until Close.
func (c *DeepgramClient) OpenSession(ctx context.Context, sc SessionConfig) (Session, error) {
	ctx, span := tracer.Start(ctx, "deepgram.OpenSession")
	defer span.End()
	span.SetAttributes(
		attribute.String("study_type", sc.StudyType),
		attribute.String("language", sc.Language),
		attribute.Int("prompt_chars", len(sc.Prompt)),
	)

	if err := c.limiter.acquire(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("waiting for deepgram slot: %w", err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.listenURL(sc),
		http.Header{"Authorization": {"Token " + c.config.APIKey}})
	if err != nil {
		c.limiter.release()
		c.limiter.failed()
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	c.limiter.opened()

	s := &deepgramSession{
		conn:    conn,
		limiter: c.limiter,
		logger:  c.logger,
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		opened:  time.Now(),
	}
	go s.readLoop()

	c.logger.Debug("Deepgram session opened",
		slog.String("study_type", sc.StudyType),
		slog.String("language", sc.Language),
	)
	return s, nil
}

// GetStats returns client statistics.
func (c *DeepgramClient) GetStats() ClientStats {
	return c.limiter.stats()
}

// Close waits for open sessions to be released.
func (c *DeepgramClient) Close(ctx context.Context) error {
	return c.limiter.drain(ctx)
}

type deepgramSession struct {
	conn    *websocket.Conn
	connMu  sync.Mutex
	limiter *limiter
	logger  *slog.Logger

	events chan Event
	closed chan struct{} // closed by Close
	done   chan struct{} // closed when readLoop exits

	closeOnce sync.Once
	closeErr  error
	opened    time.Time
	endedAt   atomic.Int64 // unix nanos of SignalEnd
}

func (s *deepgramSession) SendAudio(_ context.Context, frame []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write to deepgram: %w", err)
	}
	s.limiter.sent(len(frame))
	return nil
}

func (s *deepgramSession) SignalEnd(_ context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.endedAt.Store(time.Now().UnixNano())
	if err := s.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to send close stream to deepgram: %w", err)
	}
	return nil
}

func (s *deepgramSession) Events() <-chan Event {
	return s.events
}

func (s *deepgramSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.connMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
		s.connMu.Unlock()

		<-s.done
		s.limiter.release()
		s.logger.Debug("Deepgram session closed", slog.Duration("duration", time.Since(s.opened)))
	})
	return s.closeErr
}

func (s *deepgramSession) emit(e Event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.closed:
		return false
	}
}

func (s *deepgramSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !isClosed(s.closed) {
				s.logger.Warn("Deepgram read ended", slog.String("error", err.Error()))
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		event, ok := s.parse(msg)
		if !ok {
			continue
		}
		if !s.emit(event) {
			return
		}
		if event.Complete {
			if ended := s.endedAt.Load(); ended != 0 {
				s.limiter.completed(time.Since(time.Unix(0, ended)))
			}
			return
		}
	}
}

func (s *deepgramSession) parse(msg []byte) (Event, bool) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		s.logger.Warn("Failed to unmarshal deepgram message", slog.String("error", err.Error()))
		return Event{}, false
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			s.logger.Warn("Failed to unmarshal deepgram result", slog.String("error", err.Error()))
			return Event{}, false
		}
		if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
			return Event{}, false
		}
		text := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
		if text == "" {
			return Event{}, false
		}
		return Event{Text: text, Final: true}, true

	case typeMetadataResponse:
		return Event{Complete: true}, true

	default:
		s.logger.Debug("Ignoring deepgram message", slog.String("type", parsedMsg.Type))
		return Event{}, false
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

var _ Client = (*DeepgramClient)(nil)
