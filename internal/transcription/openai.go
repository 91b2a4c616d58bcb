package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/skypro1111/dictation-service/internal/audio"
)

// OpenAIConfig configures the per-turn OpenAI transcription client.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string // empty uses the public API
	Model         string
	SampleRate    int
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxConcurrent int
}

// OpenAIClient buffers a turn's audio and uploads it as one WAV file once
// end of input is signalled. It suits services without a streaming API.
type OpenAIClient struct {
	config  OpenAIConfig
	client  *openai.Client
	limiter *limiter
	logger  *slog.Logger
}

// NewOpenAIClient validates config and returns a client.
func NewOpenAIClient(config OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai api key cannot be empty")
	}
	if config.Model == "" {
		config.Model = openai.Whisper1
	}
	if config.SampleRate <= 0 {
		config.SampleRate = audio.SampleRate
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &OpenAIClient{
		config:  config,
		client:  openai.NewClientWithConfig(clientConfig),
		limiter: newLimiter("openai", config.MaxConcurrent),
		logger:  logger.With(slog.String("component", "openai_transcription")),
	}, nil
}

// OpenSession reserves a concurrency slot; no connection is made until SignalEnd.
func (c *OpenAIClient) OpenSession(ctx context.Context, sc SessionConfig) (Session, error) {
	if err := c.limiter.acquire(ctx); err != nil {
		return nil, fmt.Errorf("waiting for openai slot: %w", err)
	}
	c.limiter.opened()

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &openAISession{
		client: c,
		config: sc,
		ctx:    reqCtx,
		cancel: cancel,
		events: make(chan Event, 2),
		done:   make(chan struct{}),
	}, nil
}

// GetStats returns client statistics.
func (c *OpenAIClient) GetStats() ClientStats {
	return c.limiter.stats()
}

// Close waits for open sessions to be released.
func (c *OpenAIClient) Close(ctx context.Context) error {
	return c.limiter.drain(ctx)
}

// transcribe uploads pcm with retry and exponential backoff.
func (c *OpenAIClient) transcribe(ctx context.Context, sc SessionConfig, pcm []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "openai.Transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("study_type", sc.StudyType),
		attribute.Int("audio_bytes", len(pcm)),
	)

	wav, err := audio.EncodeWAV(pcm, c.config.SampleRate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	startTime := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.limiter.retried()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryDelay
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}
			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.config.Model,
			FilePath: "turn.wav",
			Reader:   bytes.NewReader(wav),
			Prompt:   sc.Prompt,
			Language: isoLanguage(sc.Language),
			Format:   openai.AudioResponseFormatJSON,
		})
		if err == nil {
			c.limiter.completed(time.Since(startTime))
			return strings.TrimSpace(resp.Text), nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
		c.logger.Warn("Transcription attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	err = fmt.Errorf("transcription failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return "", err
}

// isoLanguage maps a locale such as "de-DE" to its ISO-639-1 code.
func isoLanguage(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	return strings.ToLower(lang)
}

// isRetryable reports whether err is a rate limit, server or transport failure.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}

	msg := err.Error()
	return strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "refused")
}

type openAISession struct {
	client *OpenAIClient
	config SessionConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	pcm    bytes.Buffer
	ended  bool
	closed bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *openAISession) SendAudio(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ended {
		return ErrSessionClosed
	}
	s.pcm.Write(frame)
	s.client.limiter.sent(len(frame))
	return nil
}

func (s *openAISession) SignalEnd(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ended {
		return ErrSessionClosed
	}
	s.ended = true
	pcm := append([]byte(nil), s.pcm.Bytes()...)

	go s.run(pcm)
	return nil
}

func (s *openAISession) run(pcm []byte) {
	defer close(s.done)
	defer close(s.events)

	text, err := s.client.transcribe(s.ctx, s.config, pcm)
	if err != nil {
		s.client.limiter.failed()
		s.client.logger.Error("Turn transcription failed", slog.String("error", err.Error()))
		return
	}

	select {
	case s.events <- Event{Text: text, Final: true}:
	case <-s.ctx.Done():
		return
	}
	select {
	case s.events <- Event{Complete: true}:
	case <-s.ctx.Done():
	}
}

func (s *openAISession) Events() <-chan Event {
	return s.events
}

func (s *openAISession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.ended
		s.mu.Unlock()

		s.cancel()
		if started {
			<-s.done
		} else {
			close(s.events)
		}
		s.client.limiter.release()
	})
	return nil
}

var _ Client = (*OpenAIClient)(nil)
