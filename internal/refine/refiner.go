package refine

import (
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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/skypro1111/dictation-service/internal/prompt"
)

const scopeName = "github.com/skypro1111/dictation-service/internal/refine"

var tracer = otel.Tracer(scopeName)

// ErrEmptyResponse is returned when the model answers without text.
var ErrEmptyResponse = errors.New("refinement returned empty text")

// Config configures the OpenAI refiner.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Language    string
	Temperature float32
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// Stats represents refiner statistics.
type Stats struct {
	TotalRequests   uint64        `json:"total_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Observer is notified after every Refine call.
type Observer func(d time.Duration, err error)

// Refiner polishes text through the chat completions API.
type Refiner struct {
	config   Config
	client   *openai.Client
	logger   *slog.Logger
	observer Observer

	mu    sync.RWMutex
	stats Stats
}

// New validates config and returns a refiner.
func New(config Config, logger *slog.Logger) (*Refiner, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai api key cannot be empty")
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if config.Language == "" {
		config.Language = "de-DE"
	}
	if config.Temperature == 0 {
		config.Temperature = 0.1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Refiner{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger.With(slog.String("component", "refiner")),
	}, nil
}

// SetObserver registers fn to receive per-call latency and outcome.
func (r *Refiner) SetObserver(fn Observer) {
	r.observer = fn
}

// Refine returns the polished form of text. Each attempt is bounded by the
// configured timeout; rate limits and server errors are retried with
// exponential backoff.
func (r *Refiner) Refine(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "refine.Refine")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", r.config.Model),
		attribute.Int("input_chars", len(text)),
	)

	startTime := time.Now()
	polished, err := r.refineWithRetry(ctx, text)
	elapsed := time.Since(startTime)
	r.record(elapsed, err)
	if r.observer != nil {
		r.observer(elapsed, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("output_chars", len(polished)))
	return polished, nil
}

func (r *Refiner) refineWithRetry(ctx context.Context, text string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: r.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt.Polish(text, r.config.Language)},
		},
		Temperature: r.config.Temperature,
	}

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			r.retried()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * r.config.RetryDelay
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}
			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		polished, err := r.complete(ctx, req)
		if err == nil {
			return polished, nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
		r.logger.Warn("Refine attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return "", lastErr
}

func (r *Refiner) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	polished := strings.TrimSpace(resp.Choices[0].Message.Content)
	if polished == "" {
		return "", ErrEmptyResponse
	}
	return polished, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyResponse) {
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
	return strings.Contains(err.Error(), "connection")
}

func (r *Refiner) retried() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalRetries++
}

func (r *Refiner) record(d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalRequests++
	if err != nil {
		r.stats.FailedRequests++
		return
	}
	if r.stats.AvgResponseTime == 0 {
		r.stats.AvgResponseTime = d
	} else {
		r.stats.AvgResponseTime = (r.stats.AvgResponseTime + d) / 2
	}
}

// GetStats returns refiner statistics.
func (r *Refiner) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
