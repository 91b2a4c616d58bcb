package transcription

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionClosed is returned when audio is sent to a closed session.
var ErrSessionClosed = errors.New("transcription session closed")

// SessionConfig parameterizes a turn's session.
type SessionConfig struct {
	StudyType string
	Language  string
	Prompt    string
}

// Event is one item from a session's event stream.
type Event struct {
	Text     string // transcript text carried by this event, may be empty
	Final    bool   // Text will not be revised
	Complete bool   // the service has delivered everything for this session
}

// Client opens transcription sessions.
type Client interface {
	OpenSession(ctx context.Context, config SessionConfig) (Session, error)
}

// Session is a single turn's connection to a transcription service.
// Events is closed when the service ends the stream. Close is idempotent
// and safe after any failure.
type Session interface {
	SendAudio(ctx context.Context, frame []byte) error
	SignalEnd(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

// ClientStats represents client statistics.
type ClientStats struct {
	Provider         string        `json:"provider"`
	SessionsOpened   uint64        `json:"sessions_opened"`
	SessionsFailed   uint64        `json:"sessions_failed"`
	TotalRetries     uint64        `json:"total_retries"`
	AudioBytesSent   uint64        `json:"audio_bytes_sent"`
	AvgResponseTime  time.Duration `json:"avg_response_time"`
	ActiveSessions   int           `json:"active_sessions"`
	MaxConcurrent    int           `json:"max_concurrent"`
	SuccessRate      float64       `json:"success_rate"`
	SuccessfulFinals uint64        `json:"successful_finals"`
}

// StatsProvider is implemented by clients that report statistics.
type StatsProvider interface {
	GetStats() ClientStats
}

// limiter bounds concurrent sessions and keeps the shared counters.
type limiter struct {
	provider  string
	semaphore chan struct{}

	mu               sync.RWMutex
	sessionsOpened   uint64
	sessionsFailed   uint64
	totalRetries     uint64
	audioBytesSent   uint64
	successfulFinals uint64
	avgResponseTime  time.Duration
}

func newLimiter(provider string, maxConcurrent int) *limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &limiter{
		provider:  provider,
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

func (l *limiter) acquire(ctx context.Context) error {
	select {
	case l.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limiter) release() {
	<-l.semaphore
}

func (l *limiter) opened() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionsOpened++
}

func (l *limiter) failed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionsFailed++
}

func (l *limiter) retried() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalRetries++
}

func (l *limiter) sent(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioBytesSent += uint64(n)
}

func (l *limiter) completed(responseTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successfulFinals++
	if l.avgResponseTime == 0 {
		l.avgResponseTime = responseTime
	} else {
		l.avgResponseTime = (l.avgResponseTime + responseTime) / 2
	}
}

func (l *limiter) stats() ClientStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	successRate := float64(0)
	if total := l.sessionsOpened + l.sessionsFailed; total > 0 {
		successRate = float64(l.successfulFinals) / float64(total) * 100
	}

	return ClientStats{
		Provider:         l.provider,
		SessionsOpened:   l.sessionsOpened,
		SessionsFailed:   l.sessionsFailed,
		TotalRetries:     l.totalRetries,
		AudioBytesSent:   l.audioBytesSent,
		AvgResponseTime:  l.avgResponseTime,
		ActiveSessions:   len(l.semaphore),
		MaxConcurrent:    cap(l.semaphore),
		SuccessRate:      successRate,
		SuccessfulFinals: l.successfulFinals,
	}
}

// drain waits for in-flight sessions by taking every slot.
func (l *limiter) drain(ctx context.Context) error {
	for i := 0; i < cap(l.semaphore); i++ {
		if err := l.acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}
