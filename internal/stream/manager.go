package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/dictation-service/internal/audio"
	"github.com/skypro1111/dictation-service/internal/catalog"
	"github.com/skypro1111/dictation-service/internal/macro"
	"github.com/skypro1111/dictation-service/internal/metrics"
	"github.com/skypro1111/dictation-service/internal/prompt"
	"github.com/skypro1111/dictation-service/internal/protocol"
	"github.com/skypro1111/dictation-service/internal/transcript"
	"github.com/skypro1111/dictation-service/internal/transcription"
	"github.com/skypro1111/dictation-service/internal/turn"
	"github.com/skypro1111/dictation-service/internal/vad"
)

const cleanupInterval = 30 * time.Second

var (
	ErrTooManySessions = errors.New("too many active sessions")
	ErrModeOverride    = errors.New("mode override is not allowed")
)

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	DefaultMode       transcript.Mode
	AllowModeOverride bool
	Language          string
	PreContextFrames  int
	VAD               vad.Config
	MaxSessions       int           // 0 means unlimited
	IdleTimeout       time.Duration // 0 disables idle expiry
}

// Deps are shared by every session. Refiner is required for refine mode;
// Recorder and Metrics may be nil.
type Deps struct {
	Client   transcription.Client
	Macros   *macro.Matcher
	Catalog  *catalog.Catalog
	Refiner  transcript.Refiner
	Recorder *audio.Recorder
	Metrics  *metrics.Metrics
}

// Manager tracks the active dictation sessions.
type Manager struct {
	config   ManagerConfig
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
	deps     Deps
	logger   *slog.Logger
	sessions map[string]*Session
	total    uint64
	mu       sync.RWMutex

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// Stats summarizes the manager and its shared collaborators.
type Stats struct {
	ActiveSessions int                        `json:"active_sessions"`
	TotalSessions  uint64                     `json:"total_sessions"`
	DefaultMode    string                     `json:"default_mode"`
	Transcription  *transcription.ClientStats `json:"transcription,omitempty"`
	Recorder       *audio.RecorderStats       `json:"recorder,omitempty"`
	Macros         int                        `json:"macros"`
	StudyTypes     int                        `json:"study_types"`
}

// NewManager creates a session manager and starts its idle cleanup routine.
func NewManager(config ManagerConfig, deps Deps, logger *slog.Logger) (*Manager, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("transcription client is required")
	}
	if deps.Macros == nil {
		return nil, fmt.Errorf("macro matcher is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.New(nil, logger)
	}
	if config.DefaultMode == "" {
		config.DefaultMode = transcript.ModeAppend
	}
	if _, err := transcript.ParseMode(string(config.DefaultMode)); err != nil {
		return nil, err
	}
	if config.DefaultMode == transcript.ModeRefine && deps.Refiner == nil {
		return nil, fmt.Errorf("refine mode requires a refiner")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:   config,
		catalog:  deps.Catalog,
		metrics:  deps.Metrics,
		deps:     deps,
		logger:   logger.With(slog.String("component", "stream")),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go m.startCleanupRoutine()

	return m, nil
}

// resolveMode applies the connection's requested mode, if any.
func (m *Manager) resolveMode(requested string) (transcript.Mode, error) {
	if requested == "" {
		return m.config.DefaultMode, nil
	}
	mode, err := transcript.ParseMode(requested)
	if err != nil {
		return "", err
	}
	if mode != m.config.DefaultMode && !m.config.AllowModeOverride {
		return "", fmt.Errorf("%w: server mode is %s", ErrModeOverride, m.config.DefaultMode)
	}
	return mode, nil
}

// CreateSession registers a new connection. The returned context is
// canceled when the session expires or the manager stops; the caller must
// end its read loop then and call RemoveSession.
func (m *Manager) CreateSession(ctx context.Context, sender protocol.Sender, requestedMode string) (*Session, context.Context, error) {
	mode, err := m.resolveMode(requestedMode)
	if err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	logger := m.logger.With(slog.String("session_id", id), slog.String("mode", string(mode)))

	acc, err := transcript.New(mode, sender, m.deps.Refiner, logger)
	if err != nil {
		return nil, nil, err
	}

	detector := vad.New(m.config.VAD, logger)
	orch := turn.New(turn.Config{
		Language:         m.config.Language,
		PreContextFrames: m.config.PreContextFrames,
		LivePartials:     mode == transcript.ModeRefine,
	}, turn.Deps{
		Client:      m.deps.Client,
		Detector:    detector,
		Macros:      m.deps.Macros,
		Accumulator: acc,
		Sender:      sender,
		Recorder:    m.deps.Recorder,
		Prompt:      prompt.ForMode(string(mode)),
		Metrics:     m.metrics,
	}, logger)

	now := time.Now()
	sessCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ID:           id,
		Mode:         mode,
		StartTime:    now,
		sender:       sender,
		detector:     detector,
		orch:         orch,
		acc:          acc,
		manager:      m,
		logger:       logger,
		cancel:       cancel,
		lastActivity: now,
	}

	m.mu.Lock()
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		cancel()
		return nil, nil, ErrTooManySessions
	}
	m.sessions[id] = session
	m.total++
	active := len(m.sessions)
	m.mu.Unlock()

	// Stop cancels every session through the manager context.
	stop := context.AfterFunc(m.ctx, cancel)
	go func() {
		<-sessCtx.Done()
		stop()
	}()

	m.metrics.RecordConnectionOpened()
	logger.Info("Session created", slog.Int("active_sessions", active))

	return session, sessCtx, nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions, oldest first.
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// RemoveSession finalizes and unregisters a session. It must be called by the
// goroutine that owns the session's read loop, after that loop has ended.
func (m *Manager) RemoveSession(ctx context.Context, id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	session.Close(ctx)
	session.expire()
	m.metrics.RecordConnectionClosed(time.Since(session.StartTime).Seconds())

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Int("active_sessions", m.GetActiveSessionCount()),
	)
	return true
}

// Stop cancels every session and waits, until ctx is done, for their
// connections to be removed.
func (m *Manager) Stop(ctx context.Context) {
	m.logger.Info("Stopping session manager...")

	// Cancel context to stop cleanup routine and every session
	m.cancel()
	<-m.cleanup

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for m.GetActiveSessionCount() > 0 {
		select {
		case <-ctx.Done():
			m.logger.Warn("Sessions still active at shutdown",
				slog.Int("remaining_sessions", m.GetActiveSessionCount()),
			)
			return
		case <-ticker.C:
		}
	}

	stats := m.Stats()
	attrs := []any{slog.Uint64("total_sessions", stats.TotalSessions)}
	if stats.Transcription != nil {
		attrs = append(attrs,
			slog.Uint64("transcription_sessions", stats.Transcription.SessionsOpened),
			slog.Float64("transcription_success_rate", stats.Transcription.SuccessRate),
		)
	}
	m.logger.Info("Session manager stopped", attrs...)
}

// Stats returns a snapshot of manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	stats := Stats{
		ActiveSessions: len(m.sessions),
		TotalSessions:  m.total,
		DefaultMode:    string(m.config.DefaultMode),
	}
	m.mu.RUnlock()

	if sp, ok := m.deps.Client.(transcription.StatsProvider); ok {
		ts := sp.GetStats()
		stats.Transcription = &ts
	}
	if m.deps.Recorder != nil {
		rs := m.deps.Recorder.Stats()
		stats.Recorder = &rs
	}
	stats.Macros = m.deps.Macros.Len()
	stats.StudyTypes = m.catalog.Len()
	return stats
}

// StudyTypes returns the configured study types.
func (m *Manager) StudyTypes() []string {
	return m.catalog.List()
}

// startCleanupRoutine expires idle sessions periodically
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.config.IdleTimeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", cleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.expireIdleSessions(time.Now())
		}
	}
}

// expireIdleSessions cancels sessions idle for longer than the timeout and
// returns how many were expired.
func (m *Manager) expireIdleSessions(now time.Time) int {
	expired := make([]*Session, 0)

	m.mu.RLock()
	for _, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.lastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.config.IdleTimeout {
			expired = append(expired, session)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Expiring idle sessions", slog.Int("expired_count", len(expired)))
		for _, session := range expired {
			session.expire()
		}
	}
	return len(expired)
}
