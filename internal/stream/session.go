package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/dictation-service/internal/protocol"
	"github.com/skypro1111/dictation-service/internal/transcript"
	"github.com/skypro1111/dictation-service/internal/turn"
	"github.com/skypro1111/dictation-service/internal/vad"
)

// Session is one dictation connection. HandleControl, HandleAudio and Close
// must be called from the connection's read loop; Info may be called from
// any goroutine.
type Session struct {
	ID        string
	Mode      transcript.Mode
	StartTime time.Time

	sender   protocol.Sender
	detector *vad.Detector
	orch     *turn.Orchestrator
	acc      transcript.Accumulator
	manager  *Manager
	logger   *slog.Logger
	cancel   context.CancelFunc

	closeOnce sync.Once

	// Snapshot for monitoring, guarded by mu
	mu             sync.RWMutex
	lastActivity   time.Time
	recording      bool
	studyType      string
	turnState      turn.State
	turns          int
	failedTurns    int
	lastResult     int
	transcriptLen  int
	framesReceived uint64
	framesDropped  uint64
	controlErrors  uint64
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID             string        `json:"id"`
	Mode           string        `json:"mode"`
	StartTime      time.Time     `json:"start_time"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration"`
	Recording      bool          `json:"recording"`
	StudyType      string        `json:"study_type,omitempty"`
	TurnState      string        `json:"turn_state"`
	Turns          int           `json:"turns"`
	FailedTurns    int           `json:"failed_turns"`
	FramesReceived uint64        `json:"frames_received"`
	FramesDropped  uint64        `json:"frames_dropped"`
	ControlErrors  uint64        `json:"control_errors"`
	TranscriptLen  int           `json:"transcript_chars"`
	VAD            vad.Stats     `json:"vad"`
}

// Welcome sends the study type list and the connection mode.
func (s *Session) Welcome(ctx context.Context) {
	s.send(ctx, protocol.StudyTypes(s.manager.catalog.List()))

	status := protocol.Status("Verbunden")
	status.Mode = string(s.Mode)
	s.send(ctx, status)
}

// HandleControl processes one control message. Protocol errors are reported
// to the client and do not end the connection.
func (s *Session) HandleControl(ctx context.Context, data []byte) {
	s.touch()

	msg, err := protocol.ParseControl(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownMessage) {
			reason = "unknown_type"
		}
		s.reject(ctx, reason, err)
		return
	}

	switch msg.Type {
	case protocol.MsgStartRecording:
		s.startRecording(ctx, msg.StudyType)

	case protocol.MsgStopRecording:
		s.stopRecording(ctx)

	case protocol.MsgClearTranscript:
		if err := s.acc.Clear(ctx); err != nil {
			s.reject(ctx, "clear_unsupported", err)
		}

	case protocol.MsgGetStudyTypes:
		s.send(ctx, protocol.StudyTypes(s.manager.catalog.List()))
	}
}

// HandleAudio processes one PCM frame. Frames outside a recording are dropped.
func (s *Session) HandleAudio(ctx context.Context, frame []byte) {
	s.touch()

	s.mu.Lock()
	recording := s.recording
	if recording {
		s.framesReceived++
	} else {
		s.framesDropped++
	}
	s.mu.Unlock()
	s.manager.metrics.RecordFrame(recording)

	if !recording {
		return
	}
	s.orch.HandleFrame(ctx, frame)
	s.snapshot()
}

// Close force-finalizes any live turn. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.orch.Stop(ctx)
		s.snapshot()

		s.mu.Lock()
		s.recording = false
		s.mu.Unlock()

		s.logger.Info("Session closed",
			slog.Duration("duration", time.Since(s.StartTime)),
			slog.Int("turns", s.orch.TurnCount()),
		)
	})
}

// expire ends the connection from outside the read loop.
func (s *Session) expire() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) startRecording(ctx context.Context, requested string) {
	studyType, err := s.manager.catalog.Resolve(requested)
	if err != nil {
		s.reject(ctx, "unknown_study_type", err)
		return
	}

	s.orch.Begin(studyType)

	s.mu.Lock()
	s.recording = true
	s.studyType = studyType
	s.mu.Unlock()

	s.logger.Info("Recording started", slog.String("study_type", studyType))
	s.send(ctx, protocol.Status(fmt.Sprintf("Aufnahme läuft für %s...", studyType)))
}

func (s *Session) stopRecording(ctx context.Context) {
	s.mu.Lock()
	s.recording = false
	s.mu.Unlock()

	s.orch.Stop(ctx)
	s.snapshot()

	s.logger.Info("Recording stopped", slog.Int("turns", s.orch.TurnCount()))
	s.send(ctx, protocol.Status("Aufnahme gestoppt"))

	if _, err := s.acc.Finish(ctx); err != nil {
		s.logger.Warn("Transcript finish failed", slog.String("error", err.Error()))
	}
}

func (s *Session) reject(ctx context.Context, reason string, err error) {
	s.mu.Lock()
	s.controlErrors++
	s.mu.Unlock()
	s.manager.metrics.RecordControlError(reason)

	s.logger.Warn("Control message rejected",
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	s.send(ctx, protocol.Error(err.Error()))
}

func (s *Session) send(ctx context.Context, event protocol.Event) {
	if err := s.sender.SendEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to send event",
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// snapshot copies orchestrator state for Info.
func (s *Session) snapshot() {
	state := s.orch.State()
	turns := s.orch.TurnCount()
	last, ok := s.orch.Last()
	textLen := len(s.acc.Text())

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok && last.Turn.Number > s.lastResult {
		s.lastResult = last.Turn.Number
		if last.Err != nil {
			s.failedTurns++
		}
	}
	s.turnState = state
	s.turns = turns
	s.transcriptLen = textLen
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ID:             s.ID,
		Mode:           string(s.Mode),
		StartTime:      s.StartTime,
		LastActivity:   s.lastActivity,
		Duration:       time.Since(s.StartTime),
		Recording:      s.recording,
		StudyType:      s.studyType,
		TurnState:      s.turnState.String(),
		Turns:          s.turns,
		FailedTurns:    s.failedTurns,
		FramesReceived: s.framesReceived,
		FramesDropped:  s.framesDropped,
		ControlErrors:  s.controlErrors,
		TranscriptLen:  s.transcriptLen,
		VAD:            s.detector.Stats(),
	}
}
