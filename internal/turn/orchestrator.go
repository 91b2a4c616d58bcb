package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skypro1111/dictation-service/internal/audio"
	"github.com/skypro1111/dictation-service/internal/macro"
	"github.com/skypro1111/dictation-service/internal/metrics"
	"github.com/skypro1111/dictation-service/internal/prompt"
	"github.com/skypro1111/dictation-service/internal/protocol"
	"github.com/skypro1111/dictation-service/internal/transcript"
	"github.com/skypro1111/dictation-service/internal/transcription"
	"github.com/skypro1111/dictation-service/internal/vad"
)

const scopeName = "github.com/skypro1111/dictation-service/internal/turn"

var tracer = otel.Tracer(scopeName)

// DefaultPreContextFrames is the pre-roll sent when a turn opens.
const DefaultPreContextFrames = 5

// State is a turn lifecycle state.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Turn is one speech segment streamed to a transcription session.
type Turn struct {
	Number     int       `json:"number"`
	StudyType  string    `json:"study_type"`
	Language   string    `json:"language"`
	State      State     `json:"-"`
	StartedAt  time.Time `json:"started_at"`
	AudioBytes int       `json:"audio_bytes"`
}

// Result describes a finalized turn.
type Result struct {
	Turn       Turn
	Raw        string // concatenated session text
	Text       string // Raw after macro expansion
	Expansions []macro.Expansion
	Err        error // first open, send or signal-end failure
}

// Config parameterizes an Orchestrator.
type Config struct {
	Language         string
	PreContextFrames int
	LivePartials     bool // emit partial_transcript while draining a turn
}

// Deps are the collaborators of an Orchestrator. Recorder and Metrics may be nil.
type Deps struct {
	Client      transcription.Client
	Detector    *vad.Detector
	Macros      *macro.Matcher
	Accumulator transcript.Accumulator
	Sender      protocol.Sender
	Recorder    *audio.Recorder
	Prompt      prompt.Builder
	Metrics     *metrics.Metrics
}

// Orchestrator runs turns for a single connection. It is not safe for
// concurrent use; the connection's read loop owns it.
type Orchestrator struct {
	config Config
	deps   Deps
	logger *slog.Logger

	studyType string
	turnCount int
	last      *Result

	current *Turn
	session transcription.Session
	span    trace.Span
	pcm     []byte
	err     error
}

// New returns an idle orchestrator.
func New(config Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if config.PreContextFrames <= 0 {
		config.PreContextFrames = DefaultPreContextFrames
	}
	if deps.Prompt == nil {
		deps.Prompt = prompt.Streaming
	}
	return &Orchestrator{
		config: config,
		deps:   deps,
		logger: logger.With(slog.String("component", "turn")),
	}
}

// Begin sets the study type for turns opened from now on.
func (o *Orchestrator) Begin(studyType string) {
	o.studyType = studyType
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	if o.current == nil {
		return StateIdle
	}
	return o.current.State
}

// TurnCount returns the number of turns opened so far.
func (o *Orchestrator) TurnCount() int {
	return o.turnCount
}

// Current returns a copy of the live turn.
func (o *Orchestrator) Current() (Turn, bool) {
	if o.current == nil {
		return Turn{}, false
	}
	return *o.current, true
}

// Last returns the most recently finalized turn.
func (o *Orchestrator) Last() (Result, bool) {
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

// HandleFrame forwards frame to the live session, if any, then classifies it.
func (o *Orchestrator) HandleFrame(ctx context.Context, frame []byte) {
	frame = audio.PadFrame(frame)

	if o.current != nil {
		o.forward(ctx, frame)
	}

	edge := o.deps.Detector.Process(frame)
	if edge != vad.EdgeNone {
		o.deps.Metrics.RecordVADEdge(edge.String())
	}

	switch edge {
	case vad.EdgeSpeechStart:
		if o.current != nil {
			o.logger.Debug("Speech start during active turn ignored", slog.Int("turn", o.current.Number))
			return
		}
		o.open(ctx)
	case vad.EdgeSpeechEnd:
		if o.current != nil {
			o.finalize(ctx)
		}
	}
}

// Stop force-finalizes the live turn, if any, and returns the detector to
// silence so the next recording starts from a clean state. It runs to
// completion even when ctx is already cancelled so the session is always
// drained and released.
func (o *Orchestrator) Stop(ctx context.Context) {
	defer o.deps.Detector.Reset()

	if o.current == nil {
		return
	}
	o.logger.Info("Stopping active turn", slog.Int("turn", o.current.Number))
	o.finalize(ctx)
}

func (o *Orchestrator) open(ctx context.Context) {
	o.turnCount++
	o.current = &Turn{
		Number:    o.turnCount,
		StudyType: o.studyType,
		Language:  o.config.Language,
		State:     StateOpening,
		StartedAt: time.Now(),
	}
	o.pcm = nil
	o.err = nil
	o.deps.Metrics.RecordTurnStarted()

	ctx, o.span = tracer.Start(ctx, "turn.Run", trace.WithAttributes(
		attribute.Int("turn", o.current.Number),
		attribute.String("study_type", o.current.StudyType),
		attribute.String("language", o.current.Language),
	))

	o.logger.Info("Turn started",
		slog.Int("turn", o.current.Number),
		slog.String("study_type", o.current.StudyType),
	)

	sess, err := o.deps.Client.OpenSession(ctx, transcription.SessionConfig{
		StudyType: o.current.StudyType,
		Language:  o.current.Language,
		Prompt:    o.deps.Prompt(o.current.StudyType, o.current.Language),
	})
	if err != nil {
		o.fail("open", err)
	} else {
		o.session = sess
	}

	for _, frame := range o.deps.Detector.Tail(o.config.PreContextFrames) {
		o.forward(ctx, frame)
	}
	o.current.State = StateStreaming
}

// forward sends frame to the session and keeps it for the turn recording.
// After a failure frames are only kept.
func (o *Orchestrator) forward(ctx context.Context, frame []byte) {
	o.pcm = append(o.pcm, frame...)
	o.current.AudioBytes += len(frame)

	if o.session == nil || o.err != nil {
		return
	}
	if err := o.session.SendAudio(ctx, frame); err != nil {
		o.fail("send", err)
	}
}

func (o *Orchestrator) fail(op string, err error) {
	if o.err != nil {
		return
	}
	o.err = fmt.Errorf("%s turn %d: %w", op, o.current.Number, err)
	o.logger.Error("Turn transcription failed",
		slog.Int("turn", o.current.Number),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	if o.span != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
}

func (o *Orchestrator) finalize(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if o.span != nil {
		ctx = trace.ContextWithSpan(ctx, o.span)
	}

	t := o.current
	sess := o.session
	t.State = StateFinalizing

	defer func() {
		if sess != nil {
			if err := sess.Close(); err != nil {
				o.logger.Debug("Session close error", slog.Int("turn", t.Number), slog.String("error", err.Error()))
			}
		}
		t.State = StateClosed
		if o.span != nil {
			o.span.SetAttributes(attribute.Int("audio_bytes", t.AudioBytes))
			o.span.End()
		}
		o.current = nil
		o.session = nil
		o.span = nil
		o.pcm = nil
	}()

	raw := ""
	if sess != nil && o.err == nil {
		if err := sess.SignalEnd(ctx); err != nil {
			o.fail("signal end", err)
		} else {
			raw = o.drain(ctx, sess, t.Number)
		}
	}

	o.deps.Recorder.Save(t.Number, t.StartedAt, o.pcm)

	text, expansions := o.deps.Macros.ExpandDetailed(raw)
	for _, e := range expansions {
		o.deps.Metrics.RecordMacroExpansion(e.Stage.String())
	}

	if text != "" {
		o.send(ctx, protocol.FinalTranscript(text, t.Number))
	}
	o.deps.Accumulator.Add(ctx, text)
	o.deps.Detector.ClearBuffer()

	failed := o.err != nil
	o.deps.Metrics.RecordTurnFinished(failed, time.Since(t.StartedAt).Seconds(), t.AudioBytes)
	o.last = &Result{Turn: *t, Raw: raw, Text: text, Expansions: expansions, Err: o.err}
	o.last.Turn.State = StateClosed

	o.logger.Info("Turn finalized",
		slog.Int("turn", t.Number),
		slog.Int("audio_bytes", t.AudioBytes),
		slog.Int("chars", len(text)),
		slog.Int("macros", len(expansions)),
		slog.Bool("failed", failed),
	)
}

// drain collects session text until the collaborator reports completion or
// closes its event stream. Only the collaborator ends the drain.
func (o *Orchestrator) drain(ctx context.Context, sess transcription.Session, turnNumber int) string {
	var parts []string
	for e := range sess.Events() {
		if e.Text != "" {
			parts = append(parts, e.Text)
			if o.config.LivePartials {
				o.send(ctx, protocol.PartialTranscript(strings.Join(parts, " "), turnNumber))
			}
		}
		if e.Complete {
			break
		}
	}
	return strings.Join(parts, " ")
}

func (o *Orchestrator) send(ctx context.Context, event protocol.Event) {
	if o.deps.Sender == nil {
		return
	}
	if err := o.deps.Sender.SendEvent(ctx, event); err != nil {
		o.logger.Warn("Failed to send event",
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}
