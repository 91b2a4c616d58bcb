package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skypro1111/dictation-service/internal/protocol"
)

// Mode selects the accumulation policy.
type Mode string

const (
	ModeAppend Mode = "append"
	ModeRefine Mode = "refine"
)

// ErrClearUnsupported is returned by Clear on policies without an explicit clear.
var ErrClearUnsupported = errors.New("clear_transcript is only available in append mode")

// ParseMode converts a configuration or query value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAppend:
		return ModeAppend, nil
	case ModeRefine:
		return ModeRefine, nil
	default:
		return "", fmt.Errorf("unknown transcript mode %q", s)
	}
}

// Accumulator collects turn transcripts for one connection.
type Accumulator interface {
	Mode() Mode
	// Add records one turn's macro-expanded transcript.
	Add(ctx context.Context, segment string)
	// Text is the text the client currently sees for the session.
	Text() string
	// Finish runs the stop-recording step and returns the session output.
	Finish(ctx context.Context) (string, error)
	// Clear discards accumulated text.
	Clear(ctx context.Context) error
}

// Refiner polishes combined transcript text.
type Refiner interface {
	Refine(ctx context.Context, text string) (string, error)
}

// New returns the accumulator for mode. refiner is only used in refine mode.
func New(mode Mode, sender protocol.Sender, refiner Refiner, logger *slog.Logger) (Accumulator, error) {
	logger = logger.With(slog.String("mode", string(mode)))
	switch mode {
	case ModeAppend:
		return &Append{sender: sender, logger: logger}, nil
	case ModeRefine:
		if refiner == nil {
			return nil, fmt.Errorf("refine mode requires a refiner")
		}
		return &Refine{sender: sender, refiner: refiner, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown transcript mode %q", mode)
	}
}

func send(ctx context.Context, sender protocol.Sender, logger *slog.Logger, event protocol.Event) {
	if sender == nil {
		return
	}
	if err := sender.SendEvent(ctx, event); err != nil {
		logger.Warn("Failed to send event",
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Append concatenates turn transcripts verbatim.
type Append struct {
	sender protocol.Sender
	logger *slog.Logger
	text   string
}

func (a *Append) Mode() Mode { return ModeAppend }

// Add appends segment with a single separating space and publishes the
// running text. Empty segments change nothing.
func (a *Append) Add(ctx context.Context, segment string) {
	if segment == "" {
		return
	}
	if a.text == "" {
		a.text = segment
	} else {
		a.text += " " + segment
	}
	send(ctx, a.sender, a.logger, protocol.AccumulativeTranscript(a.text))
}

func (a *Append) Text() string { return a.text }

// Finish keeps the text; append sessions survive recording stops.
func (a *Append) Finish(_ context.Context) (string, error) {
	return a.text, nil
}

// Clear empties the running text and notifies the client.
func (a *Append) Clear(ctx context.Context) error {
	a.text = ""
	send(ctx, a.sender, a.logger, protocol.TranscriptCleared())
	return nil
}

// Refine buffers turns and polishes them when recording stops.
type Refine struct {
	sender   protocol.Sender
	refiner  Refiner
	logger   *slog.Logger
	segments []string
	output   string
}

func (r *Refine) Mode() Mode { return ModeRefine }

// Add buffers segment until Finish.
func (r *Refine) Add(_ context.Context, segment string) {
	r.segments = append(r.segments, segment)
}

// Text returns the buffered segments joined, or the last Finish output when
// nothing has been buffered since.
func (r *Refine) Text() string {
	if len(r.segments) == 0 {
		return r.output
	}
	return joinNonEmpty(r.segments)
}

// Finish deduplicates the buffered segments and refines the result. On
// refinement failure the deduplicated text is returned with the error and is
// kept as the session output.
func (r *Refine) Finish(ctx context.Context) (string, error) {
	segments := r.segments
	r.segments = nil

	if len(segments) == 0 {
		r.logger.Info("No segments to polish")
		send(ctx, r.sender, r.logger, protocol.Status("Keine Aufnahme zum Polieren"))
		return "", nil
	}

	combined := Dedup(joinNonEmpty(segments))
	if combined == "" {
		r.logger.Info("No content to polish")
		send(ctx, r.sender, r.logger, protocol.Status("Kein Inhalt zum Polieren"))
		return "", nil
	}
	r.output = combined

	send(ctx, r.sender, r.logger, protocol.Status("Polierung läuft..."))

	polished, err := r.refiner.Refine(ctx, combined)
	if err != nil {
		r.logger.Error("Polish failed", slog.String("error", err.Error()))
		send(ctx, r.sender, r.logger, protocol.Error("Fehler beim Polieren: "+err.Error()))
		return combined, fmt.Errorf("refine: %w", err)
	}

	r.logger.Info("Polish complete",
		slog.Int("input_chars", len(combined)),
		slog.Int("output_chars", len(polished)),
	)
	r.output = polished
	send(ctx, r.sender, r.logger, protocol.PolishedTranscript(polished))
	send(ctx, r.sender, r.logger, protocol.Status("Abgeschlossen"))
	return polished, nil
}

// Clear is not offered in refine mode.
func (r *Refine) Clear(_ context.Context) error {
	return ErrClearUnsupported
}

func joinNonEmpty(segments []string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Dedup splits text on ". ", drops sentences already seen (compared trimmed
// and lowercased, first occurrence kept), rejoins with ". " and ensures a
// trailing period on non-empty output.
func Dedup(text string) string {
	seen := make(map[string]struct{})
	var unique []string
	for _, sentence := range strings.Split(text, ". ") {
		sentence = strings.TrimSpace(sentence)
		key := strings.ToLower(sentence)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, sentence)
	}

	out := strings.Join(unique, ". ")
	if out != "" && !strings.HasSuffix(out, ".") {
		out += "."
	}
	return out
}
