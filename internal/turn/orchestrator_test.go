package turn

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/skypro1111/dictation-service/internal/macro"
	"github.com/skypro1111/dictation-service/internal/protocol"
	"github.com/skypro1111/dictation-service/internal/transcript"
	"github.com/skypro1111/dictation-service/internal/transcription"
	"github.com/skypro1111/dictation-service/internal/vad"
)

const samplesPerFrame = 480

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// frame returns a constant-amplitude frame. Amplitudes below ~300 stay under
// the default energy threshold; distinct values keep frames distinguishable.
func frame(amplitude int16) []byte {
	buf := make([]byte, samplesPerFrame*2)
	for i := 0; i < samplesPerFrame; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func quiet(i int) []byte { return frame(int16(i + 1)) }
func loud(i int) []byte  { return frame(int16(8000 + i)) }

type fakeSession struct {
	mu         sync.Mutex
	frames     [][]byte
	script     []transcription.Event
	closeAfter bool // close the channel after the script instead of waiting for Close
	sendErr    error
	signalErr  error
	signals    int
	closes     int
	events     chan transcription.Event
}

func (s *fakeSession) SendAudio(_ context.Context, f []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, append([]byte(nil), f...))
	return nil
}

func (s *fakeSession) SignalEnd(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals++
	if s.signalErr != nil {
		return s.signalErr
	}
	for _, e := range s.script {
		s.events <- e
	}
	if s.closeAfter {
		close(s.events)
	}
	return nil
}

func (s *fakeSession) Events() <-chan transcription.Event { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fakeClient struct {
	sessions []*fakeSession
	configs  []transcription.SessionConfig
	openErr  error
	newSess  func() *fakeSession
}

func (c *fakeClient) OpenSession(_ context.Context, cfg transcription.SessionConfig) (transcription.Session, error) {
	c.configs = append(c.configs, cfg)
	if c.openErr != nil {
		return nil, c.openErr
	}
	s := c.newSess()
	if s.events == nil {
		s.events = make(chan transcription.Event, 16)
	}
	c.sessions = append(c.sessions, s)
	return s, nil
}

type recordingSender struct {
	events []protocol.Event
}

func (r *recordingSender) SendEvent(_ context.Context, e protocol.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSender) ofType(t protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	client   *fakeClient
	sender   *recordingSender
	acc      transcript.Accumulator
	detector *vad.Detector
}

func newFixture(t *testing.T, client *fakeClient, live bool) *fixture {
	t.Helper()

	matcher, err := macro.NewMatcher(macro.Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}
	matcher.Load([]macro.Entry{{Phrase: "normal", Expansion: "Keine Auffälligkeiten."}})

	sender := &recordingSender{}
	acc, err := transcript.New(transcript.ModeAppend, sender, nil, testLogger())
	if err != nil {
		t.Fatalf("transcript.New failed: %v", err)
	}
	detector := vad.New(vad.Config{}, testLogger())

	orch := New(Config{Language: "de-DE", LivePartials: live}, Deps{
		Client:      client,
		Detector:    detector,
		Macros:      matcher,
		Accumulator: acc,
		Sender:      sender,
		Prompt:      func(studyType, language string) string { return "prompt:" + studyType },
	}, testLogger())
	orch.Begin("CT Thorax")

	return &fixture{orch: orch, client: client, sender: sender, acc: acc, detector: detector}
}

func (f *fixture) feed(ctx context.Context, frames ...[]byte) {
	for _, fr := range frames {
		f.orch.HandleFrame(ctx, fr)
	}
}

func scripted(events ...transcription.Event) func() *fakeSession {
	return func() *fakeSession { return &fakeSession{script: events} }
}

func TestPreRoll(t *testing.T) {
	tests := []struct {
		name       string
		quietLead  int
		preContext int
		wantQuiet  int // quiet frames expected at the head of the session
	}{
		{name: "full pre-roll", quietLead: 10, preContext: 5, wantQuiet: 2},
		{name: "buffer shorter than pre-context", quietLead: 0, preContext: 5, wantQuiet: 0},
		{name: "larger pre-context", quietLead: 4, preContext: 8, wantQuiet: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{newSess: scripted()}
			f := newFixture(t, client, false)
			f.orch.config.PreContextFrames = tt.preContext
			ctx := context.Background()

			for i := 0; i < tt.quietLead; i++ {
				f.feed(ctx, quiet(i))
			}
			f.feed(ctx, loud(0), loud(1), loud(2))

			if f.orch.State() != StateStreaming {
				t.Fatalf("Expected streaming, got %s", f.orch.State())
			}
			if len(client.sessions) != 1 {
				t.Fatalf("Expected 1 session, got %d", len(client.sessions))
			}

			want := f.detector.Tail(tt.preContext)
			got := client.sessions[0].frames
			if len(got) != len(want) {
				t.Fatalf("Expected %d pre-roll frames, got %d", len(want), len(got))
			}
			for i := range want {
				if !bytes.Equal(got[i], want[i]) {
					t.Errorf("pre-roll frame %d differs", i)
				}
			}
			if !bytes.Equal(got[len(got)-1], loud(2)) {
				t.Error("Pre-roll must end with the triggering frame")
			}
			for i := 0; i < tt.wantQuiet; i++ {
				if bytes.Equal(got[i], loud(0)) {
					t.Errorf("frame %d: expected quiet lead-in", i)
				}
			}

			f.feed(ctx, loud(3))
			if n := len(client.sessions[0].frames); n != len(want)+1 {
				t.Errorf("Expected in-turn frame forwarded, have %d frames", n)
			}
		})
	}
}

func TestTurnLifecycle(t *testing.T) {
	client := &fakeClient{newSess: scripted(
		transcription.Event{Text: "Befund", Final: true},
		transcription.Event{Text: "makro normal", Final: true},
		transcription.Event{Complete: true},
	)}
	f := newFixture(t, client, false)
	ctx := context.Background()

	f.feed(ctx, quiet(0), loud(0), loud(1), loud(2))
	for i := 0; i < 6; i++ {
		f.feed(ctx, quiet(i))
	}
	if f.orch.State() != StateStreaming {
		t.Fatalf("Six quiet frames must not end the turn, state %s", f.orch.State())
	}
	f.feed(ctx, quiet(6))

	if f.orch.State() != StateIdle {
		t.Fatalf("Expected idle after speech end, got %s", f.orch.State())
	}

	sess := client.sessions[0]
	if sess.signals != 1 || sess.closes != 1 {
		t.Errorf("Expected one SignalEnd and one Close, got %d and %d", sess.signals, sess.closes)
	}

	cfg := client.configs[0]
	if cfg.StudyType != "CT Thorax" || cfg.Language != "de-DE" || cfg.Prompt != "prompt:CT Thorax" {
		t.Errorf("Unexpected session config %+v", cfg)
	}

	finals := f.sender.ofType(protocol.EventFinalTranscript)
	if len(finals) != 1 {
		t.Fatalf("Expected one final transcript, got %+v", f.sender.events)
	}
	if finals[0].Text != "Befund Keine Auffälligkeiten." || finals[0].Turn != 1 {
		t.Errorf("Unexpected final transcript %+v", finals[0])
	}
	if f.acc.Text() != "Befund Keine Auffälligkeiten." {
		t.Errorf("Accumulator text %q", f.acc.Text())
	}
	if len(f.sender.ofType(protocol.EventPartialTranscript)) != 0 {
		t.Error("No partials expected without live mode")
	}

	if len(f.detector.Buffer()) != 0 {
		t.Error("Detector buffer must be cleared after a turn")
	}

	last, ok := f.orch.Last()
	if !ok || last.Raw != "Befund makro normal" || len(last.Expansions) != 1 || last.Err != nil {
		t.Errorf("Unexpected last result %+v", last)
	}
	if last.Turn.AudioBytes != 11*samplesPerFrame*2 {
		t.Errorf("Expected %d audio bytes, got %d", 11*samplesPerFrame*2, last.Turn.AudioBytes)
	}
}

func TestLivePartials(t *testing.T) {
	client := &fakeClient{newSess: scripted(
		transcription.Event{Text: "Lunge", Final: true},
		transcription.Event{Text: "frei.", Final: true},
		transcription.Event{Complete: true},
	)}
	f := newFixture(t, client, true)
	ctx := context.Background()

	f.feed(ctx, loud(0), loud(1), loud(2))
	f.orch.Stop(ctx)

	partials := f.sender.ofType(protocol.EventPartialTranscript)
	if len(partials) != 2 {
		t.Fatalf("Expected 2 partials, got %+v", partials)
	}
	if partials[0].Text != "Lunge" || partials[1].Text != "Lunge frei." {
		t.Errorf("Unexpected partial texts %q, %q", partials[0].Text, partials[1].Text)
	}
}

func TestStopFinalizesOnceAfterDisconnect(t *testing.T) {
	client := &fakeClient{newSess: scripted(
		transcription.Event{Text: "Leber normal.", Final: true},
		transcription.Event{Complete: true},
	)}
	f := newFixture(t, client, false)

	ctx, cancel := context.WithCancel(context.Background())
	f.feed(ctx, loud(0), loud(1), loud(2), loud(3))
	cancel()

	f.orch.Stop(ctx)
	f.orch.Stop(ctx)

	sess := client.sessions[0]
	if sess.signals != 1 || sess.closes != 1 {
		t.Errorf("Expected exactly one finalize and one close, got %d and %d", sess.signals, sess.closes)
	}
	if finals := f.sender.ofType(protocol.EventFinalTranscript); len(finals) != 1 || finals[0].Text != "Leber normal." {
		t.Errorf("Expected transcript collected despite cancelled ctx, got %+v", finals)
	}
	if f.orch.State() != StateIdle || f.orch.TurnCount() != 1 {
		t.Errorf("Unexpected state %s, turns %d", f.orch.State(), f.orch.TurnCount())
	}
}

func TestStopResetsDetector(t *testing.T) {
	client := &fakeClient{newSess: scripted(transcription.Event{Complete: true})}
	f := newFixture(t, client, false)
	ctx := context.Background()

	f.feed(ctx, loud(0), loud(1), loud(2), loud(3))
	f.orch.Stop(ctx)

	if f.detector.Speaking() {
		t.Fatal("Detector still speaking after Stop")
	}

	// The next utterance must open a turn without first waiting out silence.
	f.feed(ctx, loud(4), loud(5), loud(6))
	if f.orch.State() != StateStreaming || f.orch.TurnCount() != 2 {
		t.Errorf("Expected a second streaming turn, got state %s, turns %d", f.orch.State(), f.orch.TurnCount())
	}
	f.orch.Stop(ctx)
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	client := &fakeClient{newSess: scripted()}
	f := newFixture(t, client, false)

	f.orch.Stop(context.Background())
	if len(client.configs) != 0 || len(f.sender.events) != 0 {
		t.Error("Stop while idle must not touch collaborators")
	}
}

func TestEventStreamClosedWithoutComplete(t *testing.T) {
	client := &fakeClient{newSess: func() *fakeSession {
		return &fakeSession{
			script:     []transcription.Event{{Text: "Teil", Final: true}},
			closeAfter: true,
		}
	}}
	f := newFixture(t, client, false)
	ctx := context.Background()

	f.feed(ctx, loud(0), loud(1), loud(2))
	f.orch.Stop(ctx)

	if last, _ := f.orch.Last(); last.Text != "Teil" {
		t.Errorf("Expected text collected so far, got %q", last.Text)
	}
}

func TestFailuresYieldEmptyTranscript(t *testing.T) {
	tests := []struct {
		name        string
		client      *fakeClient
		wantSignals int
	}{
		{
			name:   "open fails",
			client: &fakeClient{openErr: errors.New("dial refused")},
		},
		{
			name: "send fails",
			client: &fakeClient{newSess: func() *fakeSession {
				return &fakeSession{sendErr: errors.New("broken pipe"), script: []transcription.Event{{Text: "x"}}}
			}},
		},
		{
			name: "signal end fails",
			client: &fakeClient{newSess: func() *fakeSession {
				return &fakeSession{signalErr: errors.New("closed"), script: []transcription.Event{{Text: "x"}}}
			}},
			wantSignals: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.client, false)
			ctx := context.Background()

			f.feed(ctx, loud(0), loud(1), loud(2), loud(3))
			for i := 0; i < 7; i++ {
				f.feed(ctx, quiet(i))
			}

			if f.orch.State() != StateIdle {
				t.Fatalf("Expected idle after failed turn, got %s", f.orch.State())
			}
			last, ok := f.orch.Last()
			if !ok || last.Err == nil || last.Text != "" {
				t.Errorf("Expected failed empty turn, got %+v", last)
			}
			if len(f.sender.ofType(protocol.EventFinalTranscript)) != 0 {
				t.Error("No final transcript expected for a failed turn")
			}
			for _, s := range tt.client.sessions {
				if s.closes != 1 {
					t.Errorf("Expected session closed once, got %d", s.closes)
				}
				if s.signals != tt.wantSignals {
					t.Errorf("Expected %d SignalEnd calls, got %d", tt.wantSignals, s.signals)
				}
			}
			if len(f.detector.Buffer()) != 0 {
				t.Error("Detector buffer must be cleared after a failed turn")
			}
		})
	}
}

func TestTurnNumbersIncrease(t *testing.T) {
	client := &fakeClient{newSess: scripted(
		transcription.Event{Text: "Satz.", Final: true},
		transcription.Event{Complete: true},
	)}
	f := newFixture(t, client, false)
	ctx := context.Background()

	for turn := 0; turn < 3; turn++ {
		f.feed(ctx, loud(0), loud(1), loud(2))
		for i := 0; i < 7; i++ {
			f.feed(ctx, quiet(i))
		}
	}

	finals := f.sender.ofType(protocol.EventFinalTranscript)
	if len(finals) != 3 {
		t.Fatalf("Expected 3 final transcripts, got %d", len(finals))
	}
	for i, e := range finals {
		if e.Turn != i+1 {
			t.Errorf("final %d: turn %d", i, e.Turn)
		}
	}
	if f.acc.Text() != "Satz. Satz. Satz." {
		t.Errorf("Unexpected accumulated text %q", f.acc.Text())
	}
}

func TestStateString(t *testing.T) {
	if StateFinalizing.String() != "finalizing" || State(42).String() != "state(42)" {
		t.Error("Unexpected state names")
	}
}
