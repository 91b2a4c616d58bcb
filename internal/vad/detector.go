package vad

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/dictation-service/internal/audio"
)

// Edge is the transition reported for a processed frame.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeSpeechStart
	EdgeSpeechEnd
)

func (e Edge) String() string {
	switch e {
	case EdgeSpeechStart:
		return "speech_start"
	case EdgeSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Defaults for Config fields left at zero.
const (
	DefaultEnergyThreshold = 0.01
	DefaultStartFrames     = 3
	DefaultEndFrames       = 7
	DefaultBufferCap       = 100
	DefaultBufferKeep      = 50
)

// Config holds detector thresholds.
type Config struct {
	EnergyThreshold float64
	StartFrames     int // consecutive loud frames before SpeechStart
	EndFrames       int // consecutive quiet frames before SpeechEnd
	BufferCap       int // buffer is trimmed once it exceeds this many frames
	BufferKeep      int // frames kept after a trim
}

func (c Config) withDefaults() Config {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.StartFrames <= 0 {
		c.StartFrames = DefaultStartFrames
	}
	if c.EndFrames <= 0 {
		c.EndFrames = DefaultEndFrames
	}
	if c.BufferCap <= 0 {
		c.BufferCap = DefaultBufferCap
	}
	if c.BufferKeep <= 0 || c.BufferKeep > c.BufferCap {
		c.BufferKeep = c.BufferCap / 2
	}
	return c
}

// Detector is a hysteresis RMS voice activity detector.
type Detector struct {
	config Config
	logger *slog.Logger

	speaking   bool
	speechRun  int
	silenceRun int
	buffer     [][]byte

	// Statistics
	framesProcessed uint64
	speechFrames    uint64
	starts          uint64
	ends            uint64
	faults          uint64

	mu sync.Mutex
}

// Stats represents detector statistics.
type Stats struct {
	FramesProcessed uint64  `json:"frames_processed"`
	SpeechFrames    uint64  `json:"speech_frames"`
	SpeechRatio     float64 `json:"speech_ratio"`
	SpeechStarts    uint64  `json:"speech_starts"`
	SpeechEnds      uint64  `json:"speech_ends"`
	Faults          uint64  `json:"faults"`
	Speaking        bool    `json:"speaking"`
	BufferedFrames  int     `json:"buffered_frames"`
}

// New creates a detector. Zero config fields take the package defaults.
func New(config Config, logger *slog.Logger) *Detector {
	return &Detector{
		config: config.withDefaults(),
		logger: logger,
	}
}

// Process classifies one frame and returns the resulting edge.
// Odd-length frames are padded before classification and buffering.
func (d *Detector) Process(frame []byte) Edge {
	frame = audio.PadFrame(frame)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.framesProcessed++
	d.appendFrame(frame)

	energy, err := audio.RMS(frame)
	if err != nil {
		d.faults++
		d.logger.Debug("Frame energy unavailable, treating as silence",
			slog.Int("frame_bytes", len(frame)),
			slog.String("error", err.Error()),
		)
		energy = 0
	}

	if energy > d.config.EnergyThreshold {
		d.speechFrames++
		d.speechRun++
		d.silenceRun = 0
		if !d.speaking && d.speechRun >= d.config.StartFrames {
			d.speaking = true
			d.starts++
			return EdgeSpeechStart
		}
		return EdgeNone
	}

	d.silenceRun++
	d.speechRun = 0
	if d.speaking && d.silenceRun >= d.config.EndFrames {
		d.speaking = false
		d.ends++
		return EdgeSpeechEnd
	}
	return EdgeNone
}

func (d *Detector) appendFrame(frame []byte) {
	d.buffer = append(d.buffer, frame)
	if len(d.buffer) > d.config.BufferCap {
		keep := make([][]byte, d.config.BufferKeep)
		copy(keep, d.buffer[len(d.buffer)-d.config.BufferKeep:])
		d.buffer = keep
	}
}

// Buffer returns a snapshot of the buffered frames, oldest first.
func (d *Detector) Buffer() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([][]byte, len(d.buffer))
	copy(out, d.buffer)
	return out
}

// Tail returns up to the last n buffered frames in chronological order.
func (d *Detector) Tail(n int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n > len(d.buffer) {
		n = len(d.buffer)
	}
	if n <= 0 {
		return nil
	}
	out := make([][]byte, n)
	copy(out, d.buffer[len(d.buffer)-n:])
	return out
}

// ClearBuffer drops all buffered frames. Speech state is kept.
func (d *Detector) ClearBuffer() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buffer = nil
}

// Speaking reports whether the detector is currently in the speaking state.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset returns the detector to silence and empties the buffer.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.speaking = false
	d.speechRun = 0
	d.silenceRun = 0
	d.buffer = nil
}

// Stats returns detector statistics.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ratio float64
	if d.framesProcessed > 0 {
		ratio = float64(d.speechFrames) / float64(d.framesProcessed)
	}

	return Stats{
		FramesProcessed: d.framesProcessed,
		SpeechFrames:    d.speechFrames,
		SpeechRatio:     ratio,
		SpeechStarts:    d.starts,
		SpeechEnds:      d.ends,
		Faults:          d.faults,
		Speaking:        d.speaking,
		BufferedFrames:  len(d.buffer),
	}
}

// String implements fmt.Stringer for log output.
func (d *Detector) String() string {
	s := d.Stats()
	return fmt.Sprintf("vad(speaking=%t frames=%d starts=%d ends=%d)",
		s.Speaking, s.FramesProcessed, s.SpeechStarts, s.SpeechEnds)
}
