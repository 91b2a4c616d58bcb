package audio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecorderConfig controls where turn audio is persisted.
type RecorderConfig struct {
	Enabled    bool
	OutputDir  string
	SampleRate int
	QueueSize  int
	OnDrop     func() // called when a recording is dropped, may be nil
}

// TurnFileName returns the file name for a turn's audio.
func TurnFileName(turnNumber int, startedAt time.Time) string {
	return fmt.Sprintf("turn_%03d_%s.wav", turnNumber, startedAt.Format("20060102_150405"))
}

type recording struct {
	name string
	pcm  []byte
}

// Recorder persists turn audio as WAV files on a background worker.
// Save never blocks the caller; a full queue drops the recording.
type Recorder struct {
	config RecorderConfig
	logger *slog.Logger

	queue chan recording
	wg    sync.WaitGroup
	once  sync.Once

	mu      sync.Mutex
	closed  bool
	written uint64
	dropped uint64
	failed  uint64
}

// RecorderStats reports recorder counters.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

// NewRecorder starts the recorder worker. A disabled recorder accepts and discards everything.
func NewRecorder(config RecorderConfig, logger *slog.Logger) (*Recorder, error) {
	if config.SampleRate <= 0 {
		config.SampleRate = SampleRate
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 16
	}

	r := &Recorder{
		config: config,
		logger: logger.With(slog.String("component", "recorder")),
	}
	if !config.Enabled {
		return r, nil
	}

	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio output dir %s: %w", config.OutputDir, err)
	}

	r.queue = make(chan recording, config.QueueSize)
	r.wg.Add(1)
	go r.worker()

	return r, nil
}

// Save queues pcm for the given turn.
func (r *Recorder) Save(turnNumber int, startedAt time.Time, pcm []byte) {
	if r == nil || r.queue == nil || len(pcm) == 0 {
		return
	}

	rec := recording{name: TurnFileName(turnNumber, startedAt), pcm: pcm}

	// The send happens under mu so Close cannot close the queue mid-send.
	r.mu.Lock()
	if r.closed {
		r.dropped++
		r.mu.Unlock()
		r.drop(rec, "Recorder closed, dropping turn audio")
		return
	}
	select {
	case r.queue <- rec:
		r.mu.Unlock()
	default:
		r.dropped++
		r.mu.Unlock()
		r.drop(rec, "Recorder queue full, dropping turn audio")
	}
}

func (r *Recorder) drop(rec recording, msg string) {
	if r.config.OnDrop != nil {
		r.config.OnDrop()
	}
	r.logger.Warn(msg,
		slog.String("file", rec.name),
		slog.Int("bytes", len(rec.pcm)),
	)
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for rec := range r.queue {
		path := filepath.Join(r.config.OutputDir, rec.name)
		if err := r.write(path, rec.pcm); err != nil {
			r.mu.Lock()
			r.failed++
			r.mu.Unlock()
			r.logger.Error("Failed to save turn audio",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.mu.Lock()
		r.written++
		r.mu.Unlock()
		r.logger.Debug("Turn audio saved", slog.String("path", path), slog.Int("bytes", len(rec.pcm)))
	}
}

func (r *Recorder) write(path string, pcm []byte) error {
	data, err := EncodeWAV(pcm, r.config.SampleRate)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Stats returns a snapshot of recorder counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RecorderStats{
		Written: r.written,
		Dropped: r.dropped,
		Failed:  r.failed,
		Pending: len(r.queue),
	}
}

// Close drains queued recordings and stops the worker. Later Saves are
// counted as dropped.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		if r.queue != nil {
			close(r.queue)
		}
		r.mu.Unlock()
		r.wg.Wait()
	})
}
