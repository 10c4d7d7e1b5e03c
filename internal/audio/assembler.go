package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
)

// SpeechChunk is one voice-bearing window of captured audio. It is
// immutable once emitted.
type SpeechChunk struct {
	Samples    []float32
	CapturedAt time.Time
	Duration   time.Duration
}

// Assembler buffers pushed samples and emits a SpeechChunk on a fixed
// interval whenever the gate detects voice in the accumulated window.
type Assembler struct {
	cfg     config.AudioConfig
	gate    *Gate
	log     *slog.Logger
	onChunk func(SpeechChunk)

	mu      sync.Mutex
	buf     []float32
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
	clock   func() time.Time
}

func NewAssembler(cfg config.AudioConfig, gate *Gate, log *slog.Logger, onChunk func(SpeechChunk)) *Assembler {
	return &Assembler{
		cfg:     cfg,
		gate:    gate,
		log:     log.With(slog.String("component", "chunk-assembler")),
		onChunk: onChunk,
		clock:   time.Now,
	}
}

// Push appends captured samples in arrival order. Samples pushed while
// the assembler is stopped are discarded.
func (a *Assembler) Push(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.buf = append(a.buf, samples...)
}

// Start begins the emission timer. Calling Start on a running assembler
// is a no-op.
func (a *Assembler) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	interval := time.Duration(a.cfg.ChunkIntervalMS) * time.Millisecond
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-done:
				return
			}
		}
	}()
	a.log.Info("chunk assembler started", slog.Int("interval_ms", a.cfg.ChunkIntervalMS))
}

// Stop halts the timer and flushes any remaining buffered audio through
// the same gate-and-emit path, so trailing speech is not lost. Stop is
// idempotent: a second call finds nothing buffered and emits nothing.
func (a *Assembler) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.done)
	a.mu.Unlock()

	a.wg.Wait()
	a.flush()
	a.log.Info("chunk assembler stopped")
}

// flush concatenates the buffered samples, clears the buffer, and emits
// a chunk only when the gate accepts the window.
func (a *Assembler) flush() {
	a.mu.Lock()
	buf := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(buf) == 0 {
		return
	}
	if !a.gate.Classify(buf) {
		return
	}

	duration := time.Duration(len(buf)) * time.Second / time.Duration(a.cfg.SampleRate)
	a.onChunk(SpeechChunk{
		Samples:    buf,
		CapturedAt: a.clock(),
		Duration:   duration,
	})
}
