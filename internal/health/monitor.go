package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sam2332/vtt-tts-llm-dm/internal/ml"
	"github.com/sam2332/vtt-tts-llm-dm/internal/protocol"
)

// States a monitored service moves through.
const (
	StateStarting = "starting"
	StateChecking = "checking"
	StateReady    = "ready"
	StateError    = "error"
	StateStopped  = "stopped"
)

// Service names the pipeline gates on.
const (
	ServiceTranscription = "transcription"
	ServiceDiarization   = "diarization"
	ServiceIntent        = "intent"
	ServiceKnowledge     = "knowledge"
	ServiceSynthesis     = "synthesis"
)

// sidecar health keys mapped onto pipeline service names. Diarization
// shares the embedding model with intent detection.
var sidecarServices = map[string][]string{
	"whisper":    {ServiceTranscription},
	"embeddings": {ServiceIntent, ServiceDiarization},
	"chromadb":   {ServiceKnowledge},
	"tts":        {ServiceSynthesis},
}

// Prober is the probe surface of the ml client.
type Prober interface {
	Health(ctx context.Context) (ml.HealthReport, error)
}

// Monitor polls the sidecar health endpoint and tracks a state machine
// per dependent service. The orchestrator reads it to short-circuit
// work when a dependency is down; state transitions are forwarded to
// onChange so the runtime can publish them to the UI.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *slog.Logger
	onChange func(protocol.ServiceHealth)

	mu       sync.RWMutex
	services map[string]protocol.ServiceHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time
}

func NewMonitor(prober Prober, interval time.Duration, log *slog.Logger, onChange func(protocol.ServiceHealth)) *Monitor {
	m := &Monitor{
		prober:   prober,
		interval: interval,
		log:      log.With(slog.String("component", "health-monitor")),
		onChange: onChange,
		services: make(map[string]protocol.ServiceHealth),
		clock:    time.Now,
	}
	for _, names := range sidecarServices {
		for _, name := range names {
			m.services[name] = protocol.ServiceHealth{Name: name, State: StateStarting, Timestamp: m.clock()}
		}
	}
	return m
}

// Start begins periodic probing. The first probe runs immediately.
func (m *Monitor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	m.transitionAll(StateChecking, "")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probe(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts probing and marks every service stopped.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, svc := range m.services {
		svc.State = StateStopped
		svc.Timestamp = m.clock()
		m.services[name] = svc
	}
}

func (m *Monitor) probe(ctx context.Context) {
	report, err := m.prober.Health(ctx)
	if err != nil {
		m.log.Warn("ml sidecar unreachable", slog.String("error", err.Error()))
		m.transitionAll(StateError, err.Error())
		return
	}

	for key, names := range sidecarServices {
		message := ""
		if loaded, known := report.Services[key]; known && !loaded {
			message = "model not yet loaded"
		}
		for _, name := range names {
			m.transition(name, StateReady, message)
		}
	}
}

func (m *Monitor) transitionAll(state, message string) {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.transition(name, state, message)
	}
}

func (m *Monitor) transition(name, state, message string) {
	m.mu.Lock()
	current := m.services[name]
	changed := current.State != state || current.Message != message
	current.Name = name
	current.State = state
	current.Message = message
	current.Timestamp = m.clock()
	m.services[name] = current
	m.mu.Unlock()

	// Checking is a transient probe state, not worth broadcasting.
	if changed && state != StateChecking && m.onChange != nil {
		m.onChange(current)
	}
	if changed && state == StateError {
		m.log.Warn("service unhealthy", slog.String("service", name), slog.String("message", message))
	}
}

// Ready reports whether the named service can accept work.
func (m *Monitor) Ready(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[name].State == StateReady
}

// Snapshot lists all tracked services in name order.
func (m *Monitor) Snapshot() []protocol.ServiceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.ServiceHealth, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
