package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sam2332/vtt-tts-llm-dm/internal/audio"
	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
	"github.com/sam2332/vtt-tts-llm-dm/internal/decision"
	"github.com/sam2332/vtt-tts-llm-dm/internal/health"
	"github.com/sam2332/vtt-tts-llm-dm/internal/ml"
	"github.com/sam2332/vtt-tts-llm-dm/internal/protocol"
	"github.com/sam2332/vtt-tts-llm-dm/internal/session"
)

// Observer receives pipeline outputs in the order the source audio was
// captured. Implementations must not block for long; they run on the
// single pipeline worker.
type Observer interface {
	OnTranscriptSegment(protocol.TranscriptSegment)
	OnLowConfidenceSpeaker(protocol.LowConfidenceSpeaker)
	OnDMResponse(protocol.DMResponse)
}

// Services groups the model sidecar operations the pipeline consumes.
type Services struct {
	Transcriber ml.Transcriber
	Diarizer    ml.Diarizer
	Intent      ml.IntentDetector
	Knowledge   ml.KnowledgeSearcher
	Synthesizer ml.Synthesizer
}

// Decider is the slice of the decision engine the pipeline needs.
type Decider interface {
	Decide(ctx context.Context, snap session.Snapshot, knowledge []string) (decision.Decision, error)
	ClearHistory()
}

// ReadyChecker reports whether a named model service can take calls.
type ReadyChecker interface {
	Ready(name string) bool
}

// Orchestrator runs speech chunks through transcription, diarization,
// intent gating, knowledge retrieval, the decision engine, and speech
// synthesis. A single worker goroutine consumes a bounded chunk queue,
// so downstream consumers observe results in capture order. Control
// operations travel on a separate queue the worker drains between
// chunk runs.
type Orchestrator struct {
	cfg        config.PipelineConfig
	sampleRate int
	svc        Services
	ready      ReadyChecker
	sess       *session.Context
	decider    Decider
	observers  []Observer
	log        *slog.Logger
	metrics    *pipelineMetrics

	chunks   chan audio.SpeechChunk
	controls chan func(context.Context)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	clock func() time.Time
}

func NewOrchestrator(cfg config.PipelineConfig, audioCfg config.AudioConfig, svc Services, ready ReadyChecker, sess *session.Context, decider Decider, logger *slog.Logger) *Orchestrator {
	metrics, err := newPipelineMetrics()
	if err != nil {
		logger.Warn("pipeline metrics unavailable", slogError(err))
	}
	return &Orchestrator{
		cfg:        cfg,
		sampleRate: audioCfg.SampleRate,
		svc:        svc,
		ready:      ready,
		sess:       sess,
		decider:    decider,
		log:        logger.With(slog.String("component", "pipeline")),
		metrics:    metrics,
		chunks:     make(chan audio.SpeechChunk, cfg.QueueDepth),
		controls:   make(chan func(context.Context), 16),
		clock:      time.Now,
	}
}

// AddObserver registers an output sink. Not safe to call after Start.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observers = append(o.observers, obs)
}

func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.wg.Add(1)
	go o.run(ctx)
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
}

// OnChunk accepts a speech chunk for processing. It never blocks: when
// the queue is full the oldest pending chunk is discarded so the
// pipeline tracks live conversation instead of a growing backlog.
func (o *Orchestrator) OnChunk(chunk audio.SpeechChunk) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.metrics.addReceived(context.Background())
	for {
		select {
		case o.chunks <- chunk:
			return
		default:
		}
		select {
		case dropped := <-o.chunks:
			o.metrics.addDropped(context.Background())
			o.log.Warn("chunk queue full, dropping oldest",
				slog.Duration("dropped_duration", dropped.Duration))
		default:
		}
	}
}

// SetSceneMode switches the narration mode between chunk runs.
func (o *Orchestrator) SetSceneMode(mode session.Mode) {
	o.enqueueControl(func(context.Context) {
		o.sess.SetMode(mode)
		o.log.Info("scene mode updated", slog.String("mode", string(mode)))
	})
}

func (o *Orchestrator) SetSceneDescription(desc string) {
	o.enqueueControl(func(context.Context) {
		o.sess.SetSceneDescription(desc)
	})
}

func (o *Orchestrator) SetActiveNPCs(names []string) {
	o.enqueueControl(func(context.Context) {
		o.sess.SetActiveNPCs(names)
	})
}

func (o *Orchestrator) SetCharacterStats(summary string) {
	o.enqueueControl(func(context.Context) {
		o.sess.SetCharacterSummary(summary)
	})
}

// ClearHistory wipes the rolling utterance window and the decision
// engine's exchange history. Scene settings survive.
func (o *Orchestrator) ClearHistory() {
	o.enqueueControl(func(context.Context) {
		o.sess.Reset()
		o.decider.ClearHistory()
		o.log.Info("conversation history cleared")
	})
}

// ForceResponse runs retrieval, decision, and synthesis immediately,
// bypassing the intent gate. An empty seed falls back to the most
// recent utterance.
func (o *Orchestrator) ForceResponse(seed string) {
	o.enqueueControl(func(ctx context.Context) {
		query := strings.TrimSpace(seed)
		if query == "" {
			snap := o.sess.Snapshot()
			if n := len(snap.RecentUtterances); n > 0 {
				query = snap.RecentUtterances[n-1].Text
			}
		}
		o.log.Info("forced response requested", slog.String("query", query))
		o.respond(ctx, query)
	})
}

func (o *Orchestrator) enqueueControl(fn func(context.Context)) {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return
	}
	select {
	case o.controls <- fn:
	default:
		o.log.Warn("control queue full, dropping operation")
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		// Control operations take priority so scene updates land
		// before the next queued chunk is interpreted.
		select {
		case <-ctx.Done():
			return
		case fn := <-o.controls:
			fn(ctx)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case fn := <-o.controls:
			fn(ctx)
		case chunk := <-o.chunks:
			o.process(ctx, chunk)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, chunk audio.SpeechChunk) {
	start := o.clock()
	defer func() {
		o.metrics.observeRun(ctx, o.clock().Sub(start).Seconds())
	}()

	if !o.ready.Ready(health.ServiceTranscription) {
		o.metrics.addSkipped(ctx)
		o.log.Debug("transcription not ready, skipping chunk",
			slog.Duration("duration", chunk.Duration))
		return
	}

	tr, err := o.svc.Transcriber.Transcribe(ctx, chunk.Samples, o.sampleRate)
	if err != nil {
		o.metrics.addStageFailure(ctx, "transcribe")
		o.log.Warn("transcription failed", slogError(err))
		return
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}

	diar, err := o.svc.Diarizer.Diarize(ctx, chunk.Samples, o.sampleRate)
	if err != nil {
		o.metrics.addStageFailure(ctx, "diarize")
		o.log.Debug("diarization unavailable, labelling speaker unknown", slogError(err))
		diar = ml.FallbackDiarization()
	}

	o.sess.AppendUtterance(diar.SpeakerID, text)

	seg := protocol.TranscriptSegment{
		ID:         uuid.NewString(),
		SpeakerID:  diar.SpeakerID,
		Text:       text,
		Timestamp:  chunk.CapturedAt,
		Confidence: diar.Confidence,
	}
	o.metrics.addSegment(ctx)
	for _, obs := range o.observers {
		obs.OnTranscriptSegment(seg)
	}

	if diar.SpeakerID != ml.UnknownSpeaker && diar.Confidence < o.cfg.SpeakerThreshold {
		o.publishLowConfidence(seg, diar)
	}

	intent, err := o.svc.Intent.DetectIntent(ctx, text, o.cfg.IntentThreshold)
	if err != nil {
		o.metrics.addStageFailure(ctx, "intent")
		o.log.Warn("intent detection failed", slogError(err))
		return
	}
	if !intent.ShouldRespond {
		o.log.Debug("intent gate closed",
			slog.String("intent", intent.IntentType),
			slog.Float64("confidence", intent.Confidence))
		return
	}

	o.respond(ctx, text)
}

// respond runs knowledge retrieval, the decision engine, and speech
// synthesis for a single query. Retrieval and synthesis failures
// degrade the response; a decision failure aborts it.
func (o *Orchestrator) respond(ctx context.Context, query string) {
	var knowledge []string
	if query != "" {
		passages, err := o.svc.Knowledge.SearchKnowledge(ctx, query, o.cfg.KnowledgeLimit)
		if err != nil {
			o.metrics.addStageFailure(ctx, "knowledge")
			o.log.Warn("knowledge retrieval failed, continuing without context", slogError(err))
		} else {
			for _, p := range passages {
				knowledge = append(knowledge, p.Content)
			}
		}
	}

	snap := o.sess.Snapshot()
	d, err := o.decider.Decide(ctx, snap, knowledge)
	if err != nil {
		o.metrics.addStageFailure(ctx, "decision")
		o.log.Warn("decision engine failed", slogError(err))
		return
	}
	o.metrics.addDecision(ctx, string(d.Action))
	if d.Action != decision.ActionSpeak || strings.TrimSpace(d.Text) == "" {
		return
	}

	resp := protocol.DMResponse{
		ID:        uuid.NewString(),
		Text:      d.Text,
		NPCVoice:  d.NPCVoice,
		Timestamp: o.clock(),
	}
	voice := d.NPCVoice
	if voice == "" {
		voice = o.cfg.DefaultVoice
	}
	synth, err := o.svc.Synthesizer.Synthesize(ctx, d.Text, voice)
	if err != nil {
		o.metrics.addStageFailure(ctx, "synthesize")
		o.log.Warn("speech synthesis failed, delivering text only", slogError(err))
	} else {
		resp.Audio = synth.Audio
		resp.AudioFormat = synth.Format
	}

	o.metrics.addResponse(ctx)
	for _, obs := range o.observers {
		obs.OnDMResponse(resp)
	}
}

func (o *Orchestrator) publishLowConfidence(seg protocol.TranscriptSegment, diar ml.DiarizationResult) {
	candidates := []protocol.SpeakerCandidate{{SpeakerID: diar.SpeakerID, Confidence: diar.Confidence}}
	for _, alt := range diar.Alternatives {
		candidates = append(candidates, protocol.SpeakerCandidate{
			SpeakerID:  alt.SpeakerID,
			Confidence: alt.Confidence,
		})
	}
	advisory := protocol.LowConfidenceSpeaker{Segment: seg, Candidates: candidates}
	for _, obs := range o.observers {
		obs.OnLowConfidenceSpeaker(advisory)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
