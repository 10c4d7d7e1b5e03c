package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/sam2332/vtt-tts-llm-dm/internal/audio"
	"github.com/sam2332/vtt-tts-llm-dm/internal/bus"
	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
	"github.com/sam2332/vtt-tts-llm-dm/internal/decision"
	"github.com/sam2332/vtt-tts-llm-dm/internal/health"
	"github.com/sam2332/vtt-tts-llm-dm/internal/journal"
	"github.com/sam2332/vtt-tts-llm-dm/internal/llm"
	"github.com/sam2332/vtt-tts-llm-dm/internal/ml"
	"github.com/sam2332/vtt-tts-llm-dm/internal/natsserver"
	"github.com/sam2332/vtt-tts-llm-dm/internal/pipeline"
	"github.com/sam2332/vtt-tts-llm-dm/internal/protocol"
	"github.com/sam2332/vtt-tts-llm-dm/internal/session"
)

// Runtime assembles the listener: embedded bus, ml sidecar client,
// health monitor, session journal, decision engine, pipeline worker,
// and the audio chunk assembler fed from the bus.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	busClient   *bus.Client
	monitor     *health.Monitor
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the listener until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()
	r.busClient = busClient

	mlClient := ml.NewClient(r.cfg.ML, r.logger)

	r.monitor = health.NewMonitor(
		mlClient,
		time.Duration(r.cfg.ML.HealthIntervalMS)*time.Millisecond,
		r.logger,
		r.publishHealth,
	)
	r.monitor.Start(ctx)
	defer r.monitor.Stop()

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open session journal: %w", err)
	}
	defer store.Close()

	sessionID := uuid.NewString()
	recorder, err := journal.NewRecorder(store, sessionID, r.logger)
	if err != nil {
		return fmt.Errorf("start session journal: %w", err)
	}

	mode, err := session.ParseMode(r.cfg.Decision.InitialMode)
	if err != nil {
		return fmt.Errorf("initial scene mode: %w", err)
	}
	sess := session.NewContext(mode, r.cfg.Pipeline.UtteranceWindow)

	generator, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm generator: %w", err)
	}
	engine := decision.NewEngine(generator, r.cfg.Decision, r.cfg.LLM, r.logger)

	orch := pipeline.NewOrchestrator(
		r.cfg.Pipeline,
		r.cfg.Audio,
		pipeline.Services{
			Transcriber: mlClient,
			Diarizer:    mlClient,
			Intent:      mlClient,
			Knowledge:   mlClient,
			Synthesizer: mlClient,
		},
		r.monitor,
		sess,
		engine,
		r.logger,
	)
	orch.AddObserver(pipeline.NewBusPublisher(busClient, r.logger))
	orch.AddObserver(recorder)
	orch.Start(ctx)
	defer orch.Stop()

	gate := audio.NewGate(r.cfg.Audio)
	assembler := audio.NewAssembler(r.cfg.Audio, gate, r.logger, orch.OnChunk)
	assembler.Start()
	defer assembler.Stop()

	subs, err := r.subscribe(assembler, orch)
	if err != nil {
		return fmt.Errorf("subscribe control subjects: %w", err)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/services", r.handleServices)
	mux.HandleFunc("/v1/speakers/enroll", r.handleEnroll(mlClient))
	mux.HandleFunc("/v1/knowledge", r.handleAddKnowledge(mlClient))

	var metricsServer *http.Server
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			// Scrape endpoint on its own listener so it can stay
			// off the UI-facing port.
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			metricsServer = &http.Server{
				Addr:              bind,
				Handler:           metricsMux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					r.logger.Error("metrics server failed", slog.String("error", err.Error()))
				}
			}()
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("listener started",
		slog.String("addr", addr),
		slog.String("session_id", sessionID),
		slog.String("llm_mode", r.cfg.LLM.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("listener stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// subscribe attaches the bus-facing inputs: audio frames from capture
// sources and control messages from the UI.
func (r *Runtime) subscribe(assembler *audio.Assembler, orch *pipeline.Orchestrator) ([]*nats.Subscription, error) {
	conn := r.busClient.Conn()
	var subs []*nats.Subscription

	add := func(subject string, handler nats.MsgHandler) error {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
		return nil
	}

	if err := add(protocol.SubjectAudioFramePrefix+".>", func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			r.logger.Warn("bad audio frame", slog.String("error", err.Error()))
			return
		}
		assembler.Push(audio.DecodePCM16(frame.PCM))
	}); err != nil {
		return nil, err
	}

	if err := add(protocol.SubjectControlSceneMode, func(msg *nats.Msg) {
		var update protocol.SceneModeUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			r.logger.Warn("bad scene mode update", slog.String("error", err.Error()))
			return
		}
		mode, err := session.ParseMode(update.Mode)
		if err != nil {
			r.logger.Warn("rejected scene mode update", slog.String("error", err.Error()))
			return
		}
		orch.SetSceneMode(mode)
	}); err != nil {
		return nil, err
	}

	if err := add(protocol.SubjectControlSceneDescription, func(msg *nats.Msg) {
		var update protocol.SceneDescriptionUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			r.logger.Warn("bad scene description update", slog.String("error", err.Error()))
			return
		}
		orch.SetSceneDescription(update.Description)
	}); err != nil {
		return nil, err
	}

	if err := add(protocol.SubjectControlNPCs, func(msg *nats.Msg) {
		var update protocol.ActiveNPCUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			r.logger.Warn("bad npc update", slog.String("error", err.Error()))
			return
		}
		orch.SetActiveNPCs(update.NPCs)
	}); err != nil {
		return nil, err
	}

	if err := add(protocol.SubjectControlCharacter, func(msg *nats.Msg) {
		var update protocol.CharacterStatsUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			r.logger.Warn("bad character update", slog.String("error", err.Error()))
			return
		}
		orch.SetCharacterStats(update.Summary)
	}); err != nil {
		return nil, err
	}

	if err := add(protocol.SubjectControlClearHistory, func(*nats.Msg) {
		orch.ClearHistory()
	}); err != nil {
		return nil, err
	}

	if err := add(protocol.SubjectControlForceResponse, func(msg *nats.Msg) {
		var req protocol.ForceResponseRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				r.logger.Warn("bad force response request", slog.String("error", err.Error()))
				return
			}
		}
		orch.ForceResponse(req.Prompt)
	}); err != nil {
		return nil, err
	}

	return subs, nil
}

func (r *Runtime) publishHealth(sh protocol.ServiceHealth) {
	if r.busClient == nil {
		return
	}
	if err := r.busClient.PublishJSON(protocol.SubjectHealth, sh); err != nil {
		r.logger.Warn("publish health failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleServices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.monitor.Snapshot())
}

type enrollRequest struct {
	SpeakerID string `json:"speaker_id"`
	PCM       []byte `json:"pcm"`
}

// handleEnroll registers a speaker voiceprint from a 16-bit PCM sample.
func (r *Runtime) handleEnroll(client *ml.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body enrollRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.SpeakerID == "" || len(body.PCM) == 0 {
			http.Error(w, "speaker_id and pcm are required", http.StatusBadRequest)
			return
		}
		samples := audio.DecodePCM16(body.PCM)
		if err := client.EnrollSpeaker(req.Context(), body.SpeakerID, samples, r.cfg.Audio.SampleRate); err != nil {
			r.logger.Warn("speaker enrollment failed",
				slog.String("speaker_id", body.SpeakerID),
				slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		r.logger.Info("speaker enrolled", slog.String("speaker_id", body.SpeakerID))
		w.WriteHeader(http.StatusNoContent)
	}
}

type addKnowledgeRequest struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
}

// handleAddKnowledge stores a campaign note in the retrieval index.
func (r *Runtime) handleAddKnowledge(client *ml.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body addKnowledgeRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Content == "" {
			http.Error(w, "content is required", http.StatusBadRequest)
			return
		}
		if body.ID == "" {
			body.ID = uuid.NewString()
		}
		if err := client.AddKnowledge(req.Context(), body.ID, body.Category, body.Title, body.Content, body.Tags); err != nil {
			r.logger.Warn("add knowledge failed", slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": body.ID})
	}
}
