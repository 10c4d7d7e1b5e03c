package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sam2332/vtt-tts-llm-dm/internal/audio"
	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
	"github.com/sam2332/vtt-tts-llm-dm/internal/decision"
	"github.com/sam2332/vtt-tts-llm-dm/internal/ml"
	"github.com/sam2332/vtt-tts-llm-dm/internal/protocol"
	"github.com/sam2332/vtt-tts-llm-dm/internal/session"
)

type fakeML struct {
	mu sync.Mutex

	texts       map[float32]string
	delays      map[float32]time.Duration
	started     chan float32
	transcribed int

	diarResult ml.DiarizationResult
	diarErr    error

	intentResult ml.IntentResult
	intentErr    error
	intentCalls  int

	passages     []ml.KnowledgePassage
	knowledgeErr error
	lastQuery    string

	audio    []byte
	synthErr error
	synthed  int
}

func (f *fakeML) Transcribe(ctx context.Context, samples []float32, sampleRate int) (ml.TranscriptionResult, error) {
	key := samples[0]
	f.mu.Lock()
	text := f.texts[key]
	delay := f.delays[key]
	started := f.started
	f.transcribed++
	f.mu.Unlock()
	if started != nil {
		started <- key
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return ml.TranscriptionResult{Text: text}, nil
}

func (f *fakeML) Diarize(ctx context.Context, samples []float32, sampleRate int) (ml.DiarizationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.diarErr != nil {
		return ml.DiarizationResult{}, f.diarErr
	}
	return f.diarResult, nil
}

func (f *fakeML) DetectIntent(ctx context.Context, text string, threshold float64) (ml.IntentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentCalls++
	if f.intentErr != nil {
		return ml.IntentResult{}, f.intentErr
	}
	return f.intentResult, nil
}

func (f *fakeML) SearchKnowledge(ctx context.Context, query string, limit int) ([]ml.KnowledgePassage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = query
	if f.knowledgeErr != nil {
		return nil, f.knowledgeErr
	}
	return f.passages, nil
}

func (f *fakeML) Synthesize(ctx context.Context, text, voice string) (ml.SynthesisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthed++
	if f.synthErr != nil {
		return ml.SynthesisResult{}, f.synthErr
	}
	return ml.SynthesisResult{Audio: f.audio, Format: "wav"}, nil
}

func (f *fakeML) query() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

func (f *fakeML) intents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intentCalls
}

type fakeDecider struct {
	mu       sync.Mutex
	decision decision.Decision
	err      error
	calls    int
	cleared  int
	lastSnap session.Snapshot
}

func (f *fakeDecider) Decide(ctx context.Context, snap session.Snapshot, knowledge []string) (decision.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSnap = snap
	if f.err != nil {
		return decision.Decision{}, f.err
	}
	return f.decision, nil
}

func (f *fakeDecider) ClearHistory() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeDecider) decided() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReady struct {
	mu    sync.Mutex
	ready bool
}

func (f *fakeReady) Ready(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

type recorder struct {
	mu         sync.Mutex
	segments   []protocol.TranscriptSegment
	advisories []protocol.LowConfidenceSpeaker
	responses  []protocol.DMResponse
}

func (r *recorder) OnTranscriptSegment(seg protocol.TranscriptSegment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
}

func (r *recorder) OnLowConfidenceSpeaker(adv protocol.LowConfidenceSpeaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advisories = append(r.advisories, adv)
}

func (r *recorder) OnDMResponse(resp protocol.DMResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
}

func (r *recorder) segmentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.segments))
	for i, s := range r.segments {
		out[i] = s.Text
	}
	return out
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments), len(r.advisories), len(r.responses)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		QueueDepth:       4,
		SpeakerThreshold: 0.6,
		IntentThreshold:  0.75,
		KnowledgeLimit:   3,
		UtteranceWindow:  10,
		DefaultVoice:     "default",
	}
}

func chunkWith(key float32) audio.SpeechChunk {
	samples := make([]float32, 64)
	for i := range samples {
		samples[i] = key
	}
	return audio.SpeechChunk{
		Samples:    samples,
		CapturedAt: time.Now(),
		Duration:   time.Second,
	}
}

type harness struct {
	orch *Orchestrator
	fake *fakeML
	dec  *fakeDecider
	rdy  *fakeReady
	rec  *recorder
	sess *session.Context
}

func newHarness(t *testing.T, cfg config.PipelineConfig) *harness {
	t.Helper()
	fake := &fakeML{
		texts:        map[float32]string{},
		delays:       map[float32]time.Duration{},
		diarResult:   ml.DiarizationResult{SpeakerID: "alice", Confidence: 0.9},
		intentResult: ml.IntentResult{ShouldRespond: true, Confidence: 0.95, IntentType: "question"},
		audio:        []byte("fake-wav"),
	}
	dec := &fakeDecider{decision: decision.Decision{Action: decision.ActionSpeak, Text: "The door creaks open."}}
	rdy := &fakeReady{ready: true}
	rec := &recorder{}
	sess := session.NewContext(session.ModeExploration, cfg.UtteranceWindow)

	svc := Services{
		Transcriber: fake,
		Diarizer:    fake,
		Intent:      fake,
		Knowledge:   fake,
		Synthesizer: fake,
	}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	orch := NewOrchestrator(cfg, config.AudioConfig{SampleRate: 16000}, svc, rdy, sess, dec, logger)
	orch.AddObserver(rec)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)
	return &harness{orch: orch, fake: fake, dec: dec, rdy: rdy, rec: rec, sess: sess}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestChunkProducesSegmentAndResponse(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "what lurks behind the door"

	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { _, _, r := h.rec.counts(); return r == 1 })

	segs, advisories, _ := h.rec.counts()
	if segs != 1 || advisories != 0 {
		t.Fatalf("expected 1 segment and no advisories, got %d/%d", segs, advisories)
	}
	h.rec.mu.Lock()
	seg := h.rec.segments[0]
	resp := h.rec.responses[0]
	h.rec.mu.Unlock()
	if seg.SpeakerID != "alice" || seg.Text != "what lurks behind the door" {
		t.Fatalf("unexpected segment: %+v", seg)
	}
	if seg.ID == "" || resp.ID == "" {
		t.Fatalf("expected generated ids")
	}
	if resp.Text != "The door creaks open." || string(resp.Audio) != "fake-wav" || resp.AudioFormat != "wav" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := h.fake.query(); got != "what lurks behind the door" {
		t.Fatalf("knowledge queried with %q", got)
	}
}

func TestCaptureOrderSurvivesSlowTranscription(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "first utterance"
	h.fake.texts[2] = "second utterance"
	h.fake.texts[3] = "third utterance"
	h.fake.delays[1] = 80 * time.Millisecond

	h.orch.OnChunk(chunkWith(1))
	h.orch.OnChunk(chunkWith(2))
	h.orch.OnChunk(chunkWith(3))
	waitFor(t, func() bool { s, _, _ := h.rec.counts(); return s == 3 })

	got := h.rec.segmentTexts()
	want := []string{"first utterance", "second utterance", "third utterance"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUnreadyTranscriptionSkipsChunk(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.rdy.mu.Lock()
	h.rdy.ready = false
	h.rdy.mu.Unlock()
	h.fake.texts[1] = "ignored"

	h.orch.OnChunk(chunkWith(1))
	time.Sleep(50 * time.Millisecond)

	segs, _, resps := h.rec.counts()
	if segs != 0 || resps != 0 {
		t.Fatalf("expected nothing published, got %d segments %d responses", segs, resps)
	}
	h.fake.mu.Lock()
	transcribed := h.fake.transcribed
	h.fake.mu.Unlock()
	if transcribed != 0 {
		t.Fatalf("transcriber called %d times while unready", transcribed)
	}
}

func TestEmptyTranscriptStopsChunk(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "   "

	h.orch.OnChunk(chunkWith(1))
	time.Sleep(50 * time.Millisecond)

	segs, _, resps := h.rec.counts()
	if segs != 0 || resps != 0 {
		t.Fatalf("blank transcript should publish nothing, got %d/%d", segs, resps)
	}
}

func TestDiarizationFailureFallsBackToUnknown(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "hello"
	h.fake.diarErr = fmt.Errorf("no speakers enrolled")

	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { s, _, _ := h.rec.counts(); return s == 1 })

	h.rec.mu.Lock()
	seg := h.rec.segments[0]
	h.rec.mu.Unlock()
	if seg.SpeakerID != ml.UnknownSpeaker || seg.Confidence != 0 {
		t.Fatalf("expected unknown speaker fallback, got %+v", seg)
	}
	// Unknown attribution is expected, not uncertain: no advisory.
	_, advisories, _ := h.rec.counts()
	if advisories != 0 {
		t.Fatalf("fallback attribution should not raise an advisory")
	}
}

func TestLowConfidenceSpeakerAdvisory(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "whose voice is this"
	h.fake.diarResult = ml.DiarizationResult{
		SpeakerID:  "bob",
		Confidence: 0.4,
		Alternatives: []ml.SpeakerCandidate{
			{SpeakerID: "alice", Confidence: 0.35},
		},
	}

	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { _, a, _ := h.rec.counts(); return a == 1 })

	h.rec.mu.Lock()
	adv := h.rec.advisories[0]
	h.rec.mu.Unlock()
	if adv.Segment.SpeakerID != "bob" {
		t.Fatalf("advisory segment speaker = %q", adv.Segment.SpeakerID)
	}
	if len(adv.Candidates) != 2 || adv.Candidates[0].SpeakerID != "bob" || adv.Candidates[1].SpeakerID != "alice" {
		t.Fatalf("unexpected candidates: %+v", adv.Candidates)
	}
}

func TestIntentGateClosedSuppressesResponse(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "pass the chips"
	h.fake.intentResult = ml.IntentResult{ShouldRespond: false, Confidence: 0.2, IntentType: "chatter"}

	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { s, _, _ := h.rec.counts(); return s == 1 })
	time.Sleep(30 * time.Millisecond)

	if h.dec.decided() != 0 {
		t.Fatalf("decision engine consulted despite closed gate")
	}
	_, _, resps := h.rec.counts()
	if resps != 0 {
		t.Fatalf("expected no response, got %d", resps)
	}
}

func TestKnowledgeFailureDegradesGracefully(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "tell me about the lich"
	h.fake.knowledgeErr = fmt.Errorf("chromadb down")

	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { _, _, r := h.rec.counts(); return r == 1 })

	if h.dec.decided() != 1 {
		t.Fatalf("decision engine should still run without knowledge")
	}
}

func TestDecisionFailureAbortsResponse(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "what happens next"
	h.dec.err = fmt.Errorf("ollama timeout")

	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { s, _, _ := h.rec.counts(); return s == 1 })
	time.Sleep(30 * time.Millisecond)

	_, _, resps := h.rec.counts()
	if resps != 0 {
		t.Fatalf("expected no response after decision failure, got %d", resps)
	}
}

func TestWaitDecisionProducesNoResponse(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "the party argues amongst itself"
	h.dec.decision = decision.Decision{Action: decision.ActionWait}

	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { return h.dec.decided() == 1 })
	time.Sleep(30 * time.Millisecond)

	_, _, resps := h.rec.counts()
	if resps != 0 {
		t.Fatalf("wait decision must not publish a response")
	}
	h.fake.mu.Lock()
	synthed := h.fake.synthed
	h.fake.mu.Unlock()
	if synthed != 0 {
		t.Fatalf("synthesizer called on wait decision")
	}
}

func TestSynthesisFailureDeliversTextOnly(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "describe the chamber"
	h.fake.synthErr = fmt.Errorf("tts model not loaded")

	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { _, _, r := h.rec.counts(); return r == 1 })

	h.rec.mu.Lock()
	resp := h.rec.responses[0]
	h.rec.mu.Unlock()
	if resp.Text == "" {
		t.Fatalf("text must survive synthesis failure")
	}
	if len(resp.Audio) != 0 || resp.AudioFormat != "" {
		t.Fatalf("expected no audio attached, got %d bytes", len(resp.Audio))
	}
}

func TestForceResponseBypassesIntentGate(t *testing.T) {
	h := newHarness(t, testPipelineConfig())

	h.orch.ForceResponse("narrate the tavern")
	waitFor(t, func() bool { _, _, r := h.rec.counts(); return r == 1 })

	if h.fake.intents() != 0 {
		t.Fatalf("forced response consulted the intent gate")
	}
	if got := h.fake.query(); got != "narrate the tavern" {
		t.Fatalf("knowledge queried with %q", got)
	}
	segs, _, resps := h.rec.counts()
	if segs != 0 || resps != 1 {
		t.Fatalf("expected exactly one response and no segments, got %d/%d", segs, resps)
	}
}

func TestForceResponseFallsBackToLastUtterance(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.sess.AppendUtterance("alice", "we enter the crypt")

	h.orch.ForceResponse("")
	waitFor(t, func() bool { _, _, r := h.rec.counts(); return r == 1 })

	if got := h.fake.query(); got != "we enter the crypt" {
		t.Fatalf("expected last utterance as query, got %q", got)
	}
}

func TestSceneControlsApplyBetweenChunks(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "roll initiative"

	h.orch.SetSceneMode(session.ModeCombat)
	h.orch.SetSceneDescription("a collapsing bridge over lava")
	h.orch.SetActiveNPCs([]string{"Szass Tam"})
	h.orch.SetCharacterStats("Korgan, dwarf fighter, 12 HP")
	h.orch.OnChunk(chunkWith(1))
	waitFor(t, func() bool { return h.dec.decided() == 1 })

	h.dec.mu.Lock()
	snap := h.dec.lastSnap
	h.dec.mu.Unlock()
	if snap.Mode != session.ModeCombat {
		t.Fatalf("mode = %q, want combat", snap.Mode)
	}
	if snap.SceneDescription != "a collapsing bridge over lava" {
		t.Fatalf("scene description not applied: %q", snap.SceneDescription)
	}
	if len(snap.ActiveNPCs) != 1 || snap.ActiveNPCs[0] != "Szass Tam" {
		t.Fatalf("npcs not applied: %v", snap.ActiveNPCs)
	}
	if snap.CharacterSummary != "Korgan, dwarf fighter, 12 HP" {
		t.Fatalf("character summary not applied")
	}
}

func TestClearHistoryResetsUtterancesAndEngine(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.sess.AppendUtterance("alice", "old line")
	h.sess.SetSceneDescription("the throne room")

	h.orch.ClearHistory()
	waitFor(t, func() bool {
		h.dec.mu.Lock()
		defer h.dec.mu.Unlock()
		return h.dec.cleared == 1
	})

	snap := h.sess.Snapshot()
	if len(snap.RecentUtterances) != 0 {
		t.Fatalf("utterances survived clear")
	}
	if snap.SceneDescription != "the throne room" {
		t.Fatalf("scene settings must survive clear")
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.QueueDepth = 2
	h := newHarness(t, cfg)
	h.fake.started = make(chan float32, 8)
	for i := float32(1); i <= 5; i++ {
		h.fake.texts[i] = fmt.Sprintf("utterance %d", int(i))
	}
	h.fake.delays[1] = 150 * time.Millisecond

	h.orch.OnChunk(chunkWith(1))
	// Worker is inside the slow transcription before more chunks arrive.
	<-h.fake.started
	h.orch.OnChunk(chunkWith(2))
	h.orch.OnChunk(chunkWith(3))
	h.orch.OnChunk(chunkWith(4)) // drops 2
	h.orch.OnChunk(chunkWith(5)) // drops 3
	waitFor(t, func() bool { s, _, _ := h.rec.counts(); return s == 3 })
	time.Sleep(30 * time.Millisecond)

	got := h.rec.segmentTexts()
	want := []string{"utterance 1", "utterance 4", "utterance 5"}
	if len(got) != len(want) {
		t.Fatalf("segments = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunkAfterStopIsDiscarded(t *testing.T) {
	h := newHarness(t, testPipelineConfig())
	h.fake.texts[1] = "too late"
	h.orch.Stop()

	h.orch.OnChunk(chunkWith(1))
	time.Sleep(30 * time.Millisecond)

	segs, _, _ := h.rec.counts()
	if segs != 0 {
		t.Fatalf("chunk processed after stop")
	}
}
