package decision

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
	"github.com/sam2332/vtt-tts-llm-dm/internal/llm"
	"github.com/sam2332/vtt-tts-llm-dm/internal/session"
)

// Action is the narrator's choice for one chunk.
type Action string

const (
	ActionSpeak Action = "speak"
	ActionWait  Action = "wait"
)

// Decision is the engine's structured output.
type Decision struct {
	Action   Action
	Text     string
	NPCVoice string
}

type exchange struct {
	prompt   string
	decision Decision
}

// Engine turns accumulated context into a bounded speak/wait action.
// It keeps its own request/response history, distinct from the rolling
// utterance window, for continuity across calls.
type Engine struct {
	gen       llm.Generator
	cfg       config.DecisionConfig
	maxTokens int
	timeout   time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	history []exchange
}

func NewEngine(gen llm.Generator, cfg config.DecisionConfig, llmCfg config.LLMConfig, log *slog.Logger) *Engine {
	return &Engine{
		gen:       gen,
		cfg:       cfg,
		maxTokens: llmCfg.MaxTokens,
		timeout:   time.Duration(llmCfg.TimeoutMS) * time.Millisecond,
		log:       log.With(slog.String("component", "decision-engine")),
	}
}

// Decide builds a mode-aware prompt from the snapshot and retrieved
// knowledge and asks the model for one of the two actions. Transport
// errors propagate to the caller; a malformed model output does not,
// it degrades to wait.
func (e *Engine) Decide(ctx context.Context, snap session.Snapshot, knowledge []string) (Decision, error) {
	prompt := buildUserPrompt(snap, knowledge)

	messages := []llm.Message{{Role: "system", Content: systemPrompt(snap)}}
	e.mu.Lock()
	for _, ex := range e.history {
		messages = append(messages,
			llm.Message{Role: "user", Content: ex.prompt},
			llm.Message{Role: "assistant", Content: renderDecision(ex.decision)},
		)
	}
	e.mu.Unlock()
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	req := llm.Request{
		Messages:    messages,
		Tools:       toolSchema(),
		Temperature: temperatureFor(snap.Mode, e.cfg),
		MaxTokens:   e.maxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.gen.Generate(callCtx, req)
	if err != nil {
		return Decision{}, err
	}

	d := parseDecision(resp)
	e.appendHistory(exchange{prompt: prompt, decision: d})
	e.log.Debug("decision made",
		slog.String("action", string(d.Action)),
		slog.String("mode", string(snap.Mode)))
	return d, nil
}

// ClearHistory drops the engine's request/response continuity window.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

func (e *Engine) appendHistory(ex exchange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, ex)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[len(e.history)-e.cfg.HistorySize:]
	}
}

// parseDecision maps the model output onto the two-action schema.
// A speak tool call with non-empty text wins; an explicit wait is
// honored; free text with no tool call is an implicit speak; anything
// else is a wait.
func parseDecision(resp llm.Response) Decision {
	for _, call := range resp.ToolCalls {
		switch call.Name {
		case "speak":
			text, _ := call.Arguments["text"].(string)
			if strings.TrimSpace(text) == "" {
				continue
			}
			voice, _ := call.Arguments["npc_voice"].(string)
			return Decision{Action: ActionSpeak, Text: strings.TrimSpace(text), NPCVoice: voice}
		case "wait":
			return Decision{Action: ActionWait}
		}
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		return Decision{Action: ActionSpeak, Text: text}
	}
	return Decision{Action: ActionWait}
}

func renderDecision(d Decision) string {
	if d.Action == ActionSpeak {
		return d.Text
	}
	return "(waited)"
}
