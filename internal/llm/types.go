package llm

import (
	"context"
	"fmt"

	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is one function invocation in a model response.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request describes a chat completion with optional tools.
type Request struct {
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// Response carries the model output: free text, tool calls, or both.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Generator defines a pluggable chat model backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// NewGenerator builds the backend selected by config.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	}
	return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
}
