package llm

import (
	"context"
	"fmt"
)

type mockGenerator struct{}

func NewMockGenerator() Generator {
	return &mockGenerator{}
}

func (m *mockGenerator) Generate(_ context.Context, req Request) (Response, error) {
	last := ""
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			last = msg.Content
		}
	}
	return Response{
		ToolCalls: []ToolCall{{
			Name:      "speak",
			Arguments: map[string]any{"text": fmt.Sprintf("[mock narration] %s", last)},
		}},
	}, nil
}
