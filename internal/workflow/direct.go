package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"market-agent/internal/domain"
)

// chatClient is the slice of the LLM client the direct workflow depends on.
type chatClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// DirectQuery passes the prompt straight to the LLM, folding prior
// conversation history into the message list, and yields the answer as a
// single keyed document.
type DirectQuery struct {
	llm   chatClient
	model string
}

// NewDirectQuery creates a DirectQuery workflow.
func NewDirectQuery(llm chatClient, model string) (*DirectQuery, error) {
	if llm == nil {
		return nil, errors.New("workflow: llm client must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("workflow: model must not be empty")
	}
	return &DirectQuery{llm: llm, model: model}, nil
}

func (w *DirectQuery) Execute(ctx context.Context, req Request) (<-chan Result, error) {
	if strings.TrimSpace(req.UserPrompt) == "" {
		return nil, errors.New("workflow: user prompt must not be empty")
	}

	out := make(chan Result, 1)
	go func() {
		defer close(out)

		messages := make([]domain.ChatMessage, 0, len(req.History)+2)
		if strings.TrimSpace(req.SystemPrompt) != "" {
			messages = append(messages, domain.ChatMessage{Role: "system", Content: req.SystemPrompt})
		}
		for _, turn := range req.History {
			role, _ := turn["role"].(string)
			content := contentText(turn["content"])
			if role == "" || content == "" {
				continue
			}
			messages = append(messages, domain.ChatMessage{Role: role, Content: content})
		}
		messages = append(messages, domain.ChatMessage{Role: "user", Content: req.UserPrompt})

		answer, err := w.llm.Chat(ctx, w.model, messages)
		if err != nil {
			out <- Result{Status: "failed", Err: fmt.Errorf("workflow: direct query: %w", err)}
			return
		}
		out <- Result{
			Status: "completed",
			Response: map[string]any{
				"direct_response": map[string]any{"content": answer},
			},
		}
	}()
	return out, nil
}

// contentText flattens a stored history content value back into chat text.
// Structured content round-trips as JSON.
func contentText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		buf, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(buf)
	}
}
