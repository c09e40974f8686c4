package ai

import (
	"context"
	"strings"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one message of a conversation. Role is RoleUser or RoleModel.
type Turn struct {
	Role string
	Text string
}

// GenerationConfig holds sampling parameters. Zero values are left to the
// provider's defaults.
type GenerationConfig struct {
	Temperature float64
	TopP        float64
	TopK        int
}

// Request is a multi-turn completion request.
type Request struct {
	System string
	Turns  []Turn
	Config GenerationConfig
}

// Completer returns the next model turn for a conversation.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// chatMessage is the system/user/assistant message shape shared by the
// Ollama and OpenAI chat endpoints.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatMessages flattens a Request into that shape, system instruction first.
func chatMessages(req Request) []chatMessage {
	out := make([]chatMessage, 0, len(req.Turns)+1)
	if strings.TrimSpace(req.System) != "" {
		out = append(out, chatMessage{Role: "system", Content: req.System})
	}
	for _, t := range req.Turns {
		role := "user"
		if t.Role == RoleModel {
			role = "assistant"
		}
		out = append(out, chatMessage{Role: role, Content: t.Text})
	}
	return out
}
