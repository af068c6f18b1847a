// Package llm defines the generation capability used to produce SQL
// candidates and ships two providers: an OpenAI-compatible chat client and
// a Gemini client.
package llm

import (
	"context"
	"fmt"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered list of turns. With never modifies the
// receiver, so a Conversation can be shared between retries safely.
type Conversation []Message

// NewConversation starts a conversation with an optional system prompt and
// a first user turn.
func NewConversation(system, user string) Conversation {
	var c Conversation
	if system != "" {
		c = append(c, Message{Role: RoleSystem, Content: system})
	}
	return append(c, Message{Role: RoleUser, Content: user})
}

// With returns a copy of c with msgs appended.
func (c Conversation) With(msgs ...Message) Conversation {
	out := make(Conversation, 0, len(c)+len(msgs))
	out = append(out, c...)
	return append(out, msgs...)
}

// System returns the system prompt, if any.
func (c Conversation) System() string {
	for _, m := range c {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

// User builds a user turn.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant turn.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Request is one generation call.
type Request struct {
	Model       string
	Messages    Conversation
	Temperature float64
}

// Response is a generated completion with its token usage.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Generator produces a completion for a conversation.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider          string // "openai" (any OpenAI-compatible endpoint) or "gemini"
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerSecond float64
	MaxSendRetries    int
}

// New builds the configured provider.
func New(ctx context.Context, cfg Config) (Generator, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}
