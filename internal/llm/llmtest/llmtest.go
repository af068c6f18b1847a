// Package llmtest provides scripted generators for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/lucasnoah/votesql/internal/llm"
)

// Func adapts a function to llm.Generator.
type Func func(ctx context.Context, req llm.Request) (llm.Response, error)

func (f Func) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	return f(ctx, req)
}

// Script replies with a fixed sequence of completions, one per call. An
// empty string in Replies yields ErrScripted instead of a completion. After
// the script runs out the last reply repeats.
type Script struct {
	Replies []string

	mu       sync.Mutex
	requests []llm.Request
}

// ErrScripted is returned for empty scripted replies.
var ErrScripted = errors.New("llmtest: scripted failure")

func (s *Script) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.Replies) == 0 {
		return llm.Response{}, ErrScripted
	}
	i := min(len(s.requests)-1, len(s.Replies)-1)
	if s.Replies[i] == "" {
		return llm.Response{}, ErrScripted
	}
	return llm.Response{Text: s.Replies[i], Model: req.Model}, nil
}

// Requests returns the requests received so far.
func (s *Script) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns the number of requests received.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// SQL wraps query in a fenced sql block.
func SQL(query string) string {
	return "```sql\n" + query + "\n```"
}
