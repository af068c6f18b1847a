package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestExtractSQL(t *testing.T) {
	text := "First try:\n```sql\nSELECT 1\n```\nActually:\n```SQL\n  SELECT name\n  FROM emp\n```\ndone"

	assert.Equal(t, []string{"SELECT 1", "SELECT name\n  FROM emp"}, ExtractSQL(text))

	got, ok := LastSQL(text)
	assert.True(t, ok)
	assert.Equal(t, "SELECT name\n  FROM emp", got)

	_, ok = LastSQL("no code here")
	assert.False(t, ok)
}

func TestLastTextAndJSON(t *testing.T) {
	text := "```text\nrule one\n```\n```json\n[[\"a.x\", \"a.y\"]]\n```\n```text\nrule two\n```"

	rules, ok := LastText(text)
	assert.True(t, ok)
	assert.Equal(t, "rule two", rules)

	js, ok := LastJSON(text)
	assert.True(t, ok)
	assert.Equal(t, `[["a.x", "a.y"]]`, js)
}

func TestConversationWithDoesNotAlias(t *testing.T) {
	base := NewConversation("sys", "question")
	a := base.With(Assistant("a1"))
	b := base.With(Assistant("b1"))

	assert.Len(t, base, 2)
	assert.Equal(t, "a1", a[2].Content)
	assert.Equal(t, "b1", b[2].Content)
	assert.Equal(t, "sys", a.System())
	assert.Equal(t, "", NewConversation("", "q").System())
}

func TestCost(t *testing.T) {
	assert.InDelta(t, 2.50+10.00, Cost("GPT-4o", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, Cost("unknown-model", 1000, 1000))

	var u Usage
	u.Add(Response{InputTokens: 10, OutputTokens: 5, Cost: 0.5})
	u.Add(Response{InputTokens: 1, OutputTokens: 1, Cost: 0.25})
	assert.Equal(t, UsageSnapshot{Calls: 2, InputTokens: 11, OutputTokens: 6, Cost: 0.75}, u.Snapshot())
}

func chatServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int32)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, calls.Add(1))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeCompletion(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": text}}},
		"usage":   map[string]int{"prompt_tokens": 100, "completion_tokens": 20},
	})
}

func TestOpenAIClient_Generate(t *testing.T) {
	srv, calls := chatServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.InDelta(t, 0.7, req.Temperature, 1e-9)
		assert.Len(t, req.Messages, 2)
		writeCompletion(w, "```sql\nSELECT 1\n```")
	})

	c := NewOpenAIClient(Config{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "gpt-4o"})
	resp, err := c.Generate(context.Background(), Request{
		Messages:    NewConversation("sys", "q"),
		Temperature: 0.7,
	})

	require.NoError(t, err)
	assert.Equal(t, "```sql\nSELECT 1\n```", resp.Text)
	assert.Equal(t, 100, resp.InputTokens)
	assert.Greater(t, resp.Cost, 0.0)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Usage().Calls)
}

func TestOpenAIClient_RetriesRateLimit(t *testing.T) {
	srv, calls := chatServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		if n < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		writeCompletion(w, "ok")
	})

	c := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL})
	c.SetRetryBackoff(time.Millisecond)
	resp, err := c.Generate(context.Background(), Request{Messages: NewConversation("", "q")})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIClient_ClientErrorNotRetried(t *testing.T) {
	srv, calls := chatServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	})

	c := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL})
	c.SetRetryBackoff(time.Millisecond)
	_, err := c.Generate(context.Background(), Request{Messages: NewConversation("", "q")})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIClient_GivesUp(t *testing.T) {
	srv, calls := chatServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		http.Error(w, "down", http.StatusBadGateway)
	})

	c := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL, MaxSendRetries: 3})
	c.SetRetryBackoff(time.Millisecond)
	_, err := c.Generate(context.Background(), Request{Messages: NewConversation("", "q")})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIClient_MissingKey(t *testing.T) {
	_, err := NewOpenAIClient(Config{}).Generate(context.Background(), Request{})
	assert.Error(t, err)
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)

	g, err := New(context.Background(), Config{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, g)
}

func TestToGenAI(t *testing.T) {
	conv := NewConversation("be terse", "q1").With(Assistant("a1"), User("q2"))

	system, contents := toGenAI(conv)

	assert.Equal(t, "be terse", system)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "a1", contents[1].Parts[0].Text)
}
