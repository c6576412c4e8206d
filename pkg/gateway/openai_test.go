package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/registry"
)

// sseChunk writes one SSE data line in the gateway's streaming format.
func sseChunk(w http.ResponseWriter, body map[string]any) {
	data, _ := json.Marshal(body)
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func deltaChunk(model, content string) map[string]any {
	return map[string]any{
		"id": "chunk", "object": "chat.completion.chunk", "model": model,
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]any{"content": content}},
		},
	}
}

func usageChunk(prompt, completion int) map[string]any {
	return map[string]any{
		"id": "chunk", "object": "chat.completion.chunk",
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens": prompt, "completion_tokens": completion,
			"total_tokens": prompt + completion,
		},
	}
}

func streamTokens(w http.ResponseWriter, model string, tokens []string, withUsage bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, tok := range tokens {
		sseChunk(w, deltaChunk(model, tok))
	}
	if withUsage {
		sseChunk(w, usageChunk(12, len(tokens)))
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func testRegistry(modelIDs ...string) *registry.Registry {
	choices := make([]models.ModelChoice, len(modelIDs))
	for i, id := range modelIDs {
		choices[i] = models.ModelChoice{Provider: "test", ModelID: id, Priority: i}
	}
	return registry.New(&config.CouncilConfig{
		Defaults: config.PurposeTable{
			models.PurposeStage1: choices,
			models.PurposeStage2: choices,
			models.PurposeStage3: choices[:1],
		},
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc, reg *registry.Registry) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(
		&config.GatewayConfig{
			BaseURL:       srv.URL + "/v1",
			RetryAttempts: 2,
			RetryBase:     time.Millisecond,
		},
		&config.TimeoutConfig{WorkerSoft: 5 * time.Second},
		"platform-key",
		reg,
	)
}

func collect(t *testing.T, res *Result) (string, models.Usage, Outcome) {
	t.Helper()
	var text strings.Builder
	for tok := range res.Tokens {
		text.WriteString(tok)
	}
	select {
	case usage := <-res.Usage:
		outcome := <-res.Err
		return text.String(), usage, outcome
	case <-time.After(10 * time.Second):
		t.Fatal("usage future never resolved")
		return "", models.Usage{}, Outcome{}
	}
}

func TestCallStreamsTokensAndUsage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer platform-key", r.Header.Get("Authorization"))
		streamTokens(w, "m1", []string{"Hel", "lo ", "world"}, true)
	}, testRegistry("m1", "m2", "m3"))

	res := client.Call(context.Background(), Call{
		Choice:       models.ModelChoice{ModelID: "m1"},
		Purpose:      models.PurposeStage1,
		SystemPrompt: "sys",
		UserPrompt:   "question",
	})
	text, usage, outcome := collect(t, res)

	assert.Equal(t, "Hello world", text)
	assert.Equal(t, KindOK, outcome.Kind)
	assert.Equal(t, models.FinishStop, outcome.Finish)
	assert.Equal(t, "m1", outcome.ModelID)
	assert.Equal(t, 12, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)
}

func TestCallBYOKOverridesPlatformKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer my-own-key", r.Header.Get("Authorization"))
		streamTokens(w, "m1", []string{"ok"}, true)
	}, testRegistry("m1", "m2", "m3"))

	res := client.Call(context.Background(), Call{
		Choice:  models.ModelChoice{ModelID: "m1"},
		Purpose: models.PurposeStage1,
		BYOKKey: "my-own-key",
	})
	_, _, outcome := collect(t, res)
	assert.Equal(t, KindOK, outcome.Kind)
}

func TestCallRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
			return
		}
		streamTokens(w, "m1", []string{"recovered"}, true)
	}, testRegistry("m1", "m2", "m3"))

	res := client.Call(context.Background(), Call{
		Choice:  models.ModelChoice{ModelID: "m1"},
		Purpose: models.PurposeStage1,
	})
	text, _, outcome := collect(t, res)

	assert.Equal(t, KindOK, outcome.Kind)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallBadRequestDoesNotRetrySameModel(t *testing.T) {
	var m1Calls, m2Calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "m1" {
			m1Calls.Add(1)
			http.Error(w, `{"error":{"message":"bad prompt"}}`, http.StatusBadRequest)
			return
		}
		m2Calls.Add(1)
		streamTokens(w, req.Model, []string{"from fallback"}, true)
	}, testRegistry("m1", "m2", "m3"))

	res := client.Call(context.Background(), Call{
		Choice:  models.ModelChoice{ModelID: "m1"},
		Purpose: models.PurposeStage1,
	})
	text, _, outcome := collect(t, res)

	// BadRequest is permanent for m1; the fallback model answers.
	assert.Equal(t, int32(1), m1Calls.Load())
	assert.Equal(t, int32(1), m2Calls.Load())
	assert.Equal(t, KindOK, outcome.Kind)
	assert.Equal(t, "m2", outcome.ModelID)
	assert.Equal(t, "from fallback", text)
}

func TestCallExhaustedRetriesThenFallback(t *testing.T) {
	var m1Calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "m1" {
			m1Calls.Add(1)
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusTooManyRequests)
			return
		}
		streamTokens(w, req.Model, []string{"fallback answer"}, true)
	}, testRegistry("m1", "m2", "m3"))

	res := client.Call(context.Background(), Call{
		Choice:  models.ModelChoice{ModelID: "m1"},
		Purpose: models.PurposeStage1,
	})
	text, _, outcome := collect(t, res)

	// 1 + RetryAttempts attempts on m1, then one fallback call.
	assert.Equal(t, int32(3), m1Calls.Load())
	assert.Equal(t, KindOK, outcome.Kind)
	assert.Equal(t, "m2", outcome.ModelID)
	assert.Equal(t, "fallback answer", text)
}

func TestCallCancellation(t *testing.T) {
	started := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseChunk(w, deltaChunk("m1", "first"))
		close(started)
		<-r.Context().Done()
	}, testRegistry("m1", "m2", "m3"))

	ctx, cancel := context.WithCancel(context.Background())
	res := client.Call(ctx, Call{
		Choice:  models.ModelChoice{ModelID: "m1"},
		Purpose: models.PurposeStage1,
	})
	// Cancel only once the client has received the first token, so the
	// partial text kept on cancellation is deterministic.
	<-started
	first := <-res.Tokens
	cancel()
	text, _, outcome := collect(t, res)

	assert.Equal(t, KindCancelled, outcome.Kind)
	assert.Equal(t, "first", first+text)
}

func TestCallEstimatesUsageWhenAbsent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		streamTokens(w, "m1", []string{"12345678"}, false) // 8 chars, no usage record
	}, testRegistry("m1", "m2", "m3"))

	res := client.Call(context.Background(), Call{
		Choice:       models.ModelChoice{ModelID: "m1"},
		Purpose:      models.PurposeStage1,
		SystemPrompt: strings.Repeat("s", 20),
		UserPrompt:   strings.Repeat("u", 20),
	})
	_, usage, outcome := collect(t, res)

	require.Equal(t, KindOK, outcome.Kind)
	assert.Equal(t, 10, usage.InputTokens)  // 40 chars / 4
	assert.Equal(t, 2, usage.OutputTokens)  // 8 chars / 4
}
