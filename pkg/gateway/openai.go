package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/registry"
	"github.com/quorumhq/quorum/pkg/telemetry"
)

// estimateCharsPerToken is the documented ratio used when the gateway
// does not return a usage record: one token per four characters.
const estimateCharsPerToken = 4

// HTTPClient calls the OpenAI-compatible gateway. Retries transient
// failures with exponential backoff and jitter; on permanent failure it
// consults the registry for an untried fallback model and retries the
// whole call once on it. Tokens emitted before a failed attempt are
// not rolled back — the consumer sees one append-only sequence.
type HTTPClient struct {
	cfg         *config.GatewayConfig
	attemptTTL  time.Duration // per-attempt soft timeout
	platformKey string
	registry    *registry.Registry
}

// NewHTTPClient creates the gateway client. platformKey is used unless
// a call carries a BYOK key.
func NewHTTPClient(cfg *config.GatewayConfig, timeouts *config.TimeoutConfig, platformKey string, reg *registry.Registry) *HTTPClient {
	return &HTTPClient{
		cfg:         cfg,
		attemptTTL:  timeouts.WorkerSoft,
		platformKey: platformKey,
		registry:    reg,
	}
}

// Call starts the request and returns immediately; the stream runs in
// its own goroutine. The token channel closes when the call ends, then
// the usage and error futures resolve, in that order.
func (c *HTTPClient) Call(ctx context.Context, call Call) *Result {
	tokens := make(chan string, 64)
	usageCh := make(chan models.Usage, 1)
	errCh := make(chan Outcome, 1)

	go c.run(ctx, call, tokens, usageCh, errCh)

	return &Result{Tokens: tokens, Usage: usageCh, Err: errCh}
}

func (c *HTTPClient) run(ctx context.Context, call Call, tokens chan<- string, usageCh chan<- models.Usage, errCh chan<- Outcome) {
	log := slog.With("model_id", call.Choice.ModelID, "purpose", call.Purpose)

	emittedChars := 0
	outcome, usage := c.callWithRetries(ctx, call, call.Choice.ModelID, tokens, &emittedChars)

	// Permanent failure: try one untried fallback model for the same
	// purpose, continuing into the same token sequence.
	if outcome.Kind != KindOK && outcome.Kind != KindCancelled {
		tried := map[string]bool{call.Choice.ModelID: true}
		if fb := c.registry.ChooseFallback(call.CompanyID, call.Purpose, tried); fb != nil {
			log.Warn("Gateway call failed, retrying on fallback model",
				"failed_kind", outcome.Kind, "fallback_model", fb.ModelID)
			fbOutcome, fbUsage := c.callWithRetries(ctx, call, fb.ModelID, tokens, &emittedChars)
			outcome = fbOutcome
			usage = usage.Add(fbUsage)
		}
	}

	if usage == (models.Usage{}) {
		usage = c.estimateUsage(call, emittedChars)
	}

	close(tokens)
	usageCh <- usage
	errCh <- outcome
}

// callWithRetries runs one model through up to 1+R attempts. Transient
// failures (timeout, 429, 5xx) back off exponentially with ±25% jitter;
// BadRequest and cancellation are permanent.
func (c *HTTPClient) callWithRetries(ctx context.Context, call Call, modelID string, tokens chan<- string, emittedChars *int) (Outcome, models.Usage) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0

	var outcome Outcome
	var total models.Usage
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		var usage models.Usage
		outcome, usage = c.streamOnce(ctx, call, modelID, tokens, emittedChars)
		total = total.Add(usage)

		if outcome.Kind == KindOK || !outcome.Kind.Retryable() {
			return outcome, total
		}
		if attempt == c.cfg.RetryAttempts {
			break
		}

		telemetry.GatewayRetries.WithLabelValues(string(outcome.Kind)).Inc()
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return outcomeForContext(ctx, modelID), total
		}
	}
	return outcome, total
}

// streamOnce performs a single streaming attempt against one model.
func (c *HTTPClient) streamOnce(ctx context.Context, call Call, modelID string, tokens chan<- string, emittedChars *int) (Outcome, models.Usage) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTTL)
	defer cancel()

	clientCfg := openai.DefaultConfig(c.keyFor(call))
	clientCfg.BaseURL = c.cfg.BaseURL
	client := openai.NewClientWithConfig(clientCfg)

	stream, err := client.CreateChatCompletionStream(attemptCtx, openai.ChatCompletionRequest{
		Model: modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: call.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: call.UserPrompt},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return c.classify(ctx, attemptCtx, err, modelID), models.Usage{}
	}
	defer stream.Close()

	var usage models.Usage
	finish := models.FinishStop
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return Outcome{Kind: KindOK, Finish: finish, ModelID: modelID}, usage
		}
		if err != nil {
			return c.classify(ctx, attemptCtx, err, modelID), usage
		}

		if resp.Usage != nil {
			usage = models.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason == openai.FinishReasonLength {
			finish = models.FinishLength
		}
		if choice.Delta.Content == "" {
			continue
		}

		select {
		case tokens <- choice.Delta.Content:
			*emittedChars += len(choice.Delta.Content)
		case <-ctx.Done():
			return outcomeForContext(ctx, modelID), usage
		}
	}
}

// outcomeForContext maps a dead caller context onto the taxonomy: a
// deadline is a timeout, anything else is cancellation.
func outcomeForContext(ctx context.Context, modelID string) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Outcome{Kind: KindTimeout, ModelID: modelID, Message: "call deadline exceeded"}
	}
	return Outcome{Kind: KindCancelled, ModelID: modelID, Message: "call cancelled"}
}

// classify maps transport errors onto the outcome taxonomy. The parent
// ctx distinguishes caller cancellation from the per-attempt timeout.
func (c *HTTPClient) classify(ctx, attemptCtx context.Context, err error, modelID string) Outcome {
	switch {
	case ctx.Err() != nil:
		return outcomeForContext(ctx, modelID)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return Outcome{Kind: KindTimeout, ModelID: modelID, Message: fmt.Sprintf("no response within %s", c.attemptTTL)}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return c.classifyStatus(apiErr.HTTPStatusCode, apiErr.Message, modelID)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return c.classifyStatus(reqErr.HTTPStatusCode, reqErr.Error(), modelID)
	}

	// Connection-level failures are treated as server errors: the
	// gateway may come back on retry.
	return Outcome{Kind: KindServerError, ModelID: modelID, Message: err.Error()}
}

func (c *HTTPClient) classifyStatus(status int, message, modelID string) Outcome {
	switch {
	case status == 429:
		return Outcome{Kind: KindRateLimited, ModelID: modelID, Message: message}
	case status >= 500:
		return Outcome{Kind: KindServerError, ModelID: modelID, Message: message}
	case status >= 400:
		return Outcome{Kind: KindBadRequest, ModelID: modelID, Message: message}
	}
	return Outcome{Kind: KindServerError, ModelID: modelID, Message: message}
}

// keyFor applies the BYOK override rule: the caller's key wins when
// present.
func (c *HTTPClient) keyFor(call Call) string {
	if call.BYOKKey != "" {
		return call.BYOKKey
	}
	return c.platformKey
}

// estimateUsage derives usage from character counts when the gateway
// returned none.
func (c *HTTPClient) estimateUsage(call Call, emittedChars int) models.Usage {
	promptChars := len(call.SystemPrompt) + len(call.UserPrompt)
	return models.Usage{
		InputTokens:  (promptChars + estimateCharsPerToken - 1) / estimateCharsPerToken,
		OutputTokens: (emittedChars + estimateCharsPerToken - 1) / estimateCharsPerToken,
	}
}
