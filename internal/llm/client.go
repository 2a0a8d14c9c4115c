// Package llm wraps completion, streaming, tool-calling and embedding
// operations against an OpenAI-compatible model provider.
//
// Every call measures wall-clock latency around the network round-trip and,
// on completion, computes cost from token counts and the configured tier
// pricing. Calls record one llm_calls entry into whatever monitor stage the
// caller supplies; the client is agnostic to which pipeline stage invokes
// it. Transport clients are cached per (endpoint, credential kind).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/internal/monitor"
	"github.com/finsight/finsight/engine/internal/transport"
	"github.com/finsight/finsight/engine/pkg/models"
)

// Client talks to one provider endpoint with one credential.
type Client struct {
	cfg  config.LLMConfig
	cred models.AuthConfig
	http *http.Client
}

// Transport cache: reconnecting per call defeats connection reuse, so the
// underlying http.Client is shared per (endpoint, credential kind).
var (
	transportMu    sync.Mutex
	transportCache = make(map[string]*http.Client)
)

func cachedTransport(endpoint string, kind models.CredentialKind, policy *transport.Policy, timeout time.Duration) *http.Client {
	key := endpoint + "|" + string(kind)
	transportMu.Lock()
	defer transportMu.Unlock()
	if c, ok := transportCache[key]; ok {
		return c
	}
	c := policy.HTTPClient(timeout)
	transportCache[key] = c
	return c
}

// NewClient creates a client for the configured endpoint and credential.
func NewClient(cfg config.LLMConfig, cred models.AuthConfig, policy *transport.Policy) *Client {
	return &Client{
		cfg:  cfg,
		cred: cred,
		http: cachedTransport(cfg.Endpoint, cred.Kind, policy, cfg.Timeout),
	}
}

func (c *Client) model(tier models.Tier) string {
	if m, ok := c.cfg.TierModels[tier]; ok {
		return m
	}
	return c.cfg.TierModels[models.TierMedium]
}

func (c *Client) pricing(tier models.Tier) models.TierPricing {
	return c.cfg.Pricing[tier]
}

func (c *Client) authorize(req *http.Request) {
	switch c.cred.Kind {
	case models.CredentialBearerToken, models.CredentialAPIKey:
		req.Header.Set("Authorization", "Bearer "+c.cred.Value)
	}
}

// ── Wire format (OpenAI-compatible) ─────────────────────────

type chatRequest struct {
	Model         string               `json:"model"`
	Messages      []models.ChatMessage `json:"messages"`
	Temperature   float64              `json:"temperature"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Tools         []wireTool           `json:"tools,omitempty"`
	ToolChoice    string               `json:"tool_choice,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u wireUsage) toUsage(p models.TierPricing) models.TokenUsage {
	return models.TokenUsage{
		InputTokens:   u.PromptTokens,
		OutputTokens:  u.CompletionTokens,
		TotalTokens:   u.TotalTokens,
		EstimatedCost: p.Cost(u.PromptTokens, u.CompletionTokens),
	}
}

// ── Operations ──────────────────────────────────────────────

// Complete performs a single chat completion, retrying transient provider
// failures per the caller's policy.
func (c *Client) Complete(ctx context.Context, req CompletionRequest, retry RetryPolicy, stage *monitor.Stage) (*CompletionResponse, error) {
	body := c.buildRequest(req)

	var out *CompletionResponse
	err := c.withRetry(ctx, retry, func() error {
		start := time.Now()
		wire, err := c.roundTrip(ctx, "/chat/completions", body)
		if err != nil {
			return err
		}
		latency := time.Since(start)

		usage := wire.Usage.toUsage(c.pricing(req.Tier))
		if stage != nil {
			stage.RecordCall(body.Model, usage.TotalTokens, usage.EstimatedCost, latency)
		}

		content := ""
		if len(wire.Choices) > 0 {
			content = wire.Choices[0].Message.Content
		}
		out = &CompletionResponse{Content: content, Model: body.Model, Usage: usage}
		return nil
	})
	return out, err
}

// CompleteWithTools performs a tool-calling completion. When the model
// calls a tool, Name and Arguments carry the first call; otherwise the
// plain-text content is returned.
func (c *Client) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, retry RetryPolicy, stage *monitor.Stage) (*ToolCallResponse, error) {
	body := c.buildRequest(req)
	for _, t := range tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	body.ToolChoice = "auto"

	var out *ToolCallResponse
	err := c.withRetry(ctx, retry, func() error {
		start := time.Now()
		wire, err := c.roundTrip(ctx, "/chat/completions", body)
		if err != nil {
			return err
		}
		latency := time.Since(start)

		usage := wire.Usage.toUsage(c.pricing(req.Tier))
		if stage != nil {
			stage.RecordCall(body.Model, usage.TotalTokens, usage.EstimatedCost, latency)
		}

		resp := &ToolCallResponse{Model: body.Model, Usage: usage}
		if len(wire.Choices) > 0 {
			msg := wire.Choices[0].Message
			resp.Content = msg.Content
			if len(msg.ToolCalls) > 0 {
				resp.Name = msg.ToolCalls[0].Function.Name
				resp.Arguments = msg.ToolCalls[0].Function.Arguments
			}
		}
		out = resp
		return nil
	})
	return out, err
}

// CheckConnection probes the provider with a minimal one-token completion.
// It never returns an error: failures land in the result.
func (c *Client) CheckConnection(ctx context.Context) *HealthResult {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	model := c.model(models.TierLow)
	body := chatRequest{
		Model:     model,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "Say OK"}},
		MaxTokens: 1,
	}

	start := time.Now()
	_, err := c.roundTrip(probeCtx, "/chat/completions", body)
	result := &HealthResult{
		LatencyMs: time.Since(start).Milliseconds(),
		Model:     model,
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Healthy = true
	return result
}

// ── Embeddings ──────────────────────────────────────────────

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string    `json:"model"`
	Usage wireUsage `json:"usage"`
}

// CreateEmbedding generates vectors for a batch of texts.
func (c *Client) CreateEmbedding(ctx context.Context, texts []string, model string, stage *monitor.Stage) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embedRequest{Input: texts, Model: model})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	start := time.Now()
	respBody, err := c.post(ctx, "/embeddings", payload)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	var wire embedResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("decode embedding response: %v", err)}
	}

	// Embedding usage is input-only; bill at the low-tier input rate.
	cost := c.pricing(models.TierLow).Cost(wire.Usage.PromptTokens, 0)
	if stage != nil {
		stage.RecordCall(model, wire.Usage.PromptTokens, cost, latency)
	}

	vectors := make([][]float64, len(texts))
	for _, d := range wire.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

// ── Internals ───────────────────────────────────────────────

func (c *Client) buildRequest(req CompletionRequest) chatRequest {
	temperature := c.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	return chatRequest{
		Model:       c.model(req.Tier),
		Messages:    req.Messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

func (c *Client) roundTrip(ctx context.Context, path string, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := c.post(ctx, path, payload)
	if err != nil {
		return nil, err
	}

	var wire chatResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return &wire, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Retryable: true, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Retryable: true, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// classifyStatus maps an HTTP failure to the retryable/fatal taxonomy.
// Rate limits and server-side conditions are transient; the rest are not.
func classifyStatus(status int, body []byte) *ProviderError {
	return &ProviderError{
		Status:    status,
		Retryable: status == http.StatusTooManyRequests || status >= 500,
		Message:   fmt.Sprintf("provider returned %d: %s", status, string(body)),
	}
}

// withRetry runs op under the caller-supplied policy, backing off
// exponentially between transient failures.
func (c *Client) withRetry(ctx context.Context, retry RetryPolicy, op func() error) error {
	attempts := retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := retry.InitialInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			return err
		}
		select {
		case <-time.After(interval):
			interval *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
