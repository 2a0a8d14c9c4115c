package llm

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/finsight/finsight/engine/pkg/models"
)

// CompletionRequest is one chat completion against the provider.
type CompletionRequest struct {
	Messages    []models.ChatMessage
	Tier        models.Tier
	Temperature *float64 // nil → configured default
	MaxTokens   int      // 0 → configured default
}

// CompletionResponse is the full (non-streamed) completion result.
type CompletionResponse struct {
	Content string
	Model   string
	Usage   models.TokenUsage
}

// ToolDefinition describes one function the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallResponse is the structured result of a tool-calling completion.
// Name is empty when the model answered with plain text instead.
type ToolCallResponse struct {
	Name      string
	Arguments json.RawMessage
	Content   string
	Model     string
	Usage     models.TokenUsage
}

// HealthResult is the structured outcome of a connection probe. The probe
// never fails with an error; problems land in the Error field.
type HealthResult struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RetryPolicy is the caller-supplied retry configuration for completion
// calls. The client itself hardcodes nothing.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// NoRetry performs a single attempt.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// DefaultRetry is a sensible policy for interactive traffic.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond}

// ProviderError is a classified provider failure. Retryable errors (rate
// limits, transient network/server conditions) may be retried by the
// caller's policy; everything else is fatal for the call.
type ProviderError struct {
	Status    int
	Retryable bool
	Message   string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
