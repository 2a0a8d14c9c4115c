// Package models holds the shared domain types for the FinSight analysis engine.
package models

import (
	"time"
)

// ── Conversation ─────────────────────────────────────────────

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry in a conversation history.
// Both fields must be present for the message to be considered valid.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NormalizedConversation is the canonical, filtered view of an incoming
// conversation. Built once per execution and immutable thereafter.
type NormalizedConversation struct {
	Messages      []ChatMessage `json:"messages"`
	OriginalCount int           `json:"original_count"`
	RetainedCount int           `json:"retained_count"`
	// DroppedInvalid counts records that were missing a role or content.
	DroppedInvalid int `json:"dropped_invalid,omitempty"`
	// Latest is the last message after filtering, nil when empty.
	Latest *ChatMessage `json:"latest_message,omitempty"`
}

// ── Credentials ──────────────────────────────────────────────

// CredentialKind discriminates the AuthConfig union.
type CredentialKind string

const (
	CredentialBearerToken CredentialKind = "bearer_token"
	CredentialAPIKey      CredentialKind = "api_key"
	CredentialNone        CredentialKind = "none"
)

// AuthConfig carries the credential an execution uses for outbound calls.
// Kind=none is a legal state: the pipeline proceeds unauthenticated and
// downstream calls fail on their own terms if auth was actually required.
type AuthConfig struct {
	Kind      CredentialKind `json:"kind"`
	Value     string         `json:"-"` // never serialized
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether a bearer token is past its expiry minus the
// given safety margin. Non-bearer credentials never expire.
func (a AuthConfig) Expired(now time.Time, margin time.Duration) bool {
	if a.Kind != CredentialBearerToken {
		return false
	}
	return !now.Add(margin).Before(a.ExpiresAt)
}

// ── Monitoring ───────────────────────────────────────────────

// StageStatus is the terminal status of a pipeline stage.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageFailure StageStatus = "failure"
	StageError   StageStatus = "error"
)

// LLMCall is one model invocation recorded against a stage.
type LLMCall struct {
	Model     string  `json:"model"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
	LatencyMs int64   `json:"latency_ms"`
}

// MonitorEntry is the telemetry record for exactly one pipeline stage of
// one execution. Mutable only while its stage is open; frozen at stage end.
type MonitorEntry struct {
	RunID           string         `json:"run_id"`
	ModelName       string         `json:"model_name,omitempty"`
	StageName       string         `json:"stage_name"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	DurationMs      int64          `json:"duration_ms"`
	Status          StageStatus    `json:"status"`
	TotalTokens     int64          `json:"total_tokens"`
	TotalCost       float64        `json:"total_cost"`
	LLMCalls        []LLMCall      `json:"llm_calls,omitempty"`
	DecisionDetails string         `json:"decision_details,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CustomMetadata  map[string]any `json:"custom_metadata,omitempty"`
}

// ── Routing ──────────────────────────────────────────────────

// RouteDecision selects the execution path for one query.
type RouteDecision string

const (
	// RouteDirect answers from the model alone.
	RouteDirect RouteDecision = "direct"
	// RouteResearch engages the retrieval subagents. This is also the
	// deliberate tie-break when the router output is unusable.
	RouteResearch RouteDecision = "research"
)

// ── Output ───────────────────────────────────────────────────

// FragmentType attributes a response fragment to its producer class.
type FragmentType string

const (
	FragmentAgent    FragmentType = "agent"
	FragmentSubagent FragmentType = "subagent"
)

// ResponseFragment is one unit of streamed output. Ownership transfers to
// the consumer on delivery; the pipeline keeps no reference.
type ResponseFragment struct {
	Type    FragmentType `json:"type"`
	Name    string       `json:"name"`
	Content string       `json:"content"`
}

// ── Model tiers & usage ──────────────────────────────────────

// Tier is a cost/capability class of model.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// TierPricing is the fixed USD rate per 1K tokens for one tier.
type TierPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Cost computes the call cost for the given token counts.
func (p TierPricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// TokenUsage is the token accounting for one provider call.
type TokenUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}
