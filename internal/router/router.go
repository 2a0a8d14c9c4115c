// Package router classifies a normalized conversation into one of the two
// execution paths with a single LLM tool call.
package router

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/finsight/finsight/engine/internal/llm"
	"github.com/finsight/finsight/engine/internal/monitor"
	"github.com/finsight/finsight/engine/pkg/models"
)

// StageName is the telemetry stage routing records under.
const StageName = "Query_Routing"

const routingContext = "You are the query router for a financial analysis assistant. " +
	"Classify the user's latest request: choose \"direct\" when the question can be " +
	"answered from general knowledge and the conversation alone, and \"research\" when " +
	"it needs market data, filings or other retrieval."

// decisionTool is the fixed two-valued schema the model must call.
var decisionTool = llm.ToolDefinition{
	Name:        "route_query",
	Description: "Select the execution path for the user's request.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"route": map[string]any{
				"type": "string",
				"enum": []string{string(models.RouteDirect), string(models.RouteResearch)},
			},
			"rationale": map[string]any{
				"type":        "string",
				"description": "One sentence explaining the choice.",
			},
		},
		"required": []string{"route"},
	},
}

// QueryRouter decides the execution path for one query.
type QueryRouter struct {
	client *llm.Client
}

// New creates a router over the given client.
func New(client *llm.Client) *QueryRouter {
	return &QueryRouter{client: client}
}

type decisionArgs struct {
	Route     string `json:"route"`
	Rationale string `json:"rationale"`
}

// Decide runs the routing tool call and records stage telemetry. Malformed
// or missing tool output defaults to the research path. The decision is
// never cached across executions.
func (r *QueryRouter) Decide(ctx context.Context, conv *models.NormalizedConversation, acc *monitor.Accumulator) models.RouteDecision {
	stage := acc.StartStage(StageName)

	messages := make([]models.ChatMessage, 0, len(conv.Messages)+1)
	messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: routingContext})
	messages = append(messages, conv.Messages...)

	resp, err := r.client.CompleteWithTools(ctx, llm.CompletionRequest{
		Messages: messages,
		Tier:     models.TierLow,
	}, []llm.ToolDefinition{decisionTool}, llm.DefaultRetry, stage)
	if err != nil {
		log.Warn().Err(err).Msg("Routing call failed, defaulting to research")
		stage.End(models.StageFailure,
			monitor.WithError(err),
			monitor.WithDecision(string(models.RouteResearch)+" (default on failure)"))
		return models.RouteResearch
	}

	decision, rationale := parseDecision(resp)
	details := string(decision)
	if rationale != "" {
		details += ": " + rationale
	}
	stage.End(models.StageSuccess, monitor.WithDecision(details))

	log.Debug().Str("route", string(decision)).Msg("Query routed")
	return decision
}

// parseDecision extracts the route from the tool call, tolerating models
// that answer in text instead of calling the tool.
func parseDecision(resp *llm.ToolCallResponse) (models.RouteDecision, string) {
	if resp.Name == "route_query" && len(resp.Arguments) > 0 {
		var args decisionArgs
		if err := json.Unmarshal(resp.Arguments, &args); err == nil {
			if d, ok := validRoute(args.Route); ok {
				return d, args.Rationale
			}
		}
	}

	// Some models ignore tool_choice and answer inline.
	if d, ok := validRoute(resp.Content); ok {
		return d, ""
	}

	return models.RouteResearch, ""
}

func validRoute(s string) (models.RouteDecision, bool) {
	switch models.RouteDecision(s) {
	case models.RouteDirect:
		return models.RouteDirect, true
	case models.RouteResearch:
		return models.RouteResearch, true
	}
	return "", false
}
