// Package conversation validates, filters and truncates raw conversation
// input into the canonical form the pipeline consumes.
package conversation

import (
	"fmt"

	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/pkg/models"
)

// Input is the tagged variant of the two caller conventions: a mapping
// carrying a "messages" field, or a bare ordered message slice. Exactly
// one side is set.
type Input struct {
	Wrapped map[string]any
	Bare    []map[string]any
}

// FromPayload wraps a mapping-with-messages payload.
func FromPayload(payload map[string]any) Input {
	return Input{Wrapped: payload}
}

// FromMessages wraps a directly supplied message slice.
func FromMessages(messages []map[string]any) Input {
	return Input{Bare: messages}
}

// ValidationError reports input whose shape cannot be coerced to a message
// sequence at all. Anything less severe degrades gracefully instead.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid conversation input: " + e.Reason
}

// Normalizer applies the configured filtering policy.
type Normalizer struct {
	allowed       map[models.Role]bool
	includeSystem bool
	maxHistory    int
}

// NewNormalizer builds a normalizer from the conversation configuration.
func NewNormalizer(cfg config.ConversationConfig) *Normalizer {
	allowed := make(map[models.Role]bool, len(cfg.AllowedRoles))
	for _, r := range cfg.AllowedRoles {
		allowed[r] = true
	}
	maxHistory := cfg.MaxHistoryLength
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &Normalizer{
		allowed:       allowed,
		includeSystem: cfg.IncludeSystemMessages,
		maxHistory:    maxHistory,
	}
}

// Normalize coerces, filters and truncates the input.
//
// Per-record problems (missing role or content, disallowed role) drop the
// record, never the batch. Only an input whose shape cannot be coerced to
// a sequence at all yields a ValidationError. An empty result is valid.
func (n *Normalizer) Normalize(in Input) (*models.NormalizedConversation, error) {
	raw, err := coerce(in)
	if err != nil {
		return nil, err
	}

	conv := &models.NormalizedConversation{OriginalCount: len(raw)}

	var kept []models.ChatMessage
	for _, record := range raw {
		msg, ok := extractMessage(record)
		if !ok {
			conv.DroppedInvalid++
			continue
		}
		if msg.Role == models.RoleSystem && !n.includeSystem {
			continue
		}
		if !n.allowed[msg.Role] && !(msg.Role == models.RoleSystem && n.includeSystem) {
			continue
		}
		kept = append(kept, msg)
	}

	// Keep the most recent tail, preserving relative order.
	if len(kept) > n.maxHistory {
		kept = kept[len(kept)-n.maxHistory:]
	}

	conv.Messages = kept
	conv.RetainedCount = len(kept)
	if len(kept) > 0 {
		last := kept[len(kept)-1]
		conv.Latest = &last
	}
	return conv, nil
}

// coerce resolves the tagged variant to the raw record sequence.
func coerce(in Input) ([]map[string]any, error) {
	switch {
	case in.Bare != nil:
		return in.Bare, nil
	case in.Wrapped != nil:
		field, ok := in.Wrapped["messages"]
		if !ok {
			return nil, &ValidationError{Reason: `mapping has no "messages" field`}
		}
		switch v := field.(type) {
		case []map[string]any:
			return v, nil
		case []any:
			records := make([]map[string]any, 0, len(v))
			for _, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					// A non-mapping element is a per-record failure;
					// represent it as an empty record so it is dropped.
					records = append(records, map[string]any{})
					continue
				}
				records = append(records, m)
			}
			return records, nil
		default:
			return nil, &ValidationError{Reason: fmt.Sprintf(`"messages" is %T, not a sequence`, field)}
		}
	default:
		return nil, &ValidationError{Reason: "neither mapping-with-messages nor message sequence"}
	}
}

// extractMessage pulls role and content out of one record. Both must be
// present, non-empty strings.
func extractMessage(record map[string]any) (models.ChatMessage, bool) {
	role, _ := record["role"].(string)
	content, _ := record["content"].(string)
	if role == "" || content == "" {
		return models.ChatMessage{}, false
	}
	return models.ChatMessage{Role: models.Role(role), Content: content}, true
}
