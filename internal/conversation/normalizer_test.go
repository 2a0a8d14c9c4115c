package conversation_test

import (
	"errors"
	"testing"

	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/internal/conversation"
	"github.com/finsight/finsight/engine/pkg/models"
)

func defaultConfig() config.ConversationConfig {
	return config.ConversationConfig{
		AllowedRoles:          []models.Role{models.RoleUser, models.RoleAssistant},
		IncludeSystemMessages: false,
		MaxHistoryLength:      10,
	}
}

func TestNormalize_FiltersSystemMessages(t *testing.T) {
	n := conversation.NewNormalizer(defaultConfig())

	conv, err := n.Normalize(conversation.FromMessages([]map[string]any{
		{"role": "system", "content": "You are helpful."},
		{"role": "user", "content": "What is EBITDA?"},
		{"role": "assistant", "content": "Earnings before interest, taxes..."},
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if conv.OriginalCount != 3 {
		t.Errorf("OriginalCount = %d, want 3", conv.OriginalCount)
	}
	if conv.RetainedCount != 2 {
		t.Errorf("RetainedCount = %d, want 2", conv.RetainedCount)
	}
	for _, m := range conv.Messages {
		if m.Role == models.RoleSystem {
			t.Errorf("system message survived filtering: %+v", m)
		}
	}
	if conv.Latest == nil || conv.Latest.Role != models.RoleAssistant {
		t.Errorf("Latest = %+v, want last assistant message", conv.Latest)
	}
}

func TestNormalize_IncludeSystemOptIn(t *testing.T) {
	cfg := defaultConfig()
	cfg.IncludeSystemMessages = true
	n := conversation.NewNormalizer(cfg)

	conv, err := n.Normalize(conversation.FromMessages([]map[string]any{
		{"role": "system", "content": "You are helpful."},
		{"role": "user", "content": "Hi"},
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if conv.RetainedCount != 2 {
		t.Errorf("RetainedCount = %d, want 2 (system opted in)", conv.RetainedCount)
	}
}

func TestNormalize_DropsInvalidRecords(t *testing.T) {
	n := conversation.NewNormalizer(defaultConfig())

	conv, err := n.Normalize(conversation.FromMessages([]map[string]any{
		{"role": "user", "content": "valid"},
		{"role": "user"},                  // missing content
		{"content": "missing role"},       // missing role
		{"role": "user", "content": ""},   // empty content
		{"role": 42, "content": "number"}, // non-string role
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if conv.RetainedCount != 1 {
		t.Errorf("RetainedCount = %d, want 1", conv.RetainedCount)
	}
	if conv.DroppedInvalid != 4 {
		t.Errorf("DroppedInvalid = %d, want 4", conv.DroppedInvalid)
	}
}

func TestNormalize_TruncatesToMostRecent(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxHistoryLength = 3
	n := conversation.NewNormalizer(cfg)

	var raw []map[string]any
	for _, content := range []string{"one", "two", "three", "four", "five"} {
		raw = append(raw, map[string]any{"role": "user", "content": content})
	}

	conv, err := n.Normalize(conversation.FromMessages(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if conv.RetainedCount != 3 {
		t.Fatalf("RetainedCount = %d, want 3", conv.RetainedCount)
	}
	want := []string{"three", "four", "five"}
	for i, m := range conv.Messages {
		if m.Content != want[i] {
			t.Errorf("Messages[%d].Content = %q, want %q", i, m.Content, want[i])
		}
	}
	if conv.Latest.Content != "five" {
		t.Errorf("Latest.Content = %q, want %q", conv.Latest.Content, "five")
	}
}

func TestNormalize_EmptyConversationIsValid(t *testing.T) {
	n := conversation.NewNormalizer(defaultConfig())

	conv, err := n.Normalize(conversation.FromMessages([]map[string]any{}))
	if err != nil {
		t.Fatalf("Normalize on empty input: %v", err)
	}
	if conv.RetainedCount != 0 {
		t.Errorf("RetainedCount = %d, want 0", conv.RetainedCount)
	}
	if conv.Latest != nil {
		t.Errorf("Latest = %+v, want nil", conv.Latest)
	}
}

func TestNormalize_WrappedPayload(t *testing.T) {
	n := conversation.NewNormalizer(defaultConfig())

	conv, err := n.Normalize(conversation.FromPayload(map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "from wrapped"},
			"not a mapping",
		},
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if conv.RetainedCount != 1 {
		t.Errorf("RetainedCount = %d, want 1", conv.RetainedCount)
	}
	if conv.DroppedInvalid != 1 {
		t.Errorf("DroppedInvalid = %d, want 1 (non-mapping element)", conv.DroppedInvalid)
	}
}

func TestNormalize_UncoercibleShapeFails(t *testing.T) {
	n := conversation.NewNormalizer(defaultConfig())

	cases := []conversation.Input{
		conversation.FromPayload(map[string]any{"no_messages": true}),
		conversation.FromPayload(map[string]any{"messages": "a string"}),
		{}, // neither side set
	}
	for i, in := range cases {
		_, err := n.Normalize(in)
		var verr *conversation.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("case %d: err = %v, want ValidationError", i, err)
		}
	}
}
