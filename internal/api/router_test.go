package api_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/finsight/finsight/engine/internal/agents"
	"github.com/finsight/finsight/engine/internal/api"
	"github.com/finsight/finsight/engine/internal/auth"
	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/internal/llm"
	"github.com/finsight/finsight/engine/internal/pipeline"
	"github.com/finsight/finsight/engine/internal/prompt"
	"github.com/finsight/finsight/engine/internal/store"
	"github.com/finsight/finsight/engine/internal/transport"
	"github.com/finsight/finsight/engine/pkg/models"
)

// provider answers the routing tool call, the streamed generation and the
// health probe from one endpoint.
func providerHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)

		if req["stream"] != true {
			fmt.Fprint(w, `{
				"model": "fin-low",
				"choices": [{"message": {"content": "", "tool_calls": [
					{"function": {"name": "route_query", "arguments": "{\"route\": \"direct\"}"}}
				]}}],
				"usage": {"prompt_tokens": 40, "completion_tokens": 8, "total_tokens": 48}
			}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"answer text\"}}]}\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
}

func newAPIServer(t *testing.T, providerURL string) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Version: "test",
		Auth:    config.AuthConfig{Method: "none"},
		LLM: config.LLMConfig{
			Endpoint: providerURL,
			Timeout:  5 * time.Second,
			TierModels: map[models.Tier]string{
				models.TierLow:    "fin-low",
				models.TierMedium: "fin-medium",
				models.TierHigh:   "fin-high",
			},
			Pricing: map[models.Tier]models.TierPricing{
				models.TierLow:    {InputPer1K: 0.1, OutputPer1K: 0.2},
				models.TierMedium: {InputPer1K: 1.0, OutputPer1K: 2.0},
				models.TierHigh:   {InputPer1K: 5.0, OutputPer1K: 10.0},
			},
		},
		Conversation: config.ConversationConfig{
			AllowedRoles:     []models.Role{models.RoleUser, models.RoleAssistant},
			MaxHistoryLength: 10,
		},
	}

	policy, err := transport.NewPolicy(cfg.TLS)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	dataStore := store.NewMemoryStore()
	creds := auth.NewCredentialProvider(cfg.Auth, policy)
	prompts := prompt.NewRegistry(map[string]string{
		pipeline.PromptGeneration: "Answer as a financial assistant.",
	})
	orch := pipeline.New(cfg, dataStore, policy, creds, prompts, agents.NewRegistry())
	probe := llm.NewClient(cfg.LLM, models.AuthConfig{Kind: models.CredentialNone}, policy)

	srv := httptest.NewServer(api.NewServer(cfg, dataStore, orch, probe).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestQuery_StreamsSSE(t *testing.T) {
	provider := httptest.NewServer(providerHandler())
	defer provider.Close()
	srv := newAPIServer(t, provider.URL)

	resp, err := http.Post(srv.URL+"/api/v1/query", "application/json",
		strings.NewReader(`{"messages": [{"role": "user", "content": "What is duration risk?"}]}`))
	if err != nil {
		t.Fatalf("POST /api/v1/query: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var events []string
	sawDone := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}
		events = append(events, data)
	}

	if len(events) == 0 {
		t.Fatal("no fragment events received")
	}
	if !sawDone {
		t.Error("stream did not terminate with [DONE]")
	}

	var ev struct {
		Type    string `json:"type"`
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(events[len(events)-1]), &ev); err != nil {
		t.Fatalf("decode event %q: %v", events[len(events)-1], err)
	}
	if ev.Type != "agent" || ev.Name != pipeline.AgentName {
		t.Errorf("event attribution = %s/%s", ev.Type, ev.Name)
	}
	if ev.Content != "answer text" {
		t.Errorf("event content = %q", ev.Content)
	}
}

func TestQuery_BareArrayBody(t *testing.T) {
	provider := httptest.NewServer(providerHandler())
	defer provider.Close()
	srv := newAPIServer(t, provider.URL)

	resp, err := http.Post(srv.URL+"/api/v1/query", "application/json",
		strings.NewReader(`[{"role": "user", "content": "hi"}]`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for bare message array", resp.StatusCode)
	}
}

func TestQuery_MalformedBody(t *testing.T) {
	provider := httptest.NewServer(providerHandler())
	defer provider.Close()
	srv := newAPIServer(t, provider.URL)

	resp, err := http.Post(srv.URL+"/api/v1/query", "application/json",
		strings.NewReader("not json at all"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth_Healthy(t *testing.T) {
	provider := httptest.NewServer(providerHandler())
	defer provider.Close()
	srv := newAPIServer(t, provider.URL)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Store    string `json:"store"`
		Provider struct {
			Healthy bool `json:"healthy"`
		} `json:"provider"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Store != "ok" || !body.Provider.Healthy {
		t.Errorf("health = %+v", body)
	}
}

func TestHealth_DegradedProvider(t *testing.T) {
	// Unreachable provider endpoint: health reports degraded, not an error.
	srv := newAPIServer(t, "http://127.0.0.1:1")

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
