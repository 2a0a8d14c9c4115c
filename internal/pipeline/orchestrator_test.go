package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/finsight/finsight/engine/internal/agents"
	"github.com/finsight/finsight/engine/internal/auth"
	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/internal/conversation"
	"github.com/finsight/finsight/engine/internal/pipeline"
	"github.com/finsight/finsight/engine/internal/prompt"
	"github.com/finsight/finsight/engine/internal/router"
	"github.com/finsight/finsight/engine/internal/store"
	"github.com/finsight/finsight/engine/internal/transport"
	"github.com/finsight/finsight/engine/pkg/models"
)

// fakeProvider serves both the routing tool call and the streaming
// generation against one endpoint.
type fakeProvider struct {
	route        string // tool-call answer for non-streamed requests
	streamChunks int    // content chunks for streamed requests
	streamStatus int    // non-zero forces this status on streamed requests
	blockAfter   int    // block after this many chunks until client cancel
}

func (f *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)

		if req["stream"] != true {
			fmt.Fprintf(w, `{
				"model": "fin-low",
				"choices": [{"message": {"content": "", "tool_calls": [
					{"function": {"name": "route_query", "arguments": "{\"route\": \"%s\"}"}}
				]}}],
				"usage": {"prompt_tokens": 40, "completion_tokens": 8, "total_tokens": 48}
			}`, f.route)
			return
		}

		if f.streamStatus != 0 {
			w.WriteHeader(f.streamStatus)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < f.streamChunks; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"part-%d \"}}]}\n\n", i)
			flusher.Flush()
			if f.blockAfter > 0 && i+1 == f.blockAfter {
				<-r.Context().Done()
				return
			}
		}
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
}

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		Port:    0,
		Version: "test",
		Auth:    config.AuthConfig{Method: "none"},
		LLM: config.LLMConfig{
			Endpoint: endpoint,
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
}

func newOrchestrator(t *testing.T, endpoint string) (*pipeline.Orchestrator, *store.MemoryStore) {
	t.Helper()
	cfg := testConfig(endpoint)
	policy, err := transport.NewPolicy(cfg.TLS)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	s := store.NewMemoryStore()
	creds := auth.NewCredentialProvider(cfg.Auth, policy)
	prompts := prompt.NewRegistry(map[string]string{
		pipeline.PromptGeneration: "You are a financial assistant on the {{route}} path.",
	})
	return pipeline.New(cfg, s, policy, creds, prompts, agents.NewRegistry()), s
}

func collect(t *testing.T, stream *pipeline.ResponseStream) []models.ResponseFragment {
	t.Helper()
	var out []models.ResponseFragment
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, frag)
	}
}

func userInput(content string) conversation.Input {
	return conversation.FromMessages([]map[string]any{
		{"role": "user", "content": content},
	})
}

func stageStatuses(s *store.MemoryStore) map[string]models.StageStatus {
	out := make(map[string]models.StageStatus)
	for _, e := range s.MonitorEntries() {
		out[e.StageName] = e.Status
	}
	return out
}

func TestExecute_DirectPath(t *testing.T) {
	provider := &fakeProvider{route: "direct", streamChunks: 3}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	orch, s := newOrchestrator(t, srv.URL)
	stream := orch.Execute(context.Background(), userInput("What is a P/E ratio?"))

	frags := collect(t, stream)
	if len(frags) != 3 {
		t.Fatalf("fragments = %d, want 3", len(frags))
	}
	for _, f := range frags {
		if f.Type != models.FragmentAgent || f.Name != pipeline.AgentName {
			t.Errorf("fragment attribution = %s/%s", f.Type, f.Name)
		}
	}
	if got := stream.State(); got != pipeline.StateDone {
		t.Errorf("State = %q, want Done", got)
	}

	statuses := stageStatuses(s)
	for _, name := range []string{"Secure_Transport", auth.StageName, "Conversation_Normalization", router.StageName, "Response_Generation"} {
		if statuses[name] != models.StageSuccess {
			t.Errorf("stage %q status = %q, want success", name, statuses[name])
		}
	}
}

func TestExecute_ResearchPathEmitsSubagentFragments(t *testing.T) {
	provider := &fakeProvider{route: "research", streamChunks: 2}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	orch, _ := newOrchestrator(t, srv.URL)
	stream := orch.Execute(context.Background(), userInput("Summarize NVDA's latest 10-K."))

	frags := collect(t, stream)
	// Two placeholder subagents, then the main answer chunks.
	if len(frags) != 4 {
		t.Fatalf("fragments = %d, want 4", len(frags))
	}
	if frags[0].Type != models.FragmentSubagent || frags[1].Type != models.FragmentSubagent {
		t.Errorf("first fragments = %s, %s, want subagent fragments first", frags[0].Type, frags[1].Type)
	}
	if frags[2].Type != models.FragmentAgent {
		t.Errorf("fragment[2].Type = %s, want agent", frags[2].Type)
	}
}

func TestExecute_UncoercibleInputAborts(t *testing.T) {
	provider := &fakeProvider{route: "direct", streamChunks: 1}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	orch, s := newOrchestrator(t, srv.URL)
	stream := orch.Execute(context.Background(), conversation.FromPayload(map[string]any{
		"messages": "not a sequence",
	}))

	frags := collect(t, stream)
	if len(frags) != 1 {
		t.Fatalf("fragments = %d, want exactly 1 abort fragment", len(frags))
	}
	if !strings.Contains(frags[0].Content, "conversation input") {
		t.Errorf("abort fragment = %q", frags[0].Content)
	}
	if got := stream.State(); got != pipeline.StateAborted {
		t.Errorf("State = %q, want Aborted", got)
	}

	// Telemetry for the stages run so far is still flushed.
	statuses := stageStatuses(s)
	if statuses["Conversation_Normalization"] != models.StageFailure {
		t.Errorf("normalization status = %q, want failure", statuses["Conversation_Normalization"])
	}
	if _, ok := statuses["Response_Generation"]; ok {
		t.Error("Response_Generation ran after abort")
	}
}

func TestExecute_EmptyConversationStillAnswers(t *testing.T) {
	// Zero stream chunks: the fallback fragment guarantees the caller never
	// comes away empty-handed.
	provider := &fakeProvider{route: "direct", streamChunks: 0}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	orch, _ := newOrchestrator(t, srv.URL)
	stream := orch.Execute(context.Background(), conversation.FromMessages([]map[string]any{}))

	frags := collect(t, stream)
	if len(frags) != 1 {
		t.Fatalf("fragments = %d, want 1 fallback", len(frags))
	}
	if frags[0].Name != pipeline.AgentName {
		t.Errorf("fallback attribution = %q", frags[0].Name)
	}
	if got := stream.State(); got != pipeline.StateDone {
		t.Errorf("State = %q, want Done", got)
	}
}

func TestExecute_GenerationFailureStillFlushes(t *testing.T) {
	provider := &fakeProvider{route: "direct", streamStatus: http.StatusServiceUnavailable}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	orch, s := newOrchestrator(t, srv.URL)
	stream := orch.Execute(context.Background(), userInput("hello"))

	frags := collect(t, stream)
	if len(frags) != 1 {
		t.Fatalf("fragments = %d, want 1 failure fragment", len(frags))
	}
	if !strings.Contains(frags[0].Content, "unavailable") {
		t.Errorf("failure fragment = %q", frags[0].Content)
	}
	if got := stream.State(); got != pipeline.StateDone {
		t.Errorf("State = %q, want Done (failure is still a completed run)", got)
	}

	statuses := stageStatuses(s)
	if statuses["Response_Generation"] != models.StageError {
		t.Errorf("generation status = %q, want error", statuses["Response_Generation"])
	}
}

func TestExecute_EarlyCloseFlushesPartialTelemetry(t *testing.T) {
	provider := &fakeProvider{route: "direct", streamChunks: 10, blockAfter: 2}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	orch, s := newOrchestrator(t, srv.URL)
	stream := orch.Execute(context.Background(), userInput("long analysis please"))

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	// Abandon mid-generation. Close must tear down the provider stream,
	// flush telemetry and return.
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := s.MonitorEntries()
	if len(entries) == 0 {
		t.Fatal("no telemetry flushed after early close")
	}

	var gen *models.MonitorEntry
	for i := range entries {
		if entries[i].StageName == "Response_Generation" {
			gen = &entries[i]
		}
	}
	if gen == nil {
		t.Fatal("Response_Generation entry missing")
	}
	if gen.Status != models.StageFailure {
		t.Errorf("generation status = %q, want failure", gen.Status)
	}
	if gen.CustomMetadata["partial"] != true {
		t.Errorf("partial metadata = %v, want true", gen.CustomMetadata["partial"])
	}
	if gen.EndTime.Before(gen.StartTime) {
		t.Errorf("EndTime %v before StartTime %v", gen.EndTime, gen.StartTime)
	}
	if len(gen.LLMCalls) != 1 {
		t.Errorf("LLMCalls = %d, want 1 (stream close records the call)", len(gen.LLMCalls))
	}
}

func TestExecute_ConcurrentExecutionsIsolated(t *testing.T) {
	provider := &fakeProvider{route: "direct", streamChunks: 2}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	orch, s := newOrchestrator(t, srv.URL)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(n int) {
			stream := orch.Execute(context.Background(), userInput(fmt.Sprintf("query %d", n)))
			for {
				_, err := stream.Recv()
				if err == io.EOF {
					errs <- nil
					return
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}

	runs := make(map[string]int)
	for _, e := range s.MonitorEntries() {
		runs[e.RunID]++
	}
	if len(runs) != 3 {
		t.Fatalf("distinct run ids = %d, want 3", len(runs))
	}
	for id, n := range runs {
		if n != 5 {
			t.Errorf("run %s stage entries = %d, want 5", id, n)
		}
	}
}
