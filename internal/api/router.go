// Package api exposes the analysis pipeline over HTTP: a streaming query
// endpoint plus health probing for the store and the model provider.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/finsight/finsight/engine/internal/api/middleware"
	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/internal/conversation"
	"github.com/finsight/finsight/engine/internal/llm"
	"github.com/finsight/finsight/engine/internal/pipeline"
	"github.com/finsight/finsight/engine/internal/store"
)

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	cfg          *config.Config
	store        store.Store
	orchestrator *pipeline.Orchestrator
	probe        *llm.Client
}

// NewServer creates the API server. probe is a pre-built client used only
// for health checks; it may carry none-kind credentials.
func NewServer(cfg *config.Config, s store.Store, orch *pipeline.Orchestrator, probe *llm.Client) *Server {
	return &Server{cfg: cfg, store: s, orchestrator: orch, probe: probe}
}

// Router builds the chi router with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
	})

	return r
}

// queryRequest accepts either the wrapped form {"messages": [...]} or a
// bare message array as the request body.
type queryRequest struct {
	wrapped map[string]any
	bare    []map[string]any
	isBare  bool
}

func decodeQuery(r io.Reader) (*queryRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return nil, err
	}

	var wrapped map[string]any
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return &queryRequest{wrapped: wrapped}, nil
	}

	var bare []map[string]any
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, err
	}
	return &queryRequest{bare: bare, isBare: true}, nil
}

func (q *queryRequest) input() conversation.Input {
	if q.isBare {
		return conversation.FromMessages(q.bare)
	}
	return conversation.FromPayload(q.wrapped)
}

// sseEvent is the wire shape of one streamed fragment.
type sseEvent struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object or message array")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := s.orchestrator.Execute(r.Context(), req.input())
	defer stream.Close()

	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Msg("Fragment stream ended abnormally")
			break
		}

		payload, err := json.Marshal(sseEvent{
			Type:    string(frag.Type),
			Name:    frag.Name,
			Content: frag.Content,
		})
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			// Client went away; Close cancels the execution.
			return
		}
		flusher.Flush()
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

type healthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Store    string            `json:"store"`
	Provider *llm.HealthResult `json:"provider"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := healthResponse{Status: "ok", Version: s.cfg.Version, Store: "ok"}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.Ping(pingCtx); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}

	resp.Provider = s.probe.CheckConnection(ctx)
	if !resp.Provider.Healthy {
		resp.Status = "degraded"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
