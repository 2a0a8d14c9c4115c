// Package server is the public entry point for composing the analysis
// engine: it loads configuration, wires the store, credential provider,
// prompt registry and pipeline orchestrator, and exposes the HTTP handler.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/finsight/finsight/engine/internal/agents"
	"github.com/finsight/finsight/engine/internal/api"
	"github.com/finsight/finsight/engine/internal/auth"
	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/internal/llm"
	"github.com/finsight/finsight/engine/internal/monitor"
	"github.com/finsight/finsight/engine/internal/pipeline"
	"github.com/finsight/finsight/engine/internal/prompt"
	"github.com/finsight/finsight/engine/internal/store"
	"github.com/finsight/finsight/engine/internal/telemetry"
	"github.com/finsight/finsight/engine/internal/transport"
)

// defaultPrompts seeds the registry. Callers can register or override
// templates before serving.
var defaultPrompts = map[string]string{
	pipeline.PromptGeneration: "You are a financial analysis assistant. " +
		"Answer precisely, cite figures when you use them, and say so when " +
		"you do not know. The request was routed as: {{route}}.",
}

// Server holds the initialized engine.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Config  *config.Config
	Port    int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all engine components from the environment and returns
// a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	policy, err := transport.NewPolicy(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("secure transport: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		dataStore = pg
		log.Info().Msg("Postgres store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized (no DATABASE_URL)")
	}

	creds := auth.NewCredentialProvider(cfg.Auth, policy)
	prompts := prompt.NewRegistry(defaultPrompts)
	registry := agents.NewRegistry()

	orch := pipeline.New(cfg, dataStore, policy, creds, prompts, registry)

	// The health probe client carries whatever credential is available at
	// startup; a none-kind credential still exercises the endpoint.
	probeCred := creds.Acquire(ctx, monitor.NewAccumulator("startup", dataStore))
	probe := llm.NewClient(cfg.LLM, probeCred, policy)

	srv := api.NewServer(cfg, dataStore, orch, probe)

	return &Server{
		Handler:      srv.Router(),
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
