// Package pipeline sequences one execution: secure transport, credentials,
// conversation normalization, routing and response generation, with every
// stage reporting into the execution's telemetry accumulator and a batch
// flush at the end.
//
// The state machine is strictly sequential:
//
//	Init → SecureTransportReady → Authenticated → ConversationNormalized →
//	Routed → Generating → Flushed → Done
//
// Aborted is the terminal state for unrecoverable failures before
// Generating. Once Generating is reached the pipeline always reaches
// Flushed/Done: a failure mid-generation becomes a final failure fragment
// and telemetry for the work done so far is still persisted.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/finsight/finsight/engine/internal/agents"
	"github.com/finsight/finsight/engine/internal/auth"
	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/internal/conversation"
	"github.com/finsight/finsight/engine/internal/llm"
	"github.com/finsight/finsight/engine/internal/monitor"
	"github.com/finsight/finsight/engine/internal/prompt"
	"github.com/finsight/finsight/engine/internal/router"
	"github.com/finsight/finsight/engine/internal/store"
	"github.com/finsight/finsight/engine/internal/transport"
	"github.com/finsight/finsight/engine/pkg/models"
)

// State is one phase of the execution state machine.
type State string

const (
	StateInit                   State = "Init"
	StateSecureTransportReady   State = "SecureTransportReady"
	StateAuthenticated          State = "Authenticated"
	StateConversationNormalized State = "ConversationNormalized"
	StateRouted                 State = "Routed"
	StateGenerating             State = "Generating"
	StateFlushed                State = "Flushed"
	StateDone                   State = "Done"
	StateAborted                State = "Aborted"
)

// AgentName attributes main-path fragments.
const AgentName = "financial_analyst"

// PromptGeneration is the registry key for the generation system prompt.
const PromptGeneration = "generation_system"

// ExecutionContext is the immutable per-execution bundle handed to every
// collaborator. Collaborators never mutate it.
type ExecutionContext struct {
	ID   string
	Auth models.AuthConfig
	TLS  *transport.Policy
}

// Orchestrator builds and runs executions. One orchestrator serves many
// concurrent executions; each execution gets its own ExecutionContext and
// telemetry accumulator.
type Orchestrator struct {
	cfg     *config.Config
	store   store.Store
	policy  *transport.Policy
	creds   *auth.CredentialProvider
	norm    *conversation.Normalizer
	prompts *prompt.Registry
	agents  *agents.Registry
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, s store.Store, policy *transport.Policy, creds *auth.CredentialProvider, prompts *prompt.Registry, registry *agents.Registry) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   s,
		policy:  policy,
		creds:   creds,
		norm:    conversation.NewNormalizer(cfg.Conversation),
		prompts: prompts,
		agents:  registry,
	}
}

// Execute starts one execution and returns its fragment stream. It never
// fails outright: every outcome, including total failure, is communicated
// through at least one fragment so the caller cannot hang.
func (o *Orchestrator) Execute(ctx context.Context, input conversation.Input) *ResponseStream {
	runCtx, cancel := context.WithCancel(ctx)
	stream := newResponseStream(cancel)

	go o.run(runCtx, input, stream)
	return stream
}

func (o *Orchestrator) run(ctx context.Context, input conversation.Input, stream *ResponseStream) {
	defer stream.finish()

	execID := uuid.NewString()
	acc := monitor.NewAccumulator(execID, o.store)
	logger := log.With().Str("run_id", execID).Logger()

	abort := func(reason string, err error) {
		logger.Warn().Err(err).Str("reason", reason).Msg("Execution aborted")
		stream.setState(StateAborted)
		stream.emit(ctx, models.ResponseFragment{
			Type:    models.FragmentAgent,
			Name:    "pipeline",
			Content: reason,
		})
		o.flush(ctx, acc)
	}

	// Secure transport: the policy is process-wide; the stage records that
	// this execution picked it up.
	tlsStage := acc.StartStage("Secure_Transport")
	tlsStage.End(models.StageSuccess)
	stream.setState(StateSecureTransportReady)

	// Credentials. Kind=none is a legal outcome; downstream calls fail on
	// their own terms if auth was actually required.
	cred := o.creds.Acquire(ctx, acc)
	stream.setState(StateAuthenticated)

	execCtx := ExecutionContext{ID: execID, Auth: cred, TLS: o.policy}

	// Normalization. Only an uncoercible shape aborts; everything else
	// degrades (an empty conversation is valid).
	normStage := acc.StartStage("Conversation_Normalization")
	conv, err := o.norm.Normalize(input)
	if err != nil {
		normStage.End(models.StageFailure, monitor.WithError(err))
		abort("Could not read the conversation input: "+err.Error(), err)
		return
	}
	normStage.End(models.StageSuccess, monitor.WithMetadata(map[string]any{
		"original_count":  conv.OriginalCount,
		"retained_count":  conv.RetainedCount,
		"dropped_invalid": conv.DroppedInvalid,
	}))
	stream.setState(StateConversationNormalized)

	client := llm.NewClient(o.cfg.LLM, execCtx.Auth, o.policy)

	decision := router.New(client).Decide(ctx, conv, acc)
	stream.setState(StateRouted)

	// Point of no return: from here the pipeline always flushes.
	stream.setState(StateGenerating)
	o.generate(ctx, client, conv, decision, acc, stream, logger)

	o.flush(ctx, acc)
	stream.setState(StateFlushed)
	stream.setState(StateDone)
	logger.Info().Str("route", string(decision)).Msg("Execution complete")
}

// generate runs the response-generation stage. All failure paths end the
// stage, emit a user-facing fragment, and return normally so the caller
// can flush.
func (o *Orchestrator) generate(ctx context.Context, client *llm.Client, conv *models.NormalizedConversation, decision models.RouteDecision, acc *monitor.Accumulator, stream *ResponseStream, logger zerolog.Logger) {
	stage := acc.StartStage("Response_Generation")
	emitted := 0

	// Research path: each subagent contributes an attributed fragment
	// before the main answer.
	if decision == models.RouteResearch {
		for _, sub := range o.agents.All() {
			content, err := sub.Run(ctx, conv)
			if err != nil {
				logger.Warn().Err(err).Str("subagent", sub.Name()).Msg("Subagent failed, continuing")
				continue
			}
			if !stream.emit(ctx, models.ResponseFragment{
				Type:    models.FragmentSubagent,
				Name:    sub.Name(),
				Content: content,
			}) {
				stage.End(models.StageFailure,
					monitor.WithError(ctx.Err()),
					monitor.WithMetadata(map[string]any{"partial": true, "fragments": emitted}))
				return
			}
			emitted++
		}
	}

	system, err := o.prompts.Render(PromptGeneration, map[string]string{
		"route": string(decision),
	})
	if err != nil {
		// Missing template is a wiring bug, not a user problem; still
		// answer from the conversation alone.
		logger.Error().Err(err).Msg("Generation prompt unavailable")
		system = ""
	}

	messages := make([]models.ChatMessage, 0, len(conv.Messages)+1)
	if system != "" {
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: system})
	}
	messages = append(messages, conv.Messages...)

	tier := models.TierMedium
	if decision == models.RouteResearch {
		tier = models.TierHigh
	}

	completion, err := client.Stream(ctx, llm.CompletionRequest{Messages: messages, Tier: tier}, stage)
	if err != nil {
		stage.End(models.StageError, monitor.WithError(err))
		stream.emit(ctx, models.ResponseFragment{
			Type:    models.FragmentAgent,
			Name:    "pipeline",
			Content: "The analysis service is unavailable right now: " + err.Error(),
		})
		return
	}
	defer completion.Close()

	for {
		chunk, err := completion.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				stage.End(models.StageFailure,
					monitor.WithError(ctx.Err()),
					monitor.WithMetadata(map[string]any{"partial": true, "fragments": emitted}))
				return
			}
			stage.End(models.StageError, monitor.WithError(err))
			stream.emit(ctx, models.ResponseFragment{
				Type:    models.FragmentAgent,
				Name:    "pipeline",
				Content: "The response was interrupted: " + err.Error(),
			})
			return
		}

		if !stream.emit(ctx, models.ResponseFragment{
			Type:    models.FragmentAgent,
			Name:    AgentName,
			Content: chunk.Content,
		}) {
			// Consumer stopped pulling. Close the provider stream first so
			// its call record lands before the stage freezes.
			completion.Close()
			stage.End(models.StageFailure,
				monitor.WithError(ctx.Err()),
				monitor.WithMetadata(map[string]any{"partial": true, "fragments": emitted}))
			return
		}
		emitted++
	}

	if emitted == 0 {
		// The caller must never come away empty-handed.
		stream.emit(ctx, models.ResponseFragment{
			Type:    models.FragmentAgent,
			Name:    AgentName,
			Content: "I could not produce an answer for this request.",
		})
	}

	stage.End(models.StageSuccess, monitor.WithMetadata(map[string]any{"fragments": emitted}))
}

// flush persists accumulated telemetry even when the execution context is
// already cancelled.
func (o *Orchestrator) flush(ctx context.Context, acc *monitor.Accumulator) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	acc.Flush(flushCtx)
}
