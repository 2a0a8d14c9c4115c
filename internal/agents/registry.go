// Package agents holds the subagent registry for the research path.
//
// The specialized retrieval agents are placeholders today: each announces
// itself with an attributed fragment so consumers see where research
// output will appear once the retrieval backends land.
package agents

import (
	"context"
	"sync"

	"github.com/finsight/finsight/engine/pkg/models"
)

// Subagent is one specialized retrieval agent on the research path.
type Subagent interface {
	Name() string
	// Run produces this agent's contribution for the conversation.
	Run(ctx context.Context, conv *models.NormalizedConversation) (string, error)
}

// Registry holds the available subagents in registration order.
type Registry struct {
	mu     sync.RWMutex
	agents []Subagent
}

// NewRegistry creates a registry preloaded with the built-in placeholders.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&placeholder{name: "market_data"})
	r.Register(&placeholder{name: "filings"})
	return r
}

// Register appends a subagent. Later registrations run after earlier ones.
func (r *Registry) Register(a Subagent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, a)
}

// All returns the registered subagents in order.
func (r *Registry) All() []Subagent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subagent, len(r.agents))
	copy(out, r.agents)
	return out
}

// placeholder is a stub subagent awaiting its retrieval backend.
type placeholder struct {
	name string
}

func (p *placeholder) Name() string { return p.name }

func (p *placeholder) Run(_ context.Context, _ *models.NormalizedConversation) (string, error) {
	return "[" + p.name + " retrieval is not yet available]", nil
}
