package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/daedalus/pkg/cancellation"
	"github.com/wehubfusion/daedalus/pkg/conversation"
	"github.com/wehubfusion/daedalus/pkg/llm"
	"github.com/wehubfusion/daedalus/pkg/locks"
	"github.com/wehubfusion/daedalus/pkg/variables"
)

// LLMDispatcher is the dispatch capability the engine hands to node handlers.
// *llm.Dispatcher satisfies it; tests substitute fakes.
type LLMDispatcher interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
	Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, llm.StreamInfo, error)
	PresetStops(presetName string) []string
}

// SubRunner launches a nested workflow. *Manager satisfies it; handlers for
// the nesting node kinds call back through this so a child run shares the
// parent's request id while getting its own run id and lock scope.
type SubRunner interface {
	Run(ctx context.Context, opts RunOptions) (Result, error)
}

// ExecutionContext is the immutable-per-node value assembled before each node
// runs. It is built fresh per node and never reused; only the Thread it
// points at is shared across a run, mutated strictly in execution order.
type ExecutionContext struct {
	// RequestID identifies the whole nested run stack; the unit of cancellation
	RequestID string

	// RunID identifies this run; the unit of lock scoping
	RunID string

	// DiscussionID identifies the persistent conversation; may be empty
	DiscussionID string

	// NodeIndex is this node's zero-based position in the definition
	NodeIndex int

	// Config is this node's declarative configuration
	Config NodeConfig

	// Thread is the full conversation; some node kinds mutate it in place
	Thread *conversation.Thread

	// Stream is the node-scoped streaming flag: true only for the responder
	// of a streaming run
	Stream bool

	// Outputs is the run's agent-output map (agent<N>Output keys)
	Outputs map[string]string

	// Inputs is the run's read-only agent-input map (agent<N>Input keys)
	Inputs map[string]string

	// Statics holds the workflow's static named values
	Statics map[string]string

	// Resolver is the full variable resolver for this node
	Resolver *variables.Resolver

	// LLM dispatches to backends
	LLM LLMDispatcher

	// Runner launches nested workflows
	Runner SubRunner

	// Locks is the lock store collaborator
	Locks locks.Store

	// Coordinator is the process-wide cancellation table
	Coordinator *cancellation.Coordinator

	// Logger is the run's structured logger
	Logger *zap.Logger
}

// ResolveField resolves a named config field through the full resolver
func (ec *ExecutionContext) ResolveField(key string) string {
	return ec.Resolver.Resolve(ec.Config.String(key))
}
