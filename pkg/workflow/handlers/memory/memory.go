// Package memory implements the ConversationMemory node kind: a thin
// collaborator that produces a recent-history synopsis for prompt templates.
// Persisted memory formats live outside the engine; this handler only
// satisfies the common "given context, produce a result" contract.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/wehubfusion/daedalus/pkg/workflow"
)

const defaultMaxTurns = 10

// Handler summarizes recent conversation turns
type Handler struct{}

// NewHandler creates a ConversationMemory node handler
func NewHandler() *Handler {
	return &Handler{}
}

// Handle renders the most recent conversation turns as a plain transcript.
//
// Configuration fields: maxTurns (default 10).
func (h *Handler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	maxTurns := ec.Config.Int("maxTurns", defaultMaxTurns)
	var b strings.Builder
	for i, msg := range ec.Thread.Tail(maxTurns) {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", msg.Role, msg.Content)
	}
	return workflow.ValueResult(b.String()), nil
}

// NodeType returns the type tag this handler serves
func (h *Handler) NodeType() string {
	return "ConversationMemory"
}
