// Package staticcontent implements the StaticContent node kind: it returns
// its resolved content field verbatim. As a streaming responder the content
// is delivered as a single-fragment sequence through the engine's assembler.
package staticcontent

import (
	"context"

	"github.com/wehubfusion/daedalus/pkg/workflow"
)

// Handler returns templated static text
type Handler struct{}

// NewHandler creates a StaticContent node handler
func NewHandler() *Handler {
	return &Handler{}
}

// Handle resolves the content field against the run's full state.
//
// Configuration fields: content.
func (h *Handler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	content := ec.ResolveField("content")
	if !ec.Stream {
		return workflow.ValueResult(content), nil
	}

	out := make(chan workflow.Fragment, 2)
	out <- workflow.Fragment{Token: content}
	out <- workflow.Fragment{FinishReason: workflow.FinishReasonStop}
	close(out)
	return workflow.TokenStreamResult(out, workflow.StreamMeta{ChatStyle: true}), nil
}

// NodeType returns the type tag this handler serves
func (h *Handler) NodeType() string {
	return "StaticContent"
}
