// Package subworkflow implements the CustomWorkflow node kind: it launches a
// nested workflow synchronously and consumes its result. The child shares the
// parent's request id, so one cancellation flag covers the whole nested
// stack, but gets its own run id and lock scope. The child sees only the
// scoped inputs this node explicitly passes down, never the parent's
// agent-output history.
package subworkflow

import (
	"context"
	"fmt"

	"github.com/wehubfusion/daedalus/pkg/workflow"
)

// Handler launches a fixed-target nested workflow
type Handler struct{}

// NewHandler creates a CustomWorkflow node handler
func NewHandler() *Handler {
	return &Handler{}
}

// Handle launches the nested workflow named by workflowName.
//
// Configuration fields: workflowName (required), scopedVariables (templates
// resolved against parent state, exposed to the child as its agent-input
// map), firstSystemPromptOverride, firstPromptOverride.
func (h *Handler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	name := ec.Config.String("workflowName")
	if name == "" {
		return workflow.Result{}, fmt.Errorf("customWorkflow node requires workflowName")
	}

	opts := workflow.RunOptions{
		Workflow:     name,
		RequestID:    ec.RequestID,
		DiscussionID: ec.DiscussionID,
		Thread:       ec.Thread,
		Stream:       ec.Stream,
		NonResponder: !ec.Stream,
		Inputs:       ResolveScopedInputs(ec),
	}
	applyPromptOverrides(ec.Config, &opts)

	result, err := ec.Runner.Run(ctx, opts)
	if err != nil {
		return workflow.Result{}, err
	}
	if result.IsStream() {
		// The child's own assembler already produced fully-formed output.
		return workflow.PreformattedStreamResult(result.Stream), nil
	}
	return result, nil
}

// NodeType returns the type tag this handler serves
func (h *Handler) NodeType() string {
	return "CustomWorkflow"
}

// ResolveScopedInputs resolves the node's scopedVariables templates against
// the parent run's full state. The resolved values become the child's entire
// view of the parent: its agent-input map.
func ResolveScopedInputs(ec *workflow.ExecutionContext) []string {
	templates := ec.Config.StringSlice("scopedVariables")
	if len(templates) == 0 {
		return nil
	}
	inputs := make([]string, len(templates))
	for i, tmpl := range templates {
		inputs[i] = ec.Resolver.Resolve(tmpl)
	}
	return inputs
}

func applyPromptOverrides(cfg workflow.NodeConfig, opts *workflow.RunOptions) {
	if cfg.Has("firstSystemPromptOverride") {
		v := cfg.String("firstSystemPromptOverride")
		opts.FirstSystemPromptOverride = &v
	}
	if cfg.Has("firstPromptOverride") {
		v := cfg.String("firstPromptOverride")
		opts.FirstPromptOverride = &v
	}
}
