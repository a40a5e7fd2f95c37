// Package conditional implements the ConditionalCustomWorkflow node kind:
// nested-workflow launch where the target name is chosen from a map keyed by
// a resolved, trimmed, case-folded lookup value, with a "default" entry as
// fallback and a literal-content escape hatch when no target exists.
package conditional

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/workflow"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/subworkflow"
)

// defaultRouteKey is the fallback entry consulted when the folded lookup
// value matches no route.
const defaultRouteKey = "default"

var folder = cases.Fold()

// Handler launches a conditionally-routed nested workflow
type Handler struct{}

// NewHandler creates a ConditionalCustomWorkflow node handler
func NewHandler() *Handler {
	return &Handler{}
}

// Handle resolves the routing key and launches the selected workflow.
//
// Configuration fields: conditionalKey (template, required), workflows
// (route map), routeOverrides (per-route system prompt overrides),
// scopedVariables, useDefaultContentInsteadOfWorkflow (literal content
// returned when routing yields no target).
func (h *Handler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	keyTemplate := ec.Config.String("conditionalKey")
	if keyTemplate == "" {
		return workflow.Result{}, fmt.Errorf("conditionalCustomWorkflow node requires conditionalKey")
	}
	routes := ec.Config.StringMap("workflows")
	if len(routes) == 0 {
		return workflow.Result{}, fmt.Errorf("conditionalCustomWorkflow node requires a workflows map")
	}

	key := Fold(ec.Resolver.Resolve(keyTemplate))
	target, matched := Route(routes, key)

	if target == "" {
		// No route and no default: the escape hatch returns literal content
		// instead of running anything.
		if ec.Config.Has("useDefaultContentInsteadOfWorkflow") {
			content := ec.Resolver.Resolve(ec.Config.String("useDefaultContentInsteadOfWorkflow"))
			if ec.Stream {
				return workflow.TokenStreamResult(literalStream(content), workflow.StreamMeta{ChatStyle: true}), nil
			}
			return workflow.ValueResult(content), nil
		}
		return workflow.Result{}, fmt.Errorf("%w: key '%s' matched no workflow and no default exists", dderrors.ErrNoRouteTarget, key)
	}

	ec.Logger.Debug("conditional route selected",
		zap.String("key", key),
		zap.String("target", target),
		zap.String("matched_route", matched))

	opts := workflow.RunOptions{
		Workflow:     target,
		RequestID:    ec.RequestID,
		DiscussionID: ec.DiscussionID,
		Thread:       ec.Thread,
		Stream:       ec.Stream,
		NonResponder: !ec.Stream,
		Inputs:       subworkflow.ResolveScopedInputs(ec),
	}
	if overrides := ec.Config.StringMap("routeOverrides"); overrides != nil {
		if override, ok := lookupFolded(overrides, matched); ok {
			opts.FirstSystemPromptOverride = &override
		}
	}

	result, err := ec.Runner.Run(ctx, opts)
	if err != nil {
		return workflow.Result{}, err
	}
	if result.IsStream() {
		return workflow.PreformattedStreamResult(result.Stream), nil
	}
	return result, nil
}

// NodeType returns the type tag this handler serves
func (h *Handler) NodeType() string {
	return "ConditionalCustomWorkflow"
}

// Fold normalizes a routing key: surrounding whitespace trimmed, then Unicode
// case folding.
func Fold(key string) string {
	return folder.String(strings.TrimSpace(key))
}

// Route picks the workflow for a folded key: exact (folded) match first, then
// the default entry. It returns the target name and the route key that
// matched; both are empty when routing yields no target.
func Route(routes map[string]string, key string) (target, matched string) {
	if t, ok := lookupFolded(routes, key); ok {
		return t, key
	}
	if t, ok := routes[defaultRouteKey]; ok {
		return t, defaultRouteKey
	}
	return "", ""
}

func lookupFolded(m map[string]string, key string) (string, bool) {
	for k, v := range m {
		if Fold(k) == key {
			return v, true
		}
	}
	return "", false
}

func literalStream(content string) <-chan workflow.Fragment {
	out := make(chan workflow.Fragment, 2)
	out <- workflow.Fragment{Token: content}
	out <- workflow.Fragment{FinishReason: workflow.FinishReasonStop}
	close(out)
	return out
}
