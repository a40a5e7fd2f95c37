// Package standard implements the default node kind: a direct LLM call
// through the configured endpoint and preset.
package standard

import (
	"context"
	"fmt"

	"github.com/wehubfusion/daedalus/pkg/llm"
	"github.com/wehubfusion/daedalus/pkg/workflow"
)

// Handler dispatches a node's prompt to an LLM backend
type Handler struct{}

// NewHandler creates a Standard node handler
func NewHandler() *Handler {
	return &Handler{}
}

// Handle resolves the node's prompts and dispatches. Streaming is honored
// only when the node-scoped streaming flag is set; every other node performs
// a single-shot call regardless of how the run was started.
//
// Configuration fields: endpointName (required), preset, prompt,
// systemPrompt. An empty prompt sends the conversation history instead.
func (h *Handler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	endpointName := ec.Config.String("endpointName")
	if endpointName == "" {
		return workflow.Result{}, fmt.Errorf("standard node requires endpointName")
	}

	req := llm.Request{
		RequestID:    ec.RequestID,
		EndpointName: endpointName,
		PresetName:   ec.Config.String("preset"),
		SystemPrompt: ec.ResolveField("systemPrompt"),
		Prompt:       ec.ResolveField("prompt"),
		Messages:     ec.Thread.Messages,
	}

	if !ec.Stream {
		value, err := ec.LLM.Complete(ctx, req)
		if err != nil {
			return workflow.Result{}, err
		}
		return workflow.ValueResult(workflow.StripStopMarkers(value, ec.LLM.PresetStops(req.PresetName))), nil
	}

	deltas, info, err := ec.LLM.Stream(ctx, req)
	if err != nil {
		return workflow.Result{}, err
	}

	meta := workflow.StreamMeta{
		ChatStyle: info.ChatStyle,
		Stop:      info.Stop,
	}
	if !info.ChatStyle {
		meta.SpeakerPrefix = ec.Thread.InferSpeakerPrefix()
	}

	fragments := make(chan workflow.Fragment)
	go func() {
		defer close(fragments)
		for delta := range deltas {
			fragments <- workflow.Fragment{Token: delta.Content, FinishReason: delta.FinishReason}
		}
	}()
	return workflow.TokenStreamResult(fragments, meta), nil
}

// NodeType returns the type tag this handler serves
func (h *Handler) NodeType() string {
	return workflow.NodeTypeStandard
}
