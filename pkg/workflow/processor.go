package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/daedalus/pkg/cancellation"
	"github.com/wehubfusion/daedalus/pkg/conversation"
	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/locks"
	"github.com/wehubfusion/daedalus/pkg/variables"
)

// streamBufferSize is the fragment channel buffer for a streaming responder.
// It absorbs bursts from fast producers without delaying the first fragment.
const streamBufferSize = 64

// Processor executes one workflow's node list once, front to back. It decides
// per node whether it is the responder, builds its execution context,
// dispatches to the registered handler, reassembles streamed output when
// needed and threads outputs forward. Lock release and cancellation
// acknowledgement are guaranteed on every exit path.
type Processor struct {
	requestID    string
	runID        string
	discussionID string
	def          *Definition
	thread       *conversation.Thread
	stream       bool

	outputs map[string]string
	inputs  map[string]string

	systemOverride   *string
	promptOverride   *string
	overridesPending bool

	registry    *Registry
	llm         LLMDispatcher
	runner      SubRunner
	locks       locks.Store
	coordinator *cancellation.Coordinator
	logger      *zap.Logger
}

// Execute runs the node list. For a streaming run whose responder produced a
// lazy sequence, the returned result carries a fragment channel that is fed
// live; nodes after the responder and the final lock release then run once
// that sequence is exhausted, driven by the engine. In every other case the
// call is fully synchronous.
func (p *Processor) Execute(ctx context.Context) (Result, error) {
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := p.locks.ReleaseLocks(ctx, p.discussionID, p.runID); err != nil {
			p.logger.Warn("failed to release workflow locks",
				zap.String("run_id", p.runID), zap.Error(err))
		}
	}

	responderIdx := p.responderIndex()
	var responderValue string

	for i := range p.def.Nodes {
		result, err := p.runNode(ctx, i, i == responderIdx)
		if err != nil {
			release()
			if dderrors.IsEarlyTermination(err) {
				return Result{}, err
			}
			return Result{}, fmt.Errorf("node %d (%s) failed: %w", i+1, p.def.Nodes[i].Type(), err)
		}

		if i == responderIdx && p.stream && result.IsStream() {
			return p.streamResponder(ctx, i, result, release), nil
		}

		value := result.Drain()
		p.storeOutput(i, value)
		if i == responderIdx {
			responderValue = value
		}
	}

	release()
	if p.stream {
		// The responder resolved to a plain value; streaming callers still
		// receive a lazy sequence.
		return PreformattedStreamResult(valueStream(responderValue)), nil
	}
	return ValueResult(responderValue), nil
}

// runNode performs the per-node algorithm up to and including handler
// dispatch: cancellation check, one-time prompt-override splice, early
// endpoint/preset resolution, context assembly, dispatch.
func (p *Processor) runNode(ctx context.Context, index int, isResponder bool) (Result, error) {
	if p.coordinator.IsCancelled(p.requestID) {
		p.coordinator.Acknowledge(p.requestID)
		p.logger.Info("cancellation observed, terminating run",
			zap.String("request_id", p.requestID),
			zap.String("run_id", p.runID),
			zap.Int("node", index+1))
		return Result{}, fmt.Errorf("request '%s' cancelled: %w", p.requestID, errEarlyTermination)
	}

	node := p.def.Nodes[index].Clone()
	p.spliceOverrides(node)
	p.resolveEarlyFields(node)

	handler, err := p.lookupHandler(node)
	if err != nil {
		return Result{}, err
	}

	ec := p.buildContext(index, node, isResponder && p.stream)
	p.logger.Debug("dispatching node",
		zap.String("run_id", p.runID),
		zap.Int("node", index+1),
		zap.String("node_type", node.Type()),
		zap.Bool("responder", isResponder),
		zap.Bool("stream", ec.Stream))

	return handler.Handle(ctx, ec)
}

// streamResponder forwards the responder's fragments live while assembling
// them for storage, then drives the remaining nodes and cleanup once the
// sequence is exhausted.
func (p *Processor) streamResponder(ctx context.Context, index int, result Result, release func()) Result {
	out := make(chan Fragment, streamBufferSize)
	go func() {
		defer close(out)
		defer release()

		var value string
		if result.Kind == KindPreformattedStream {
			// A nested workflow already produced fully-formed outbound
			// fragments; pass them through verbatim.
			var b strings.Builder
			for frag := range result.Stream {
				b.WriteString(frag.Token)
				out <- frag
			}
			value = b.String()
		} else {
			value = NewAssembler(result.Meta).Run(result.Stream, out)
		}
		p.storeOutput(index, value)

		// The producer stops yielding once the request is flagged, so the
		// stream can end with the flag still set and no further node to
		// observe it. Acknowledge here; locks release via the deferred call.
		if p.coordinator.IsCancelled(p.requestID) {
			p.coordinator.Acknowledge(p.requestID)
			p.logger.Info("cancellation observed after responder stream, skipping remaining nodes",
				zap.String("request_id", p.requestID),
				zap.String("run_id", p.runID))
			return
		}

		p.runTrailing(ctx, index+1)
	}()
	return PreformattedStreamResult(out)
}

// runTrailing executes the nodes after the responder. Their results are still
// stored and used for deferred side effects, but are never surfaced. With the
// response already under way, failures here can only be logged; locks are
// still released by the caller's deferred release.
func (p *Processor) runTrailing(ctx context.Context, from int) {
	for i := from; i < len(p.def.Nodes); i++ {
		result, err := p.runNode(ctx, i, false)
		if err != nil {
			if dderrors.IsEarlyTermination(err) {
				p.logger.Info("post-responder nodes terminated early",
					zap.String("run_id", p.runID), zap.Int("node", i+1))
			} else {
				p.logger.Error("post-responder node failed",
					zap.String("run_id", p.runID), zap.Int("node", i+1), zap.Error(err))
			}
			return
		}
		p.storeOutput(i, result.Drain())
	}
}

// responderIndex selects the single responder: the first node explicitly
// marked returnToUser, else the last node.
func (p *Processor) responderIndex() int {
	idx := -1
	for i := range p.def.Nodes {
		if p.def.Nodes[i].Bool("returnToUser") {
			if idx == -1 {
				idx = i
			} else {
				p.logger.Warn("multiple nodes marked returnToUser, using the first",
					zap.String("workflow", p.def.Name),
					zap.Int("ignored_node", i+1))
			}
		}
	}
	if idx == -1 {
		idx = len(p.def.Nodes) - 1
	}
	return idx
}

// spliceOverrides applies the run's one-time prompt overrides to the first
// node carrying a prompt-shaped field, then clears the pending flag.
func (p *Processor) spliceOverrides(node NodeConfig) {
	if !p.overridesPending {
		return
	}
	if !node.Has("prompt") && !node.Has("systemPrompt") {
		return
	}
	if p.systemOverride != nil {
		node["systemPrompt"] = *p.systemOverride
	}
	if p.promptOverride != nil {
		node["prompt"] = *p.promptOverride
	}
	p.overridesPending = false
}

// resolveEarlyFields resolves substitution markers in the node's endpoint and
// preset fields using only the run's scoped inputs and the workflow's static
// values. Sibling agent outputs are deliberately out of scope here; routing
// on another node's output goes through conditional workflow nodes.
func (p *Processor) resolveEarlyFields(node NodeConfig) {
	early := variables.NewEarlyResolver(p.def.Statics, p.inputs)
	for _, key := range []string{"endpointName", "preset"} {
		if value := node.String(key); strings.Contains(value, "{") {
			node[key] = early.Resolve(value)
		}
	}
}

func (p *Processor) lookupHandler(node NodeConfig) (Handler, error) {
	nodeType := node.Type()
	if h, ok := p.registry.Resolve(nodeType); ok {
		return h, nil
	}
	p.logger.Warn("unrecognized node type, falling back to Standard",
		zap.String("node_type", nodeType),
		zap.String("workflow", p.def.Name))
	h, ok := p.registry.Default()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for type '%s' and no Standard handler registered",
			errInvalidNode, nodeType)
	}
	return h, nil
}

func (p *Processor) buildContext(index int, node NodeConfig, stream bool) *ExecutionContext {
	return &ExecutionContext{
		RequestID:    p.requestID,
		RunID:        p.runID,
		DiscussionID: p.discussionID,
		NodeIndex:    index,
		Config:       node,
		Thread:       p.thread,
		Stream:       stream,
		Outputs:      p.outputs,
		Inputs:       p.inputs,
		Statics:      p.def.Statics,
		Resolver:     variables.NewResolver(p.def.Statics, p.inputs, p.outputs, p.thread),
		LLM:          p.llm,
		Runner:       p.runner,
		Locks:        p.locks,
		Coordinator:  p.coordinator,
		Logger:       p.logger,
	}
}

// storeOutput records a node's result under its positional output key.
// A key is never overwritten within a run.
func (p *Processor) storeOutput(index int, value string) {
	key := fmt.Sprintf("agent%dOutput", index+1)
	if _, exists := p.outputs[key]; exists {
		return
	}
	p.outputs[key] = value
}
