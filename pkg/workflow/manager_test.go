package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/daedalus/pkg/cancellation"
	"github.com/wehubfusion/daedalus/pkg/conversation"
	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/locks"
	"github.com/wehubfusion/daedalus/pkg/workflow"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/subworkflow"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/worklock"
)

// stubHandler adapts a closure into a node handler
type stubHandler struct {
	typeName string
	handle   func(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error)
}

func (h *stubHandler) NodeType() string { return h.typeName }

func (h *stubHandler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	return h.handle(ctx, ec)
}

// nodeCall records one handler invocation for later assertions
type nodeCall struct {
	Index        int
	Prompt       string
	EndpointName string
	DiscussionID string
}

// recorder captures every invocation routed to it and echoes the node's
// resolved prompt as its value.
type recorder struct {
	mu    sync.Mutex
	calls []nodeCall
}

func (r *recorder) record(ec *workflow.ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, nodeCall{
		Index:        ec.NodeIndex,
		Prompt:       ec.ResolveField("prompt"),
		EndpointName: ec.Config.String("endpointName"),
		DiscussionID: ec.DiscussionID,
	})
}

func (r *recorder) snapshot() []nodeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nodeCall(nil), r.calls...)
}

// echoHandler returns a Standard handler that records its call and resolves
// the node's prompt as its terminal value.
func echoHandler(rec *recorder) *stubHandler {
	return &stubHandler{
		typeName: workflow.NodeTypeStandard,
		handle: func(_ context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
			rec.record(ec)
			return workflow.ValueResult(ec.ResolveField("prompt")), nil
		},
	}
}

type fixture struct {
	manager     *workflow.Manager
	registry    *workflow.Registry
	locks       locks.Store
	coordinator *cancellation.Coordinator
	recorder    *recorder
}

func newFixture(t *testing.T, defs workflow.MapLoader) *fixture {
	t.Helper()

	rec := &recorder{}
	registry := workflow.NewRegistry()
	registry.Register(echoHandler(rec))
	registry.Register(subworkflow.NewHandler())
	registry.Register(worklock.NewHandler())

	store := locks.NewMemoryStore()
	coordinator := cancellation.NewCoordinator()

	manager, err := workflow.NewManager(workflow.ManagerConfig{
		Loader:      defs,
		Registry:    registry,
		Locks:       store,
		Coordinator: coordinator,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	return &fixture{
		manager:     manager,
		registry:    registry,
		locks:       store,
		coordinator: coordinator,
		recorder:    rec,
	}
}

func node(fields map[string]interface{}) workflow.NodeConfig {
	return workflow.NodeConfig(fields)
}

func def(name string, nodes ...workflow.NodeConfig) *workflow.Definition {
	return &workflow.Definition{Name: name, Nodes: nodes, Statics: map[string]string{}}
}

func drainTokens(t *testing.T, result workflow.Result) string {
	t.Helper()
	require.True(t, result.IsStream())
	var out string
	for frag := range result.Stream {
		out += frag.Token
	}
	return out
}

func TestRunLastNodeRespondsByDefault(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"chain": def("chain",
			node(map[string]interface{}{"prompt": "step one"}),
			node(map[string]interface{}{"prompt": "saw: {agent1Output}"}),
		),
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{Workflow: "chain"})
	require.NoError(t, err)

	assert.Equal(t, workflow.KindValue, result.Kind)
	assert.Equal(t, "saw: step one", result.Value)
}

func TestRunFirstReturnToUserWinsAndTrailingNodesStillRun(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"multi": def("multi",
			node(map[string]interface{}{"prompt": "responder", "returnToUser": true}),
			node(map[string]interface{}{"prompt": "ignored", "returnToUser": true}),
			node(map[string]interface{}{"prompt": "side effect"}),
		),
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{Workflow: "multi"})
	require.NoError(t, err)

	assert.Equal(t, "responder", result.Value)
	// Nodes after the responder still execute for their side effects
	assert.Len(t, f.recorder.snapshot(), 3)
}

func TestRunOutputsResolveOnlyEarlierSiblings(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"order": def("order",
			node(map[string]interface{}{"prompt": "later is {agent2Output}"}),
			node(map[string]interface{}{"prompt": "first was {agent1Output}"}),
		),
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{Workflow: "order"})
	require.NoError(t, err)

	// A node never resolves a sibling that has not run yet
	assert.Equal(t, "first was later is {agent2Output}", result.Value)
}

func TestRunUnknownNodeTypeFallsBackToStandard(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"odd": def("odd",
			node(map[string]interface{}{"type": "Mystery", "prompt": "handled anyway"}),
		),
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{Workflow: "odd"})
	require.NoError(t, err)
	assert.Equal(t, "handled anyway", result.Value)
}

func TestRunUnknownWorkflowFails(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{})
	_, err := f.manager.Run(context.Background(), workflow.RunOptions{Workflow: "nope"})
	assert.ErrorIs(t, err, dderrors.ErrWorkflowNotFound)
}

func TestRunEarlyEndpointResolutionSeesStaticsButNotOutputs(t *testing.T) {
	d := def("endpoints",
		node(map[string]interface{}{"prompt": "produced"}),
		node(map[string]interface{}{
			"prompt":       "final",
			"endpointName": "{endpointVar}-{agent1Output}",
		}),
	)
	d.Statics["endpointVar"] = "main"
	f := newFixture(t, workflow.MapLoader{"endpoints": d})

	_, err := f.manager.Run(context.Background(), workflow.RunOptions{Workflow: "endpoints"})
	require.NoError(t, err)

	calls := f.recorder.snapshot()
	require.Len(t, calls, 2)
	// Statics substitute; sibling outputs stay out of scope at this stage
	assert.Equal(t, "main-{agent1Output}", calls[1].EndpointName)
}

func TestRunAppliesPromptOverridesToFirstPromptBearingNodeOnly(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"override": def("override",
			node(map[string]interface{}{"type": "Mystery"}), // no prompt fields
			node(map[string]interface{}{"prompt": "original"}),
			node(map[string]interface{}{"prompt": "untouched"}),
		),
	})

	override := "spliced"
	result, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow:            "override",
		FirstPromptOverride: &override,
	})
	require.NoError(t, err)

	calls := f.recorder.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "spliced", calls[1].Prompt)
	assert.Equal(t, "untouched", calls[2].Prompt)
	assert.Equal(t, "untouched", result.Value)
}

func TestRunDerivesAndStripsDiscussionID(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"chat": def("chat", node(map[string]interface{}{"prompt": "hi"})),
	})

	thread := &conversation.Thread{Messages: []conversation.Message{
		{Role: "user", Content: "[DiscussionId]general-42[/DiscussionId]hello there"},
	}}

	_, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow: "chat",
		Thread:   thread,
	})
	require.NoError(t, err)

	calls := f.recorder.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "general-42", calls[0].DiscussionID)
	assert.Equal(t, "hello there", thread.Messages[0].Content)
}

func TestRunCancellationTerminatesBeforeAnyNode(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"chat": def("chat", node(map[string]interface{}{"prompt": "hi"})),
	})

	f.coordinator.Request("req-1")
	_, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow:  "chat",
		RequestID: "req-1",
	})

	assert.True(t, dderrors.IsEarlyTermination(err))
	assert.Empty(t, f.recorder.snapshot())
	// The terminating run acknowledges and clears the flag
	assert.False(t, f.coordinator.IsCancelled("req-1"))
}

func TestRunHeldLockTerminatesRunAndSkipsRemainingNodes(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"locked": def("locked",
			node(map[string]interface{}{"prompt": "before"}),
			node(map[string]interface{}{"type": "WorkflowLock", "workflowLockId": "summarizer"}),
			node(map[string]interface{}{"prompt": "never"}),
		),
	})

	// Another run in the same discussion already holds the lock
	require.NoError(t, f.locks.CreateLock(context.Background(), "disc-1", "other-run", "summarizer"))

	_, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow:     "locked",
		DiscussionID: "disc-1",
	})

	assert.True(t, dderrors.IsEarlyTermination(err))
	calls := f.recorder.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "before", calls[0].Prompt)
	// The foreign lock is not this run's to release
	held, lockErr := f.locks.IsLocked(context.Background(), "summarizer")
	require.NoError(t, lockErr)
	assert.True(t, held)
}

func TestRunReleasesOwnLocksOnCompletion(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"locked": def("locked",
			node(map[string]interface{}{"type": "WorkflowLock", "workflowLockId": "summarizer"}),
			node(map[string]interface{}{"prompt": "work"}),
		),
	})

	_, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow:     "locked",
		DiscussionID: "disc-1",
	})
	require.NoError(t, err)

	held, lockErr := f.locks.IsLocked(context.Background(), "summarizer")
	require.NoError(t, lockErr)
	assert.False(t, held)
}

func TestRunReleasesOwnLocksOnFailure(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"locked": def("locked",
			node(map[string]interface{}{"type": "WorkflowLock", "workflowLockId": "summarizer"}),
			node(map[string]interface{}{"type": "Boom"}),
		),
	})
	f.registry.Register(&stubHandler{
		typeName: "Boom",
		handle: func(context.Context, *workflow.ExecutionContext) (workflow.Result, error) {
			return workflow.Result{}, fmt.Errorf("backend unavailable")
		},
	})

	_, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow:     "locked",
		DiscussionID: "disc-1",
	})
	require.Error(t, err)
	assert.False(t, dderrors.IsEarlyTermination(err))

	held, lockErr := f.locks.IsLocked(context.Background(), "summarizer")
	require.NoError(t, lockErr)
	assert.False(t, held)
}

func TestRunNestedWorkflowReceivesOnlyScopedInputs(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"parent": def("parent",
			node(map[string]interface{}{"prompt": "parent value"}),
			node(map[string]interface{}{
				"type":            "CustomWorkflow",
				"workflowName":    "child",
				"scopedVariables": []interface{}{"scoped {agent1Output}"},
			}),
			node(map[string]interface{}{"prompt": "child said: {agent2Output}"}),
		),
		"child": def("child",
			// agent1Input is the scoped value; the parent's output map is
			// invisible, so its key survives verbatim
			node(map[string]interface{}{"prompt": "got {agent1Input} / {agent1Output}"}),
		),
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{Workflow: "parent"})
	require.NoError(t, err)

	assert.Equal(t, "child said: got scoped parent value / {agent1Output}", result.Value)
}

func TestRunNestedCancellationUnwindsThroughParent(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"parent": def("parent",
			node(map[string]interface{}{"type": "CustomWorkflow", "workflowName": "child"}),
			node(map[string]interface{}{"prompt": "never reached"}),
		),
		"child": def("child",
			node(map[string]interface{}{"type": "Cancel"}),
			node(map[string]interface{}{"prompt": "never reached either"}),
		),
	})
	f.registry.Register(&stubHandler{
		typeName: "Cancel",
		handle: func(_ context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
			ec.Coordinator.Request(ec.RequestID)
			return workflow.ValueResult(""), nil
		},
	})

	_, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow:  "parent",
		RequestID: "req-9",
	})

	assert.True(t, dderrors.IsEarlyTermination(err))
	// Only the cancel node ran: both the child's and the parent's later
	// nodes were skipped
	assert.Empty(t, f.recorder.snapshot())
	assert.False(t, f.coordinator.IsCancelled("req-9"))
}

func TestRunStreamingResponderForwardsTokensAndDefersTrailingNodes(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"stream": def("stream",
			node(map[string]interface{}{"type": "Tokens", "returnToUser": true}),
			node(map[string]interface{}{"prompt": "assembled was {agent1Output}"}),
		),
	})
	f.registry.Register(&stubHandler{
		typeName: "Tokens",
		handle: func(_ context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
			if !ec.Stream {
				return workflow.ValueResult("hello world"), nil
			}
			src := make(chan workflow.Fragment, 4)
			src <- workflow.Fragment{Token: "hello"}
			src <- workflow.Fragment{Token: " world"}
			src <- workflow.Fragment{FinishReason: workflow.FinishReasonStop}
			close(src)
			return workflow.TokenStreamResult(src, workflow.StreamMeta{ChatStyle: true}), nil
		},
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow: "stream",
		Stream:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello world", drainTokens(t, result))

	// The trailing node runs after the stream is exhausted, seeing the
	// assembled responder output
	require.Eventually(t, func() bool {
		return len(f.recorder.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "assembled was hello world", f.recorder.snapshot()[0].Prompt)
}

func TestRunMidStreamCancellationIsAcknowledged(t *testing.T) {
	// The responder is the last node: nothing after the stream can observe
	// the flag through the usual per-node check
	f := newFixture(t, workflow.MapLoader{
		"stream": def("stream",
			node(map[string]interface{}{"type": "Tokens"}),
		),
	})
	f.registry.Register(&stubHandler{
		typeName: "Tokens",
		handle: func(_ context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
			src := make(chan workflow.Fragment)
			go func() {
				defer close(src)
				src <- workflow.Fragment{Token: "partial"}
				// Producers poll the coordinator between fragments and stop
				// yielding once the request is flagged
				for !ec.Coordinator.IsCancelled(ec.RequestID) {
					time.Sleep(time.Millisecond)
				}
			}()
			return workflow.TokenStreamResult(src, workflow.StreamMeta{ChatStyle: true}), nil
		},
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow:  "stream",
		RequestID: "req-5",
		Stream:    true,
	})
	require.NoError(t, err)
	require.True(t, result.IsStream())

	frag := <-result.Stream
	assert.Equal(t, "partial", frag.Token)
	f.coordinator.Request("req-5")
	for range result.Stream {
	}

	// The flag is acknowledged once the truncated stream is drained, so the
	// next run under this request id starts clean
	require.Eventually(t, func() bool {
		return !f.coordinator.IsCancelled("req-5")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunStreamingAndValueModesAgree(t *testing.T) {
	defs := workflow.MapLoader{
		"chain": def("chain",
			node(map[string]interface{}{"prompt": "step one"}),
			node(map[string]interface{}{"prompt": "saw: {agent1Output}"}),
		),
	}

	plain := newFixture(t, defs)
	valueResult, err := plain.manager.Run(context.Background(), workflow.RunOptions{Workflow: "chain"})
	require.NoError(t, err)

	streaming := newFixture(t, defs)
	streamResult, err := streaming.manager.Run(context.Background(), workflow.RunOptions{
		Workflow: "chain",
		Stream:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, valueResult.Value, drainTokens(t, streamResult))
}

func TestRunNonResponderSuppressesStreaming(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"chain": def("chain", node(map[string]interface{}{"prompt": "value"})),
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow:     "chain",
		Stream:       true,
		NonResponder: true,
	})
	require.NoError(t, err)

	assert.Equal(t, workflow.KindValue, result.Kind)
	assert.Equal(t, "value", result.Value)
}

func TestRunStreamingNestedResponderPassesFragmentsThrough(t *testing.T) {
	f := newFixture(t, workflow.MapLoader{
		"parent": def("parent",
			node(map[string]interface{}{
				"type":         "CustomWorkflow",
				"workflowName": "child",
				"returnToUser": true,
			}),
		),
		"child": def("child",
			node(map[string]interface{}{"prompt": "from the child"}),
		),
	})

	result, err := f.manager.Run(context.Background(), workflow.RunOptions{
		Workflow: "parent",
		Stream:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, "from the child", drainTokens(t, result))
}
