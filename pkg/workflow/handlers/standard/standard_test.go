package standard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/daedalus/pkg/conversation"
	"github.com/wehubfusion/daedalus/pkg/llm"
	"github.com/wehubfusion/daedalus/pkg/variables"
	"github.com/wehubfusion/daedalus/pkg/workflow"
)

// fakeDispatcher records the last request and serves canned responses
type fakeDispatcher struct {
	lastRequest llm.Request
	value       string
	deltas      []llm.Delta
	info        llm.StreamInfo
	stops       []string
	err         error
}

func (f *fakeDispatcher) Complete(_ context.Context, req llm.Request) (string, error) {
	f.lastRequest = req
	return f.value, f.err
}

func (f *fakeDispatcher) Stream(_ context.Context, req llm.Request) (<-chan llm.Delta, llm.StreamInfo, error) {
	f.lastRequest = req
	if f.err != nil {
		return nil, llm.StreamInfo{}, f.err
	}
	out := make(chan llm.Delta, len(f.deltas))
	for _, d := range f.deltas {
		out <- d
	}
	close(out)
	return out, f.info, nil
}

func (f *fakeDispatcher) PresetStops(string) []string {
	return f.stops
}

func testContext(cfg workflow.NodeConfig, dispatcher *fakeDispatcher, stream bool) *workflow.ExecutionContext {
	thread := &conversation.Thread{Messages: []conversation.Message{
		{Role: "assistant", Content: "Nova: earlier reply"},
		{Role: "user", Content: "latest question"},
	}}
	outputs := map[string]string{"agent1Output": "prior"}
	return &workflow.ExecutionContext{
		RequestID: "req-1",
		RunID:     "run-1",
		Config:    cfg,
		Thread:    thread,
		Stream:    stream,
		Outputs:   outputs,
		Resolver:  variables.NewResolver(nil, nil, outputs, thread),
		LLM:       dispatcher,
		Logger:    zap.NewNop(),
	}
}

func TestHandleRequiresEndpointName(t *testing.T) {
	h := NewHandler()
	_, err := h.Handle(context.Background(), testContext(workflow.NodeConfig{}, &fakeDispatcher{}, false))
	assert.Error(t, err)
}

func TestHandleCompletesAndStripsStops(t *testing.T) {
	dispatcher := &fakeDispatcher{value: "the answer</s>", stops: []string{"</s>"}}
	cfg := workflow.NodeConfig{
		"endpointName": "main",
		"preset":       "balanced",
		"systemPrompt": "You are terse.",
		"prompt":       "use {agent1Output}",
	}

	result, err := NewHandler().Handle(context.Background(), testContext(cfg, dispatcher, false))
	require.NoError(t, err)

	assert.Equal(t, workflow.KindValue, result.Kind)
	assert.Equal(t, "the answer", result.Value)
	assert.Equal(t, "main", dispatcher.lastRequest.EndpointName)
	assert.Equal(t, "balanced", dispatcher.lastRequest.PresetName)
	assert.Equal(t, "You are terse.", dispatcher.lastRequest.SystemPrompt)
	// Prompt templates resolve against the run's state before dispatch
	assert.Equal(t, "use prior", dispatcher.lastRequest.Prompt)
	assert.Len(t, dispatcher.lastRequest.Messages, 2)
}

func TestHandleStreamsChatBackend(t *testing.T) {
	dispatcher := &fakeDispatcher{
		deltas: []llm.Delta{
			{Content: "hello"},
			{Content: " world", FinishReason: "stop"},
		},
		info: llm.StreamInfo{ChatStyle: true, Stop: []string{"</s>"}},
	}
	cfg := workflow.NodeConfig{"endpointName": "main"}

	result, err := NewHandler().Handle(context.Background(), testContext(cfg, dispatcher, true))
	require.NoError(t, err)

	assert.Equal(t, workflow.KindTokenStream, result.Kind)
	assert.True(t, result.Meta.ChatStyle)
	assert.Equal(t, []string{"</s>"}, result.Meta.Stop)
	// Chat backends manage roles themselves; no prefix repair
	assert.Empty(t, result.Meta.SpeakerPrefix)

	var tokens []string
	for frag := range result.Stream {
		tokens = append(tokens, frag.Token)
	}
	assert.Equal(t, []string{"hello", " world"}, tokens)
}

func TestHandleStreamInfersSpeakerPrefixForCompletionBackend(t *testing.T) {
	dispatcher := &fakeDispatcher{
		deltas: []llm.Delta{{Content: "reply", FinishReason: "stop"}},
		info:   llm.StreamInfo{ChatStyle: false},
	}
	cfg := workflow.NodeConfig{"endpointName": "main"}

	result, err := NewHandler().Handle(context.Background(), testContext(cfg, dispatcher, true))
	require.NoError(t, err)

	// The prefix comes from the thread's last assistant message
	assert.Equal(t, "Nova: ", result.Meta.SpeakerPrefix)
	result.Drain()
}

func TestHandleNonResponderIgnoresRunStreaming(t *testing.T) {
	dispatcher := &fakeDispatcher{value: "single shot"}
	cfg := workflow.NodeConfig{"endpointName": "main"}

	// Stream flag unset: the handler must use Complete even if the run streams
	result, err := NewHandler().Handle(context.Background(), testContext(cfg, dispatcher, false))
	require.NoError(t, err)
	assert.Equal(t, workflow.KindValue, result.Kind)
	assert.Equal(t, "single shot", result.Value)
}
