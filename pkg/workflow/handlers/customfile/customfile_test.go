package customfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/daedalus/pkg/conversation"
	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/variables"
	"github.com/wehubfusion/daedalus/pkg/workflow"
)

func testContext(cfg workflow.NodeConfig) *workflow.ExecutionContext {
	thread := &conversation.Thread{}
	outputs := map[string]string{"agent1Output": "generated text"}
	return &workflow.ExecutionContext{
		Config:   cfg,
		Thread:   thread,
		Outputs:  outputs,
		Resolver: variables.NewResolver(nil, nil, outputs, thread),
	}
}

func TestGetHandleReadsAndJoinsLines(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "facts.txt"),
		[]byte("one\r\ntwo\nthree"), 0o644))

	h := NewGetHandler(dir)

	result, err := h.Handle(context.Background(), testContext(workflow.NodeConfig{
		"filepath": "facts.txt",
	}))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", result.Value)

	result, err = h.Handle(context.Background(), testContext(workflow.NodeConfig{
		"filepath":  "facts.txt",
		"delimiter": " | ",
	}))
	require.NoError(t, err)
	assert.Equal(t, "one | two | three", result.Value)
}

func TestGetHandleMissingFileIsEmpty(t *testing.T) {
	h := NewGetHandler(t.TempDir())
	result, err := h.Handle(context.Background(), testContext(workflow.NodeConfig{
		"filepath": "absent.txt",
	}))
	require.NoError(t, err)
	assert.Empty(t, result.Value)
}

func TestGetHandleRequiresFilepath(t *testing.T) {
	h := NewGetHandler(t.TempDir())
	_, err := h.Handle(context.Background(), testContext(workflow.NodeConfig{}))
	assert.ErrorIs(t, err, dderrors.ErrInvalidNodeConfig)
}

func TestSaveHandleWritesResolvedContent(t *testing.T) {
	dir := t.TempDir()
	h := NewSaveHandler(dir)

	result, err := h.Handle(context.Background(), testContext(workflow.NodeConfig{
		"filepath": "notes/latest.txt",
		"content":  "saved: {agent1Output}",
	}))
	require.NoError(t, err)
	assert.Equal(t, "saved: generated text", result.Value)

	data, err := os.ReadFile(filepath.Join(dir, "notes", "latest.txt"))
	require.NoError(t, err)
	assert.Equal(t, "saved: generated text", string(data))
}

func TestPathsConfinedToRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inside.txt"), []byte("x"), 0o644))

	// Traversal segments are cleaned away rather than escaping the root
	h := NewGetHandler(dir)
	result, err := h.Handle(context.Background(), testContext(workflow.NodeConfig{
		"filepath": "../inside.txt",
	}))
	require.NoError(t, err)
	assert.Equal(t, "x", result.Value)
}
