package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/daedalus/pkg/cancellation"
	"github.com/wehubfusion/daedalus/pkg/conversation"
	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/locks"
)

// discussionIDPattern matches the inline discussion marker some chat clients
// embed in the latest message, e.g. "[DiscussionId]general-42[/DiscussionId]".
var discussionIDPattern = regexp.MustCompile(`\[DiscussionId\]([^\[\]]*)\[/DiscussionId\]`)

// RunOptions describes one workflow run request. The same options type serves
// the front door and nested launches; a nesting node's handler passes the
// parent's RequestID so one cancellation flag covers the whole stack.
type RunOptions struct {
	// Workflow is the definition name to resolve through the loader
	Workflow string

	// RequestID identifies the run stack for cancellation. Generated when
	// empty; nested launches must pass the parent's id.
	RequestID string

	// DiscussionID identifies the persistent conversation. When empty it is
	// derived from (and stripped out of) the thread's inline marker.
	DiscussionID string

	// Thread is the conversation history. May be nil for an empty thread.
	Thread *conversation.Thread

	// Stream requests token streaming from the responder
	Stream bool

	// NonResponder suppresses streaming entirely; the run's result is the
	// responder's terminal value. Used for child utility runs whose output
	// the parent consumes instead of the end user.
	NonResponder bool

	// FirstSystemPromptOverride, when non-nil, replaces the systemPrompt of
	// the first prompt-bearing node, once
	FirstSystemPromptOverride *string

	// FirstPromptOverride, when non-nil, replaces the prompt of the first
	// prompt-bearing node, once
	FirstPromptOverride *string

	// Inputs are the scoped values exposed to this run as agent<N>Input,
	// in order. A run never sees its parent's agent-output history.
	Inputs []string
}

// ManagerConfig wires the collaborators a Manager needs
type ManagerConfig struct {
	Loader      Loader
	Registry    *Registry
	LLM         LLMDispatcher
	Locks       locks.Store
	Coordinator *cancellation.Coordinator
	Logger      *zap.Logger
}

// Validate checks required collaborators and applies defaults
func (c *ManagerConfig) Validate() error {
	if c.Loader == nil {
		return errors.New("loader cannot be nil")
	}
	if c.Registry == nil {
		return errors.New("registry cannot be nil")
	}
	if c.Locks == nil {
		c.Locks = locks.NewMemoryStore()
	}
	if c.Coordinator == nil {
		c.Coordinator = cancellation.NewCoordinator()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Manager is the workflow entry point. It resolves a definition, allocates a
// run id, derives the discussion id, builds the processor and executes it.
// Nested workflow nodes call back into the same entry point, recursing with
// the parent's request id but a fresh run id and lock scope.
type Manager struct {
	loader      Loader
	registry    *Registry
	llm         LLMDispatcher
	locks       locks.Store
	coordinator *cancellation.Coordinator
	logger      *zap.Logger
}

// NewManager creates a manager from the given configuration
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager config: %w", err)
	}
	return &Manager{
		loader:      cfg.Loader,
		registry:    cfg.Registry,
		llm:         cfg.LLM,
		locks:       cfg.Locks,
		coordinator: cfg.Coordinator,
		logger:      cfg.Logger,
	}, nil
}

// Coordinator returns the cancellation coordinator shared by all runs
func (m *Manager) Coordinator() *cancellation.Coordinator {
	return m.coordinator
}

// Run executes one workflow and returns its responder's result. For streaming
// runs the result carries a live fragment channel; consuming it to exhaustion
// drives the rest of the run. Early termination surfaces as an error
// satisfying errors.IsEarlyTermination after this run's locks are released.
func (m *Manager) Run(ctx context.Context, opts RunOptions) (Result, error) {
	if opts.Workflow == "" {
		return Result{}, fmt.Errorf("%w: workflow name cannot be empty", errInvalidNode)
	}

	def, err := m.loader.Load(opts.Workflow)
	if err != nil {
		return Result{}, err
	}

	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	runID := uuid.NewString()

	thread := opts.Thread
	if thread == nil {
		thread = &conversation.Thread{}
	}
	discussionID := opts.DiscussionID
	if derived := stripDiscussionID(thread); discussionID == "" {
		discussionID = derived
	}

	inputs := make(map[string]string, len(opts.Inputs))
	for i, v := range opts.Inputs {
		inputs[fmt.Sprintf("agent%dInput", i+1)] = v
	}

	stream := opts.Stream && !opts.NonResponder

	m.logger.Info("starting workflow run",
		zap.String("workflow", def.Name),
		zap.String("request_id", requestID),
		zap.String("run_id", runID),
		zap.String("discussion_id", discussionID),
		zap.Int("nodes", len(def.Nodes)),
		zap.Bool("stream", stream))

	p := &Processor{
		requestID:        requestID,
		runID:            runID,
		discussionID:     discussionID,
		def:              def,
		thread:           thread,
		stream:           stream,
		outputs:          make(map[string]string),
		inputs:           inputs,
		systemOverride:   opts.FirstSystemPromptOverride,
		promptOverride:   opts.FirstPromptOverride,
		overridesPending: opts.FirstSystemPromptOverride != nil || opts.FirstPromptOverride != nil,
		registry:         m.registry,
		llm:              m.llm,
		runner:           m,
		locks:            m.locks,
		coordinator:      m.coordinator,
		logger:           m.logger,
	}

	result, err := p.Execute(ctx)
	if err != nil {
		if dderrors.IsEarlyTermination(err) {
			m.logger.Info("workflow run terminated early",
				zap.String("workflow", def.Name),
				zap.String("run_id", runID))
		} else {
			m.logger.Error("workflow run failed",
				zap.String("workflow", def.Name),
				zap.String("run_id", runID),
				zap.Error(err))
		}
		return Result{}, err
	}

	return result, nil
}

// stripDiscussionID removes the inline discussion marker from every message
// and returns the last id it found, or "".
func stripDiscussionID(thread *conversation.Thread) string {
	var id string
	for i := range thread.Messages {
		content := thread.Messages[i].Content
		if !strings.Contains(content, "[DiscussionId]") {
			continue
		}
		if m := discussionIDPattern.FindStringSubmatch(content); m != nil {
			id = m[1]
		}
		thread.Messages[i].Content = strings.TrimSpace(discussionIDPattern.ReplaceAllString(content, ""))
	}
	return id
}
