// Package worklock implements the WorkflowLock node kind. A held lock aborts
// the run through the early-termination signal rather than returning a value:
// locking gates entry via a node kind, not via a processor-level primitive.
package worklock

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/workflow"
)

// Handler gates a run on a named workflow lock
type Handler struct{}

// NewHandler creates a WorkflowLock node handler
func NewHandler() *Handler {
	return &Handler{}
}

// Handle checks the named lock. If it is held, the run terminates early; if
// not, the lock is created under this run's (session, run id) scope and
// released with the rest of the run's locks at run end.
//
// Configuration fields: workflowLockId (required).
func (h *Handler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	lockName := ec.Config.String("workflowLockId")
	if lockName == "" {
		return workflow.Result{}, fmt.Errorf("%w: workflowLock node requires workflowLockId", dderrors.ErrInvalidNodeConfig)
	}

	held, err := ec.Locks.IsLocked(ctx, lockName)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("failed to check lock '%s': %w", lockName, err)
	}
	if held {
		ec.Logger.Info("workflow lock held, terminating run",
			zap.String("lock_name", lockName),
			zap.String("run_id", ec.RunID))
		return workflow.Result{}, fmt.Errorf("lock '%s' is held: %w", lockName, dderrors.ErrEarlyTermination)
	}

	if err := ec.Locks.CreateLock(ctx, ec.DiscussionID, ec.RunID, lockName); err != nil {
		return workflow.Result{}, fmt.Errorf("failed to create lock '%s': %w", lockName, err)
	}
	return workflow.ValueResult(""), nil
}

// NodeType returns the type tag this handler serves
func (h *Handler) NodeType() string {
	return "WorkflowLock"
}
