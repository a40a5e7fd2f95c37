// Package expression implements the Expression node kind: arithmetic and
// conditional evaluation over the run's variables, executed in an embedded
// JavaScript runtime. The run's agent outputs, agent inputs and static values
// are exposed as globals; the expression's value becomes the node's result.
package expression

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dop251/goja"

	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/workflow"
)

// Handler evaluates a JavaScript expression
type Handler struct{}

// NewHandler creates an Expression node handler
func NewHandler() *Handler {
	return &Handler{}
}

// Handle evaluates the configured expression. The runtime is created fresh
// per node and interrupted if the context is cancelled mid-evaluation.
//
// Configuration fields: expression (required).
func (h *Handler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	expr := ec.Config.String("expression")
	if expr == "" {
		return workflow.Result{}, fmt.Errorf("%w: expression node requires expression", dderrors.ErrInvalidNodeConfig)
	}

	vm := goja.New()
	for name, value := range ec.Resolver.Variables() {
		if err := vm.Set(name, value); err != nil {
			return workflow.Result{}, fmt.Errorf("failed to bind variable '%s': %w", name, err)
		}
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchDone:
		}
	}()

	value, err := vm.RunString(expr)
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return workflow.Result{}, fmt.Errorf("expression interrupted: %w", ctx.Err())
		}
		return workflow.Result{}, fmt.Errorf("expression evaluation failed: %w", err)
	}

	return workflow.ValueResult(stringify(value)), nil
}

// NodeType returns the type tag this handler serves
func (h *Handler) NodeType() string {
	return "Expression"
}

func stringify(value goja.Value) string {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return ""
	}
	switch v := value.Export().(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return value.String()
	}
}
