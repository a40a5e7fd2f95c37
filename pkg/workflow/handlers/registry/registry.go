// Package registry wires the built-in node handlers into a workflow registry.
package registry

import (
	"github.com/wehubfusion/daedalus/pkg/workflow"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/conditional"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/customfile"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/expression"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/memory"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/standard"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/staticcontent"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/subworkflow"
	"github.com/wehubfusion/daedalus/pkg/workflow/handlers/worklock"
)

// Options configures built-in handlers that need local paths
type Options struct {
	// CustomFilesDir is the root directory for the custom-file node kinds.
	// When empty those kinds are not registered.
	CustomFilesDir string
}

// NewRegistry creates a handler registry with all built-in node kinds registered
func NewRegistry(opts Options) *workflow.Registry {
	registry := workflow.NewRegistry()

	registry.Register(standard.NewHandler())

	subflowHandler := subworkflow.NewHandler()
	registry.Register(subflowHandler)
	// Also register under the legacy tag used by early workflow files
	registry.RegisterWithName(subflowHandler, "SubWorkflow")

	registry.Register(conditional.NewHandler())
	registry.Register(worklock.NewHandler())
	registry.Register(staticcontent.NewHandler())
	registry.Register(memory.NewHandler())
	registry.Register(expression.NewHandler())

	if opts.CustomFilesDir != "" {
		registry.Register(customfile.NewGetHandler(opts.CustomFilesDir))
		registry.Register(customfile.NewSaveHandler(opts.CustomFilesDir))
	}

	return registry
}
