// Package variables resolves {placeholder} markers in node configuration and
// prompt text. Two resolution scopes exist: the early scope sees only the
// run's scoped agent inputs and the workflow's static values and is used to
// pick endpoint and preset names before a handler runs; the full scope
// additionally sees the run's accumulated agent outputs and the conversation.
// Endpoint selection deliberately never sees a sibling node's output; dynamic
// routing on another node's result must go through conditional routing.
package variables

import (
	"fmt"
	"regexp"
	"time"

	"github.com/wehubfusion/daedalus/pkg/conversation"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Resolver substitutes placeholders from a layered set of sources.
// Unknown placeholders are left verbatim so malformed templates degrade
// visibly rather than silently losing text.
type Resolver struct {
	statics map[string]string
	inputs  map[string]string
	outputs map[string]string
	thread  *conversation.Thread
	now     func() time.Time
}

// NewEarlyResolver creates a resolver over only static workflow values and the
// run's scoped agent inputs.
func NewEarlyResolver(statics, inputs map[string]string) *Resolver {
	return &Resolver{
		statics: statics,
		inputs:  inputs,
		now:     time.Now,
	}
}

// NewResolver creates a full resolver that additionally sees the run's agent
// output map and the conversation thread.
func NewResolver(statics, inputs, outputs map[string]string, thread *conversation.Thread) *Resolver {
	return &Resolver{
		statics: statics,
		inputs:  inputs,
		outputs: outputs,
		thread:  thread,
		now:     time.Now,
	}
}

// Resolve substitutes every known placeholder in s
func (r *Resolver) Resolve(s string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := r.lookup(name); ok {
			return value
		}
		return match
	})
}

// Lookup returns the value of a single named variable
func (r *Resolver) Lookup(name string) (string, bool) {
	return r.lookup(name)
}

// Variables returns all resolvable name/value pairs. Conversation-derived
// variables are included only on a full resolver.
func (r *Resolver) Variables() map[string]string {
	vars := make(map[string]string, len(r.statics)+len(r.inputs)+len(r.outputs))
	for k, v := range r.statics {
		vars[k] = v
	}
	for k, v := range r.inputs {
		vars[k] = v
	}
	for k, v := range r.outputs {
		vars[k] = v
	}
	return vars
}

func (r *Resolver) lookup(name string) (string, bool) {
	// Outputs take precedence over inputs, inputs over statics, so a run's
	// own results shadow anything handed down or configured.
	if r.outputs != nil {
		if v, ok := r.outputs[name]; ok {
			return v, true
		}
	}
	if r.inputs != nil {
		if v, ok := r.inputs[name]; ok {
			return v, true
		}
	}
	if r.statics != nil {
		if v, ok := r.statics[name]; ok {
			return v, true
		}
	}
	return r.builtin(name)
}

func (r *Resolver) builtin(name string) (string, bool) {
	switch name {
	case "todays_date":
		return r.now().Format("2006-01-02"), true
	case "current_time":
		return r.now().Format("15:04"), true
	}
	if r.thread == nil {
		return "", false
	}
	switch name {
	case "lastUserMessage":
		return r.thread.LastUserMessage(), true
	case "lastAssistantMessage":
		return r.thread.LastAssistantMessage(), true
	case "chatHistory":
		return r.thread.Render(), true
	case "messageCount":
		return fmt.Sprintf("%d", r.thread.Len()), true
	}
	return "", false
}
