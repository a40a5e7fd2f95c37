// Package conversation provides the chat message model shared by the workflow
// engine and its LLM collaborators. A Thread is the full message history of one
// conversation; node handlers may mutate it in place, always from within the
// run's own call stack.
package conversation

import (
	"fmt"
	"regexp"
	"strings"
)

// Message roles understood by the engine and the LLM dispatch layer.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single chat message
type Message struct {
	// Role identifies the speaker: system, user or assistant
	Role string `json:"role" yaml:"role"`

	// Content is the message text
	Content string `json:"content" yaml:"content"`
}

// Thread holds the ordered message history of one conversation.
// The zero value is an empty thread ready for use.
type Thread struct {
	Messages []Message `json:"messages"`
}

// NewThread creates a thread from an initial message history
func NewThread(messages []Message) *Thread {
	return &Thread{Messages: messages}
}

// Append adds a message to the end of the thread
func (t *Thread) Append(msg Message) {
	t.Messages = append(t.Messages, msg)
}

// Len returns the number of messages in the thread
func (t *Thread) Len() int {
	return len(t.Messages)
}

// Clone returns a deep copy of the thread. Child runs that must not observe
// later parent mutations operate on a clone.
func (t *Thread) Clone() *Thread {
	msgs := make([]Message, len(t.Messages))
	copy(msgs, t.Messages)
	return &Thread{Messages: msgs}
}

// LastOfRole returns the content of the most recent message with the given
// role, or an empty string if there is none.
func (t *Thread) LastOfRole(role string) string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == role {
			return t.Messages[i].Content
		}
	}
	return ""
}

// LastUserMessage returns the content of the most recent user message
func (t *Thread) LastUserMessage() string {
	return t.LastOfRole(RoleUser)
}

// LastAssistantMessage returns the content of the most recent assistant message
func (t *Thread) LastAssistantMessage() string {
	return t.LastOfRole(RoleAssistant)
}

// Tail returns up to n most recent messages
func (t *Thread) Tail(n int) []Message {
	if n <= 0 || len(t.Messages) == 0 {
		return nil
	}
	if n > len(t.Messages) {
		n = len(t.Messages)
	}
	return t.Messages[len(t.Messages)-n:]
}

// Render flattens the thread into a plain-text transcript, one "Role: content"
// line per message. Used for completions-style backends and memory synopses.
func (t *Thread) Render() string {
	var b strings.Builder
	for i, msg := range t.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", msg.Role, msg.Content)
	}
	return b.String()
}

var speakerPrefixPattern = regexp.MustCompile(`^([A-Za-z0-9_]{1,32}):\s`)

// InferSpeakerPrefix inspects the most recent assistant message for a leading
// "Speaker:" marker and returns it (including the colon and trailing space).
// Completions-style backends sometimes strip this prefix from their first
// token; the streaming assembler re-prepends it when the backend omitted it.
// Returns an empty string when no prefix can be inferred.
func (t *Thread) InferSpeakerPrefix() string {
	last := t.LastAssistantMessage()
	if last == "" {
		return ""
	}
	m := speakerPrefixPattern.FindString(last)
	return m
}
