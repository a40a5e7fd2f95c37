package workflow

import (
	"strings"

	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
)

// Sentinels re-exported for intra-package use
var (
	errWorkflowNotFound = dderrors.ErrWorkflowNotFound
	errEarlyTermination = dderrors.ErrEarlyTermination
	errInvalidNode      = dderrors.ErrInvalidNodeConfig
)

// FinishReasonStop is the conventional terminal finish reason of a fragment stream
const FinishReasonStop = "stop"

// Fragment is one element of a lazy token sequence. A non-empty FinishReason
// marks the final fragment.
type Fragment struct {
	Token        string `json:"token"`
	FinishReason string `json:"finishReason,omitempty"`
}

// ResultKind distinguishes the variants a handler may return
type ResultKind int

const (
	// KindValue is a terminal string result
	KindValue ResultKind = iota

	// KindTokenStream is a lazy sequence of raw token fragments that the
	// engine must reassemble (and repair) before storing
	KindTokenStream

	// KindPreformattedStream is a lazy sequence whose fragments are already
	// fully formed outbound output, produced by a nested workflow's own
	// assembler; the engine forwards them verbatim
	KindPreformattedStream
)

// StreamMeta carries the information the assembler needs to post-process a
// raw token stream.
type StreamMeta struct {
	// ChatStyle is true for chat-format backends; the speaker-prefix repair
	// heuristic applies only when it is false
	ChatStyle bool

	// SpeakerPrefix, when non-empty on a non-chat stream, is re-prepended to
	// the first fragment if the backend omitted it
	SpeakerPrefix string

	// Stop lists markers stripped from the assembled output value
	Stop []string
}

// Result is the tagged outcome of one node dispatch or one workflow run
type Result struct {
	Kind   ResultKind
	Value  string
	Stream <-chan Fragment
	Meta   StreamMeta
}

// ValueResult wraps a terminal string value
func ValueResult(value string) Result {
	return Result{Kind: KindValue, Value: value}
}

// TokenStreamResult wraps a raw token stream and its assembly metadata
func TokenStreamResult(stream <-chan Fragment, meta StreamMeta) Result {
	return Result{Kind: KindTokenStream, Stream: stream, Meta: meta}
}

// PreformattedStreamResult wraps an already-assembled fragment stream
func PreformattedStreamResult(stream <-chan Fragment) Result {
	return Result{Kind: KindPreformattedStream, Stream: stream}
}

// IsStream reports whether the result carries a lazy fragment sequence
func (r Result) IsStream() bool {
	return r.Kind == KindTokenStream || r.Kind == KindPreformattedStream
}

// Drain exhausts a stream result, concatenating its tokens. Value results
// return their value unchanged. Used when a non-responder handler returned a
// stream anyway, and by non-streaming callers of Manager.Run.
func (r Result) Drain() string {
	if !r.IsStream() {
		return r.Value
	}
	var b strings.Builder
	for frag := range r.Stream {
		b.WriteString(frag.Token)
	}
	return b.String()
}
