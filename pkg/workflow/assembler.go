package workflow

import (
	"strings"
)

// Assembler forwards token fragments live while concatenating them into the
// node's stored output value. Each fragment is forwarded as soon as it
// arrives; assembly never introduces buffering delay. After exhaustion the
// assembled value has the configured stop markers stripped, and for non-chat
// backends a heuristically inferred speaker prefix is re-prepended to the
// first fragment when the backend omitted it.
type Assembler struct {
	meta StreamMeta
}

// NewAssembler creates an assembler for a raw token stream
func NewAssembler(meta StreamMeta) *Assembler {
	return &Assembler{meta: meta}
}

// Run pumps src into out, returning the assembled output value once src is
// exhausted. It never closes out; the caller owns the channel.
func (a *Assembler) Run(src <-chan Fragment, out chan<- Fragment) string {
	var b strings.Builder
	first := true
	for frag := range src {
		if first {
			first = false
			if prefix := a.missingPrefix(frag.Token); prefix != "" {
				frag.Token = prefix + frag.Token
			}
		}
		b.WriteString(frag.Token)
		if out != nil {
			out <- frag
		}
	}
	return StripStopMarkers(b.String(), a.meta.Stop)
}

// missingPrefix returns the speaker prefix to prepend to the first fragment,
// or "" when no repair is needed. Chat-style backends manage roles themselves
// and are never repaired.
func (a *Assembler) missingPrefix(firstToken string) string {
	if a.meta.ChatStyle || a.meta.SpeakerPrefix == "" {
		return ""
	}
	if strings.HasPrefix(strings.TrimLeft(firstToken, " "), strings.TrimRight(a.meta.SpeakerPrefix, " ")) {
		return ""
	}
	return a.meta.SpeakerPrefix
}

// StripStopMarkers removes every configured stop marker from s. Some backends
// echo the marker ahead of their finish reason; the stored output value must
// not carry it.
func StripStopMarkers(s string, markers []string) string {
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		s = strings.ReplaceAll(s, marker, "")
	}
	return s
}

// valueStream turns a terminal value into a single-fragment preformatted
// stream so streaming callers always receive a lazy sequence.
func valueStream(value string) <-chan Fragment {
	out := make(chan Fragment, 2)
	out <- Fragment{Token: value}
	out <- Fragment{FinishReason: FinishReasonStop}
	close(out)
	return out
}
