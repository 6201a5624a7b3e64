// Package attention implements the paged-attention execution engine: the
// per-step metadata snapshot, the execution-state machine that picks a
// kernel strategy per batch, and the forward pass that writes new key/value
// into the block cache and attends against it.
package attention

// State tags the execution strategy for one step. Exactly one state holds
// per step, determined entirely by the batch composition.
type State int

const (
	// PrefillOnly: every sequence in the batch has no prior cached context.
	PrefillOnly State = iota

	// DecodeOnly: every sequence emits exactly one new token against
	// existing cached context.
	DecodeOnly

	// ChunkedPrefill: a mixed batch, or prefill split across steps.
	ChunkedPrefill
)

func (s State) String() string {
	switch s {
	case PrefillOnly:
		return "PrefillOnly"
	case DecodeOnly:
		return "DecodeOnly"
	default:
		return "ChunkedPrefill"
	}
}

// ClassifyState derives the execution state from per-sequence query and
// context lengths. A sequence with context and a single new token is
// decode-like; one with multiple new tokens is prefill-like; any mixture
// forces ChunkedPrefill.
func ClassifyState(queryLens, contextLens []int32) State {
	prefill, decode := true, true
	for i := range queryLens {
		if contextLens[i] > 0 {
			prefill = false
		}
		if contextLens[i] == 0 || queryLens[i] != 1 {
			decode = false
		}
	}

	switch {
	case prefill:
		return PrefillOnly
	case decode:
		return DecodeOnly
	default:
		return ChunkedPrefill
	}
}
