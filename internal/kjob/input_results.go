package kjob

import (
	"context"
	"errors"

	"github.com/ppiankov/kubrick/internal/kerrors"
)

// InputResults is the localID-keyed, descriptor-ordered set InputResolver produces for
// one job instance (spec §3, §4.5): the ambient value a Binding.Value
// call reads from, and the source inputResults.failure helper operates
// over.
type InputResults struct {
	byLocalID map[string]ResolvedInput
	order     []string
}

// NewInputResults builds an InputResults from InputResolver's output,
// preserving descriptor order for InputResults.Failure's first-failure
// tie-break.
func NewInputResults(resolved []ResolvedInput) *InputResults {
	ir := &InputResults{byLocalID: make(map[string]ResolvedInput, len(resolved)), order: make([]string, 0, len(resolved))}
	for _, ri := range resolved {
		ir.byLocalID[ri.LocalID] = ri
		ir.order = append(ir.order, ri.LocalID)
	}
	return ir
}

func (ir *InputResults) get(localID string) (ResolvedInput, bool) {
	ri, ok := ir.byLocalID[localID]
	return ri, ok
}

// Failure implements spec §4.4's inputResults.failure helper: filter to
// failures; if exactly one non-cancellation failure, surface it; if
// multiple, surface a composite MultipleInputsFailed; if only
// cancellations, surface the first cancellation. Returns nil if every
// input succeeded.
func (ir *InputResults) Failure() error {
	var nonCancel []error
	var firstCancel error
	for _, localID := range ir.order {
		ri := ir.byLocalID[localID]
		if ri.Success || ri.Err == nil {
			continue
		}
		if errors.Is(ri.Err, kerrors.ErrCancelled) || errors.Is(ri.Err, context.Canceled) {
			if firstCancel == nil {
				firstCancel = ri.Err
			}
			continue
		}
		nonCancel = append(nonCancel, ri.Err)
	}
	switch {
	case len(nonCancel) == 1:
		return nonCancel[0]
	case len(nonCancel) > 1:
		return &kerrors.MultipleInputsFailed{Errors: nonCancel}
	case firstCancel != nil:
		return firstCancel
	default:
		return nil
	}
}

// All returns every resolved input in descriptor order, for callers
// (e.g. the fingerprint package) that need to walk them positionally.
func (ir *InputResults) All() []ResolvedInput {
	out := make([]ResolvedInput, 0, len(ir.order))
	for _, localID := range ir.order {
		out = append(out, ir.byLocalID[localID])
	}
	return out
}
