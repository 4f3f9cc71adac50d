// Package resolver implements spec §4.4's InputResolver: parallel
// resolution of a job's input descriptors with cancellation propagation,
// but without promoting cancellation to a correctness mechanism — every
// sibling's result is still collected even after the group is cancelled.
package resolver

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/kubrick/internal/kjob"
)

// Resolve fans descriptors out over one goroutine each via
// errgroup.WithContext (spec: "resolve each input descriptor in
// parallel"). The first descriptor to fail cancels the group's derived
// context, which jobDescriptor.Resolve propagates into any child
// director.Resolve call — but resolver still waits for every goroutine to
// finish before returning, so no sibling's result is lost to the
// cancellation race (spec: "cancellation is an optimization, not a
// correctness mechanism").
func Resolve(ctx context.Context, dir kjob.Resolver, descriptors []kjob.Descriptor) *kjob.InputResults {
	n := len(descriptors)
	results := make([]kjob.ResolvedInput, n)

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range descriptors {
		i, d := i, d
		g.Go(func() error {
			ri := d.Resolve(gctx, dir)
			results[i] = ri
			if !ri.Success {
				return ri.Err
			}
			return nil
		})
	}
	// The returned error is deliberately discarded: InputResults.Failure
	// (spec §4.4's inputResults.failure helper) is the single source of
	// truth for how sibling failures surface to a job's execute.
	_ = g.Wait()

	return kjob.NewInputResults(results)
}
