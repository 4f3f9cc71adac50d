// Package scope implements the ambient ExecutionScope from spec §4.5: a
// frame carrying {director, job key, input results} that is installed
// immediately before a user `execute` call and torn down immediately
// after. Per spec §9's design note, the source's task-local reflection-
// based state is modeled here as an explicit context.Context value rather
// than goroutine-local storage — the closest idiomatic Go equivalent, and
// the one the spec itself recommends.
package scope

import (
	"context"

	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/kerrors"
	"github.com/ppiankov/kubrick/internal/kjob"
)

type frameKey struct{}

// Frame is the ambient state available inside an active scope.
type Frame struct {
	Director kjob.Resolver
	JobKey   jobkey.JobKey
	Inputs   *kjob.InputResults
}

// Enter installs frame onto ctx for the duration of a single `execute`
// call. Scopes nest LIFO around execute/catch/map/retry boundaries (spec
// §4.5's contract) simply because each is a fresh child context.
func Enter(ctx context.Context, frame Frame) context.Context {
	return context.WithValue(ctx, frameKey{}, &frame)
}

// From reads the ambient frame installed by Enter. Per spec §4.5, reading
// outside an active scope is a fatal programming error; From reports it
// as an InvariantViolation rather than panicking so a mis-wired wrapper
// fails its node instead of crashing the process.
func From(ctx context.Context) (Frame, error) {
	f, ok := ctx.Value(frameKey{}).(*Frame)
	if !ok || f == nil {
		return Frame{}, &kerrors.InvariantViolation{Kind: kerrors.InputResultMissing, LocalID: "<scope>"}
	}
	return *f, nil
}

// TransferToPrincipal implements spec §4.8's explicit-transfer call: a job
// body invokes this from within its Execute to hand a still-running job
// off to the principal. On an assistant director it returns
// kerrors.ErrTransferToPrincipal, which the director recognizes and
// leaves the job package unlocked instead of persisting a result; on the
// principal it is a no-op.
func TransferToPrincipal(ctx context.Context) error {
	f, err := From(ctx)
	if err != nil {
		return err
	}
	return f.Director.TransferToPrincipal()
}

// MustFrom is From, panicking on a missing scope. Reserved for
// first-party combinators (e.g. dynamic-job façades) that are only ever
// invoked from inside a wrapper that already guarantees a scope is
// active; job-author code should prefer From.
func MustFrom(ctx context.Context) Frame {
	f, err := From(ctx)
	if err != nil {
		panic(err)
	}
	return f
}
