package director

import (
	"context"

	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/kerrors"
	"github.com/ppiankov/kubrick/internal/kjob"
	"github.com/ppiankov/kubrick/internal/scope"
)

// DynamicJobDirector is spec §4.7's per-submission kjob.Resolver: it
// captures (director, parentJobKey's submission) and delegates every
// operation to the real JobDirector except Submission, which is fixed at
// construction. Every scope.Frame.Director a job's execute call observes is
// one of these — resolving the root job of a submission and resolving a
// dynamic sub-job from inside a running one are the same operation wrapped
// the same way, which is exactly spec §4.5's "dynamic-jobs is a façade that
// resolves a fresh job under the current submission id".
type DynamicJobDirector struct {
	director   *JobDirector
	submission jobkey.JobID
}

var _ kjob.Resolver = (*DynamicJobDirector)(nil)

func (s *DynamicJobDirector) ResolveNode(ctx context.Context, job kjob.Job, execute func(context.Context) ([]byte, error)) (jobkey.JobKey, []byte, error) {
	return s.director.resolveNode(ctx, s.submission, job, execute)
}

func (s *DynamicJobDirector) Unresolve(key jobkey.JobKey) { s.director.Unresolve(key) }

func (s *DynamicJobDirector) ErrorResolver() kerrors.TypeResolver { return s.director.errRes }

func (s *DynamicJobDirector) Submission() jobkey.JobID { return s.submission }

func (s *DynamicJobDirector) Injection(typeName string, tags []string) (any, bool) {
	return s.director.injection(typeName, tags)
}

func (s *DynamicJobDirector) TransferToPrincipal() error { return s.director.transferToPrincipal() }

// Run resolves job under the current submission (read from ctx's scope) and
// returns its value, propagating failure (spec §4.7's run(job) -> V).
func Run[V kjob.Value](ctx context.Context, job kjob.ResultJob[V]) (V, error) {
	f := scope.MustFrom(ctx)
	_, result := kjob.Resolve(ctx, f.Director, job)
	return result.Value, result.Err
}

// RunExecutable resolves an ExecutableJob under the current submission,
// discarding its unit result (spec §4.7's run(job) -> unit).
func RunExecutable(ctx context.Context, job kjob.ExecutableJob) error {
	f := scope.MustFrom(ctx)
	_, err := kjob.ResolveExecutable(ctx, f.Director, job)
	return err
}

// Result resolves job under the current submission and wraps its outcome
// instead of propagating failure (spec §4.7's result(job) -> Result<V>).
func Result[V kjob.Value](ctx context.Context, job kjob.ResultJob[V]) kjob.Result[V] {
	f := scope.MustFrom(ctx)
	_, result := kjob.Resolve(ctx, f.Director, job)
	return result
}
