package kjob

import (
	"context"

	"github.com/ppiankov/kubrick/internal/codec"
	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/kerrors"
)

// Job is the capability-less base every job variant satisfies (spec §3).
type Job interface {
	// TypeName is the reflective/registered name absorbed into a
	// fingerprint as the node's type-id (spec §4.1 step 2).
	TypeName() string
	// InputDescriptors returns this job's ordered input bindings.
	// Descriptor order is a property of the job type (spec §4.1's
	// rationale), so it must be stable across instances.
	InputDescriptors() []Descriptor
}

// ResultJob is the "Result" variant: it produces a value of type V.
type ResultJob[V Value] interface {
	Job
	Execute(ctx context.Context) (V, error)
	Decode() Decoder[V]
}

// ExecutableJob is the "Executable" variant: it produces no value.
type ExecutableJob interface {
	Job
	Execute(ctx context.Context) error
}

// SubmittableJob is restorable from persisted bytes and addressable by a
// string type-id; it may only be a submission root and cannot report a
// value (spec §3).
type SubmittableJob interface {
	ExecutableJob
	// SubmittableTypeID is the registered id used by a
	// SubmittableJobTypeResolver to round-trip this job type (spec §6).
	SubmittableTypeID() string
}

// SubmittableJobTypeResolver round-trips a SubmittableJob to and from the
// bytes a SubmissionStore persists (spec §6's "typeId(of jobType) -> string
// and resolve(jobTypeId) -> jobType"), generalized here to also carry the
// job's own argument encoding since a job type is a fixed shape with
// per-submission argument values. An embedder supplies one covering every
// SubmittableJob type it registers with a director; kjob deliberately has
// no reflection-based default (spec §9's explicit-descriptors design note
// applies equally here).
type SubmittableJobTypeResolver interface {
	Encode(job SubmittableJob) (typeID string, encoded []byte, err error)
	Decode(typeID string, encoded []byte) (SubmittableJob, error)
}

// Resolver is the type-erased surface kjob needs from a director, kept
// free of generic methods because Go does not allow a generic method on
// an interface. The generic Resolve/ResolveExecutable helpers below (and
// internal/director's Run/Result) are free functions layered on top of it.
type Resolver interface {
	// ResolveNode drives one node to completion: it computes resolved
	// inputs via InputDescriptors, fingerprints them together with
	// typeName, single-flights execute through the result cache, and
	// returns the node's key plus its encoded result bytes on success, or
	// nil bytes together with the unboxed error on failure.
	ResolveNode(ctx context.Context, job Job, execute func(ctx context.Context) ([]byte, error)) (jobkey.JobKey, []byte, error)
	// Unresolve deregisters key from the result cache (used by retry).
	Unresolve(key jobkey.JobKey)
	// ErrorResolver returns the director's configured error-type
	// resolver, for boxing/unboxing user errors (spec §6, §7).
	ErrorResolver() kerrors.TypeResolver
	// Submission returns the JobId of the submission currently being
	// resolved.
	Submission() jobkey.JobID
	// Injection reads the director's dependency-injection registry
	// (spec §4.5), keyed by declared type name and tags.
	Injection(typeName string, tags []string) (any, bool)
	// TransferToPrincipal implements spec §4.8's explicit transfer: an
	// assistant director returns kerrors.ErrTransferToPrincipal; a
	// principal director is a no-op.
	TransferToPrincipal() error
}

// Result is the generic outcome of resolving a ResultJob[V].
type Result[V Value] struct {
	Value V
	Err   error
}

// Resolve drives job to completion under dir and returns its JobKey and
// typed Result (spec §4.6's resolve operation, specialized for a
// Result-variant job). It is a free function, not a method, because Go
// forbids generic methods on interfaces.
func Resolve[V Value](ctx context.Context, dir Resolver, job ResultJob[V]) (jobkey.JobKey, Result[V]) {
	key, encoded, err := dir.ResolveNode(ctx, job, func(ctx context.Context) ([]byte, error) {
		v, err := job.Execute(ctx)
		if err != nil {
			return nil, err
		}
		w := codec.NewWriter()
		v.EncodeCanonical(w)
		return w.Bytes(), nil
	})
	if err != nil {
		return key, Result[V]{Err: err}
	}
	v, decodeErr := job.Decode()(codec.NewReader(encoded))
	if decodeErr != nil {
		return key, Result[V]{Err: &kerrors.InvariantViolation{Kind: kerrors.InputResultInvalid}}
	}
	return key, Result[V]{Value: v}
}

// ResolveExecutable drives an ExecutableJob to completion, discarding its
// unit result.
func ResolveExecutable(ctx context.Context, dir Resolver, job ExecutableJob) (jobkey.JobKey, error) {
	key, _, err := dir.ResolveNode(ctx, job, func(ctx context.Context) ([]byte, error) {
		if err := job.Execute(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return key, err
}
