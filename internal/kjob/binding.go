package kjob

import (
	"context"

	"github.com/ppiankov/kubrick/internal/codec"
	"github.com/ppiankov/kubrick/internal/kerrors"
)

// ResolvedInput is the type-erased outcome of resolving one input
// descriptor: the local id it was bound under, the declared type name
// absorbed into the fingerprint, the canonical bytes of its success value
// or boxed error (spec §4.1 step 3), and enough of the original error to
// power inputResults.failure (spec §4.4).
type ResolvedInput struct {
	LocalID  string
	TypeName string
	Bytes    []byte
	Success  bool
	Err      error // original, unboxed; nil when Success
}

// Descriptor is the type-erased interface InputResolver fans out over
// (spec §9's "tagged-variant wrapper... polymorphic over resolve +
// reportType").
type Descriptor interface {
	LocalID() string
	Resolve(ctx context.Context, dir Resolver) ResolvedInput
}

// bindingState is the logical state of a Binding (spec §3: unbound,
// constant, job).
type bindingState int

const (
	stateUnbound bindingState = iota
	stateConstant
	stateJob
)

// Binding is a container for one input (spec §3's "input binding"). Its
// local-id is assigned at construction and stable for the life of the
// owning job instance (spec invariant I4 requires these be injective
// within one job's descriptor list — callers are responsible for that,
// exactly as the source delegates it to binding-construction order).
type Binding[V Value] struct {
	localID  string
	decode   Decoder[V]
	state    bindingState
	constant V
	job      ResultJob[V]
	override Descriptor // set by Catch/Map/Retry; takes priority when non-nil
}

// NewBinding creates an unbound input binding under localID.
func NewBinding[V Value](localID string, decode Decoder[V]) *Binding[V] {
	return &Binding[V]{localID: localID, decode: decode, state: stateUnbound}
}

// Bind attaches a constant value to this binding.
func (b *Binding[V]) Bind(v V) { b.state = stateConstant; b.constant = v; b.override = nil }

// BindJob attaches a child job to this binding.
func (b *Binding[V]) BindJob(job ResultJob[V]) { b.state = stateJob; b.job = job; b.override = nil }

// LocalID returns the stable local id this binding resolves under.
func (b *Binding[V]) LocalID() string { return b.localID }

// Value reads this binding's resolved value from the ambient input
// results (spec §4.5). It is a fatal programmer error to call this
// outside an active scope, or before the binding's local id was
// resolved — both surface as an InvariantViolation rather than panicking,
// so a mis-plumbed wrapper fails its node instead of crashing the process.
func (b *Binding[V]) Value(ir *InputResults) (V, error) {
	ri, ok := ir.get(b.localID)
	if !ok {
		var zero V
		return zero, &kerrors.InvariantViolation{Kind: kerrors.InputResultMissing, LocalID: b.localID}
	}
	if !ri.Success {
		var zero V
		return zero, &kerrors.InvariantViolation{Kind: kerrors.ExecuteInvokedWithFailedInput, LocalID: b.localID}
	}
	v, err := b.decode(codec.NewReader(ri.Bytes))
	if err != nil {
		var zero V
		return zero, &kerrors.InvariantViolation{Kind: kerrors.InputResultInvalid, LocalID: b.localID}
	}
	return v, nil
}

// Descriptor returns the type-erased Descriptor InputResolver drives for
// this binding, reflecting its current state (unbound/constant/job) or
// its catch/map/retry override, if any.
func (b *Binding[V]) Descriptor() Descriptor {
	if b.override != nil {
		return b.override
	}
	switch b.state {
	case stateConstant:
		return &constDescriptor[V]{localID: b.localID, v: b.constant}
	case stateJob:
		return &jobDescriptor[V]{localID: b.localID, job: b.job}
	default:
		return &unboundDescriptor{localID: b.localID, typeName: zeroTypeName[V]()}
	}
}

func zeroTypeName[V Value]() string {
	var zero V
	return zero.ValueTypeName()
}

// unboundDescriptor always reports the fatal programmer error spec §4.4
// names: "unbound-inputs, fatal to this node".
type unboundDescriptor struct {
	localID  string
	typeName string
}

func (d *unboundDescriptor) LocalID() string { return d.localID }
func (d *unboundDescriptor) Resolve(ctx context.Context, dir Resolver) ResolvedInput {
	return ResolvedInput{LocalID: d.localID, TypeName: d.typeName, Err: &kerrors.UnboundInputs{Types: []string{d.typeName}}}
}

// constDescriptor resolves instantly to its embedded constant — no
// fingerprinting or single-flight caching is needed since a constant has
// no execute step of its own.
type constDescriptor[V Value] struct {
	localID string
	v       V
}

func (d *constDescriptor[V]) LocalID() string { return d.localID }
func (d *constDescriptor[V]) Resolve(ctx context.Context, dir Resolver) ResolvedInput {
	return ResolvedInput{LocalID: d.localID, TypeName: d.v.ValueTypeName(), Bytes: mustEncode(d.v), Success: true}
}

// jobDescriptor resolves its child job through dir (which fingerprints,
// single-flights, and persists it per spec §4.6).
type jobDescriptor[V Value] struct {
	localID string
	job     ResultJob[V]
}

func (d *jobDescriptor[V]) LocalID() string { return d.localID }
func (d *jobDescriptor[V]) Resolve(ctx context.Context, dir Resolver) ResolvedInput {
	_, result := Resolve(ctx, dir, d.job)
	return resultToResolvedInput(d.localID, d.job.TypeName(), result, dir)
}

func resultToResolvedInput[V Value](localID, typeName string, result Result[V], dir Resolver) ResolvedInput {
	if result.Err != nil {
		env := kerrors.Box(result.Err, typeName, dir.ErrorResolver())
		return ResolvedInput{LocalID: localID, TypeName: typeName, Bytes: mustEncode(envelopeValue{env}), Success: false, Err: result.Err}
	}
	return ResolvedInput{LocalID: localID, TypeName: typeName, Bytes: mustEncode(result.Value), Success: true}
}

// envelopeValue adapts *kerrors.Envelope to the Value interface so boxed
// errors absorb into a fingerprint the same way success values do (spec
// §4.1 step 3.b: "absorb the canonical encoding of the serialized error
// envelope").
type envelopeValue struct{ env *kerrors.Envelope }

func (e envelopeValue) ValueTypeName() string { return "kubrick.ErrorEnvelope" }
func (e envelopeValue) EncodeCanonical(w *codec.Writer) {
	w.Tag(byte(storageTag(e.env.Storage)))
	w.String(e.env.Domain)
	w.String(e.env.Message)
	w.String(e.env.Code)
	w.RawBytes(e.env.Payload)
}

func storageTag(s kerrors.Storage) int {
	if s == kerrors.StorageCodable {
		return 1
	}
	return 0
}

// Catch wraps inner with a handler invoked during resolution when the
// child fails; the handler's result (success or failure) replaces the
// original (spec §4.4, §8 P7). No new fingerprinted node is created — the
// handler runs inline during the parent's input resolution.
func Catch[V Value](inner *Binding[V], handler func(error) (V, error)) *Binding[V] {
	return &Binding[V]{
		localID:  inner.localID,
		decode:   inner.decode,
		override: &catchDescriptor[V]{inner: inner, handler: handler},
	}
}

type catchDescriptor[V Value] struct {
	inner   *Binding[V]
	handler func(error) (V, error)
}

func (d *catchDescriptor[V]) LocalID() string { return d.inner.localID }
func (d *catchDescriptor[V]) Resolve(ctx context.Context, dir Resolver) ResolvedInput {
	ri := d.inner.Descriptor().Resolve(ctx, dir)
	if ri.Success {
		return ri
	}
	v, err := d.handler(ri.Err)
	if err != nil {
		return resultToResolvedInput(d.inner.localID, ri.TypeName, Result[V]{Err: err}, dir)
	}
	return resultToResolvedInput(d.inner.localID, ri.TypeName, Result[V]{Value: v}, dir)
}

// Map transforms a successful value; failures pass through unchanged
// (spec §4.4). MapToResult is the same operation under the spec's other
// name for it — both only act on the success path.
func Map[V Value](inner *Binding[V], transform func(V) (V, error)) *Binding[V] {
	return MapToResult(inner, transform)
}

// MapToResult transforms a successful value; failures pass through.
func MapToResult[V Value](inner *Binding[V], transform func(V) (V, error)) *Binding[V] {
	return &Binding[V]{
		localID:  inner.localID,
		decode:   inner.decode,
		override: &mappedDescriptor[V]{inner: inner, transform: transform},
	}
}

type mappedDescriptor[V Value] struct {
	inner     *Binding[V]
	transform func(V) (V, error)
}

func (d *mappedDescriptor[V]) LocalID() string { return d.inner.localID }
func (d *mappedDescriptor[V]) Resolve(ctx context.Context, dir Resolver) ResolvedInput {
	ri := d.inner.Descriptor().Resolve(ctx, dir)
	if !ri.Success {
		return ri
	}
	v, err := d.inner.decode(codec.NewReader(ri.Bytes))
	if err != nil {
		return ResolvedInput{LocalID: ri.LocalID, TypeName: ri.TypeName, Success: false, Err: &kerrors.InvariantViolation{Kind: kerrors.InputResultInvalid, LocalID: ri.LocalID}}
	}
	mv, err := d.transform(v)
	if err != nil {
		return resultToResolvedInput(ri.LocalID, ri.TypeName, Result[V]{Err: err}, dir)
	}
	return resultToResolvedInput(ri.LocalID, ri.TypeName, Result[V]{Value: mv}, dir)
}

// RetryPolicy decides whether a failed attempt should be retried, given
// the error and the 1-based number of the next attempt (spec §4.4).
type RetryPolicy func(err error, nextAttempt int) bool

// MaxAttempts is the canonical RetryPolicy helper: nextAttempt <= max.
func MaxAttempts(max int) RetryPolicy {
	return func(_ error, nextAttempt int) bool { return nextAttempt <= max }
}

// Retry binds localID to job, wrapped so that on failure it deregisters
// the child's cache entry and re-resolves until policy returns false
// (spec §4.4, §8 P8).
func Retry[V Value](localID string, job ResultJob[V], policy RetryPolicy) *Binding[V] {
	return &Binding[V]{
		localID:  localID,
		decode:   job.Decode(),
		override: &retryDescriptor[V]{localID: localID, job: job, policy: policy},
	}
}

// retryDescriptor is the Descriptor actually installed for a Retry
// binding; it owns the retry loop so it can call dir.Unresolve between
// attempts (spec §4.4: "retrying re-resolves its child after
// deregistering the child's cache entry").
type retryDescriptor[V Value] struct {
	localID string
	job     ResultJob[V]
	policy  RetryPolicy
}

func (d *retryDescriptor[V]) LocalID() string { return d.localID }
func (d *retryDescriptor[V]) Resolve(ctx context.Context, dir Resolver) ResolvedInput {
	attempt := 1
	for {
		key, result := Resolve(ctx, dir, d.job)
		if result.Err == nil {
			return resultToResolvedInput(d.localID, d.job.TypeName(), result, dir)
		}
		if !d.policy(result.Err, attempt+1) {
			return resultToResolvedInput(d.localID, d.job.TypeName(), result, dir)
		}
		dir.Unresolve(key)
		attempt++
	}
}
