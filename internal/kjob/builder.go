package kjob

// Builder collects one job per branch of a conditional expression and
// resolves to whichever one the caller selects (spec §6's job-author API:
// "a builder collecting one job per variant for use in conditional
// expressions"). It lets a job type pick among several possible children
// for one binding without the binding itself needing to know the
// condition ahead of time.
type Builder[V Value] struct {
	variants map[string]ResultJob[V]
}

// NewBuilder creates an empty job builder.
func NewBuilder[V Value]() *Builder[V] {
	return &Builder[V]{variants: make(map[string]ResultJob[V])}
}

// Case registers job under the branch name tag.
func (b *Builder[V]) Case(tag string, job ResultJob[V]) *Builder[V] {
	b.variants[tag] = job
	return b
}

// Select returns the job registered under tag, or ok=false if no case
// was registered for it — a programming error the caller should surface
// as an UnboundInputs-style failure rather than silently defaulting.
func (b *Builder[V]) Select(tag string) (ResultJob[V], bool) {
	job, ok := b.variants[tag]
	return job, ok
}
