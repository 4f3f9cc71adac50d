package director

import (
	"context"
	"sort"

	"github.com/ppiankov/kubrick/internal/kjob"
	"github.com/ppiankov/kubrick/internal/scope"
)

// BatchJob resolves one child job per named item and reports the
// item-name → child-success-value mapping. Children resolve concurrently
// as ordinary input bindings, so an identical child appearing in two
// batches still single-flights by fingerprint.
type BatchJob struct {
	keys     []string
	bindings map[string]*kjob.Binding[kjob.String]
}

// Batch builds a BatchJob over items; build is invoked once per
// (name, item) pair to construct that item's child job.
func Batch(items map[string]string, build func(name, item string) kjob.ResultJob[kjob.String]) *BatchJob {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	// Descriptor order must be a property of the batch's contents, not of
	// Go's map iteration order, or two identical batches would fingerprint
	// differently.
	sort.Strings(keys)
	bindings := make(map[string]*kjob.Binding[kjob.String], len(items))
	for _, k := range keys {
		b := kjob.NewBinding[kjob.String](k, kjob.DecodeString)
		b.BindJob(build(k, items[k]))
		bindings[k] = b
	}
	return &BatchJob{keys: keys, bindings: bindings}
}

func (*BatchJob) TypeName() string { return "kubrick.Batch" }

func (b *BatchJob) InputDescriptors() []kjob.Descriptor {
	ds := make([]kjob.Descriptor, 0, len(b.keys))
	for _, k := range b.keys {
		ds = append(ds, b.bindings[k].Descriptor())
	}
	return ds
}

func (b *BatchJob) Execute(ctx context.Context) (kjob.StringMap, error) {
	f, err := scope.From(ctx)
	if err != nil {
		return nil, err
	}
	out := make(kjob.StringMap, len(b.keys))
	for _, k := range b.keys {
		v, err := b.bindings[k].Value(f.Inputs)
		if err != nil {
			return nil, err
		}
		out[k] = string(v)
	}
	return out, nil
}

func (*BatchJob) Decode() kjob.Decoder[kjob.StringMap] { return kjob.DecodeStringMap }
