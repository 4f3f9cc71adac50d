package director

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/kubrick/internal/codec"
	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/kjob"
	"github.com/ppiankov/kubrick/internal/scope"
)

// downloadJob simulates a per-URL fetch: it reports a value derived from
// its bound URL, fingerprinted on that URL.
type downloadJob struct {
	url *kjob.Binding[kjob.String]
}

func newDownloadJob(url string) *downloadJob {
	b := kjob.NewBinding[kjob.String]("url", kjob.DecodeString)
	b.Bind(kjob.String(url))
	return &downloadJob{url: b}
}

func (*downloadJob) TypeName() string { return "test.Download" }
func (j *downloadJob) InputDescriptors() []kjob.Descriptor {
	return []kjob.Descriptor{j.url.Descriptor()}
}
func (j *downloadJob) Execute(ctx context.Context) (kjob.String, error) {
	f, err := scope.From(ctx)
	if err != nil {
		return "", err
	}
	url, err := j.url.Value(f.Inputs)
	if err != nil {
		return "", err
	}
	return "fetched:" + url, nil
}
func (*downloadJob) Decode() kjob.Decoder[kjob.String] { return kjob.DecodeString }

// TestBatchMapsEachItemToItsJobResult drives a two-item batch through a
// real director and expects the returned mapping to carry both item names,
// each mapped to its own child's success value.
func TestBatchMapsEachItemToItsJobResult(t *testing.T) {
	root := t.TempDir()
	d, closeStore := newTestDirector(t, root)
	defer closeStore()
	ctx := context.Background()
	if _, err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop(5 * time.Second)

	dyn := &DynamicJobDirector{director: d, submission: jobkey.NewJobID()}
	batch := Batch(map[string]string{
		"fast": "https://example.com/a",
		"slow": "https://example.com/b",
	}, func(name, item string) kjob.ResultJob[kjob.String] {
		return newDownloadJob(item)
	})

	_, result := kjob.Resolve[kjob.StringMap](ctx, dyn, batch)
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	want := map[string]string{
		"fast": "fetched:https://example.com/a",
		"slow": "fetched:https://example.com/b",
	}
	if len(result.Value) != len(want) {
		t.Fatalf("batch returned %d entries, want %d", len(result.Value), len(want))
	}
	for k, v := range want {
		if result.Value[k] != v {
			t.Fatalf("batch[%q] = %q, want %q", k, result.Value[k], v)
		}
	}
}

// retriedJob fails until a shared gate has seen its 4th call, then
// succeeds, reporting how many times this particular instance ran. Its
// bound unique input gives every instance a distinct fingerprint.
type retriedJob struct {
	unique *kjob.Binding[kjob.String]
	own    *int32
	gate   *int32
}

func newRetriedJob(unique string, gate *int32) *retriedJob {
	b := kjob.NewBinding[kjob.String]("unique", kjob.DecodeString)
	b.Bind(kjob.String(unique))
	return &retriedJob{unique: b, own: new(int32), gate: gate}
}

func (*retriedJob) TypeName() string { return "test.Retried" }
func (j *retriedJob) InputDescriptors() []kjob.Descriptor {
	return []kjob.Descriptor{j.unique.Descriptor()}
}
func (j *retriedJob) Execute(ctx context.Context) (kjob.Int, error) {
	atomic.AddInt32(j.own, 1)
	if atomic.AddInt32(j.gate, 1) < 4 {
		return 0, errors.New("gate not reached")
	}
	return kjob.Int(atomic.LoadInt32(j.own)), nil
}
func (*retriedJob) Decode() kjob.Decoder[kjob.Int] { return kjob.DecodeInt }

// TestRetryWithDistinctUniqueInputs runs the same failing-then-succeeding
// job twice under retry(maxAttempts=10), distinguished only by a unique
// bound input. The first invocation needs 4 attempts (the failed ones
// deregistered between tries); by then the gate is open, so the second
// invocation succeeds on its 1st. The returned counts sum to 5.
func TestRetryWithDistinctUniqueInputs(t *testing.T) {
	root := t.TempDir()
	d, closeStore := newTestDirector(t, root)
	defer closeStore()
	ctx := context.Background()
	if _, err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop(5 * time.Second)

	dyn := &DynamicJobDirector{director: d, submission: jobkey.NewJobID()}
	var gate int32
	total := 0
	for _, unique := range []string{"first", "second"} {
		b := kjob.Retry[kjob.Int]("r", newRetriedJob(unique, &gate), kjob.MaxAttempts(10))
		ri := b.Descriptor().Resolve(ctx, dyn)
		if !ri.Success {
			t.Fatalf("retry for %q did not succeed: %v", unique, ri.Err)
		}
		v, err := kjob.DecodeInt(codec.NewReader(ri.Bytes))
		if err != nil {
			t.Fatal(err)
		}
		total += int(v)
	}
	if total != 5 {
		t.Fatalf("sum of returned counts = %d, want 5", total)
	}
}
