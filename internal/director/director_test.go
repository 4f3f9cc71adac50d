package director

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/kubrick/internal/codec"
	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/kjob"
	"github.com/ppiankov/kubrick/internal/store/fsstore"
)

// countingJob is a SubmittableJob whose Execute increments a counter keyed
// by an opaque string, shared across every decoded instance of the same
// logical job (simulating a real side effect that must run at most once
// regardless of how many times the job is decoded from persisted bytes).
type countingJob struct {
	key string
}

var (
	countersMu sync.Mutex
	counters   = map[string]int{}
)

func countOf(key string) int {
	countersMu.Lock()
	defer countersMu.Unlock()
	return counters[key]
}

func (countingJob) TypeName() string                  { return "test.Counting" }
func (countingJob) InputDescriptors() []kjob.Descriptor { return nil }
func (countingJob) SubmittableTypeID() string          { return "test.counting" }
func (j countingJob) Execute(ctx context.Context) error {
	countersMu.Lock()
	counters[j.key]++
	countersMu.Unlock()
	return nil
}

type countingResolver struct{}

func (countingResolver) Encode(job kjob.SubmittableJob) (string, []byte, error) {
	cj := job.(countingJob)
	w := codec.NewWriter()
	w.String(cj.key)
	return "test.counting", w.Bytes(), nil
}

func (countingResolver) Decode(typeID string, encoded []byte) (kjob.SubmittableJob, error) {
	r := codec.NewReader(encoded)
	key, err := r.String()
	if err != nil {
		return nil, err
	}
	return countingJob{key: key}, nil
}

func newTestDirector(t *testing.T, root string) (*JobDirector, func()) {
	t.Helper()
	st, err := fsstore.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(Config{ID: "principal", Role: RolePrincipal, Store: st, JobTypes: countingResolver{}})
	if err != nil {
		t.Fatal(err)
	}
	return d, func() { _ = st.Close() }
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestSubmitExecutesExactlyOnce is spec §8 P1/S3: ten concurrent Submit
// calls sharing one jobId each report whether they were the accepted
// submission, and the underlying side effect runs exactly once.
func TestSubmitExecutesExactlyOnce(t *testing.T) {
	root := t.TempDir()
	d, closeStore := newTestDirector(t, root)
	defer closeStore()
	ctx := context.Background()
	if _, err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop(5 * time.Second)

	key := "s3-" + jobkey.NewJobID().String()
	jobID := jobkey.NewJobID()

	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.Submit(ctx, countingJob{key: key}, jobID, 500*time.Millisecond)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&accepted); got != 1 {
		t.Fatalf("%d submissions were accepted, want exactly 1", got)
	}
	waitFor(t, time.Second, func() bool { return countOf(key) == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := countOf(key); got != 1 {
		t.Fatalf("execute ran %d times, want exactly 1", got)
	}
}

// TestSubmitDedupWindow is spec §8 P4: a duplicate submission within the
// dedup window is rejected; once the window elapses, the same jobId can be
// submitted again and runs again.
func TestSubmitDedupWindow(t *testing.T) {
	root := t.TempDir()
	d, closeStore := newTestDirector(t, root)
	defer closeStore()
	ctx := context.Background()
	if _, err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop(5 * time.Second)

	key := "p4-" + jobkey.NewJobID().String()
	jobID := jobkey.NewJobID()

	ok, err := d.Submit(ctx, countingJob{key: key}, jobID, 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first submit: ok=%v err=%v, want true, nil", ok, err)
	}
	ok, err = d.Submit(ctx, countingJob{key: key}, jobID, 200*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("duplicate submit within window: ok=%v err=%v, want false, nil", ok, err)
	}

	waitFor(t, time.Second, func() bool { return countOf(key) == 1 })

	time.Sleep(250 * time.Millisecond) // past dedup window and removal
	ok, err = d.Submit(ctx, countingJob{key: key}, jobID, 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("submit after window expired: ok=%v err=%v, want true, nil", ok, err)
	}
	waitFor(t, time.Second, func() bool { return countOf(key) == 2 })
}

// TestRestartReusesPersistedResult is spec §8 P2: stopping a director after
// execute has completed and starting a fresh one over the same store never
// re-runs it.
func TestRestartReusesPersistedResult(t *testing.T) {
	root := t.TempDir()
	key := "p2-" + jobkey.NewJobID().String()
	jobID := jobkey.NewJobID()
	ctx := context.Background()

	st1, err := fsstore.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	d1, err := New(Config{ID: "principal", Role: RolePrincipal, Store: st1, JobTypes: countingResolver{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d1.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// A long dedup window keeps the submission (and its persisted result)
	// in the store past the restart, so Start's re-drive actually finds it.
	if ok, err := d1.Submit(ctx, countingJob{key: key}, jobID, time.Hour); err != nil || !ok {
		t.Fatalf("submit: ok=%v err=%v", ok, err)
	}
	waitFor(t, time.Second, func() bool { return countOf(key) == 1 })

	if err := d1.Stop(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := st1.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := fsstore.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	d2, err := New(Config{ID: "principal", Role: RolePrincipal, Store: st2, JobTypes: countingResolver{}})
	if err != nil {
		t.Fatal(err)
	}
	n, err := d2.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("restart re-drove %d jobs, want 1", n)
	}
	defer d2.Stop(5 * time.Second)

	time.Sleep(150 * time.Millisecond)
	if got := countOf(key); got != 1 {
		t.Fatalf("execute ran %d times across restart, want exactly 1", got)
	}
}

// TestOperationsRejectedOutsideRunning is spec §7's DirectorState error.
func TestOperationsRejectedOutsideRunning(t *testing.T) {
	root := t.TempDir()
	d, closeStore := newTestDirector(t, root)
	defer closeStore()

	_, err := d.Submit(context.Background(), countingJob{key: "never"}, jobkey.NewJobID(), time.Second)
	if err == nil {
		t.Fatal("submit before Start should have been rejected")
	}
}
