package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/store"
)

func fp(b byte) jobkey.Fingerprint {
	var f jobkey.Fingerprint
	f[0] = b
	return f
}

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSaveJobRejectsLiveDuplicate(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	id := jobkey.NewJobID()
	job := store.SubmittedJob{JobID: id, TypeID: "t", Encoded: []byte("a"), DedupExpiresAt: time.Now().Add(time.Hour)}

	saved, err := st.SaveJob(ctx, job)
	if err != nil || !saved {
		t.Fatalf("first save: saved=%v err=%v", saved, err)
	}
	saved, err = st.SaveJob(ctx, job)
	if err != nil || saved {
		t.Fatalf("duplicate save: saved=%v err=%v, want false, nil", saved, err)
	}
}

func TestSaveJobReplacesExpiredRecord(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	id := jobkey.NewJobID()
	first := store.SubmittedJob{JobID: id, TypeID: "t", Encoded: []byte("a"), DedupExpiresAt: time.Now().Add(-time.Second)}
	if _, err := st.SaveJob(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := store.SubmittedJob{JobID: id, TypeID: "t", Encoded: []byte("b"), DedupExpiresAt: time.Now().Add(time.Hour)}
	saved, err := st.SaveJob(ctx, second)
	if err != nil || !saved {
		t.Fatalf("save after expiry: saved=%v err=%v, want true, nil", saved, err)
	}

	jobs, err := st.LoadJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || string(jobs[0].Encoded) != "b" {
		t.Fatalf("got %+v, want one job with encoded=b", jobs)
	}
}

// TestRemoveJobCascadesResults is spec §8 P5: removing a submitted job
// cascades (via ON DELETE CASCADE) to every result row persisted under it.
func TestRemoveJobCascadesResults(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	id := jobkey.NewJobID()
	job := store.SubmittedJob{JobID: id, TypeID: "t", Encoded: []byte("a"), DedupExpiresAt: time.Now().Add(time.Hour)}
	if _, err := st.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	key1 := jobkey.JobKey{JobID: id, Fingerprint: fp(1)}
	key2 := jobkey.JobKey{JobID: id, Fingerprint: fp(2)}
	if err := st.UpdateResult(store.ResultRecord{Key: key1, Encoded: []byte("r1")}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateResult(store.ResultRecord{Key: key2, Encoded: []byte("r2")}); err != nil {
		t.Fatal(err)
	}

	records, err := st.LoadJobResults(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d results before removal, want 2", len(records))
	}

	if err := st.RemoveJob(ctx, id); err != nil {
		t.Fatal(err)
	}

	records, err = st.LoadJobResults(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d results after RemoveJob, want 0 (FK cascade should have deleted them)", len(records))
	}
	if _, found, err := st.ResultValue(key1); err != nil || found {
		t.Fatalf("ResultValue after RemoveJob: found=%v err=%v, want false, nil", found, err)
	}

	n, err := st.JobCount(ctx)
	if err != nil || n != 0 {
		t.Fatalf("JobCount after RemoveJob = %d, %v, want 0, nil", n, err)
	}
}

func TestRemoveJobIdempotent(t *testing.T) {
	st := openTest(t)
	if err := st.RemoveJob(context.Background(), jobkey.NewJobID()); err != nil {
		t.Fatalf("removing an unknown job should be a no-op, got %v", err)
	}
}

func TestUpdateResultThenResultValueRoundTrips(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	id := jobkey.NewJobID()
	if _, err := st.SaveJob(ctx, store.SubmittedJob{JobID: id, TypeID: "t", Encoded: []byte("a"), DedupExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	key := jobkey.JobKey{JobID: id, Fingerprint: fp(9)}
	if err := st.UpdateResult(store.ResultRecord{Key: key, Encoded: []byte("v1"), Tags: []string{"b", "a"}}); err != nil {
		t.Fatal(err)
	}
	rec, found, err := st.ResultValue(key)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v, want true, nil", found, err)
	}
	if string(rec.Encoded) != "v1" {
		t.Fatalf("got %q, want v1", rec.Encoded)
	}

	if err := st.RemoveResult(key); err != nil {
		t.Fatal(err)
	}
	if _, found, err := st.ResultValue(key); err != nil || found {
		t.Fatalf("after RemoveResult: found=%v err=%v, want false, nil", found, err)
	}
}

func TestJobCountByState(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	id := jobkey.NewJobID()
	if _, err := st.SaveJob(ctx, store.SubmittedJob{JobID: id, TypeID: "t", Encoded: []byte("a"), DedupExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	n, err := st.JobCountByState(ctx, store.StateResolving)
	if err != nil || n != 1 {
		t.Fatalf("JobCountByState(resolving) = %d, %v, want 1, nil", n, err)
	}

	if err := st.SetJobState(ctx, id, store.StateExecuting); err != nil {
		t.Fatal(err)
	}
	n, err = st.JobCountByState(ctx, store.StateExecuting)
	if err != nil || n != 1 {
		t.Fatalf("JobCountByState(executing) = %d, %v, want 1, nil", n, err)
	}
	n, err = st.JobCountByState(ctx, store.StateResolving)
	if err != nil || n != 0 {
		t.Fatalf("JobCountByState(resolving) after transition = %d, %v, want 0, nil", n, err)
	}
}
