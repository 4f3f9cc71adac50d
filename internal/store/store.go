// Package store defines the SubmissionStore interface from spec §4.3: a
// durable per-submission package holding the root job plus its result
// table. internal/store/sqlitestore and internal/store/fsstore are its two
// concrete layouts.
package store

import (
	"context"
	"time"

	"github.com/ppiankov/kubrick/internal/jobkey"
)

// SubmittedJob is spec §3's submitted-job record.
type SubmittedJob struct {
	JobID          jobkey.JobID
	TypeID         string
	Encoded        []byte
	DedupExpiresAt time.Time
}

// JobState is a submitted job's lifecycle position (spec §3's
// resolving/executing/terminated).
type JobState string

const (
	StateResolving  JobState = "resolving"
	StateExecuting  JobState = "executing"
	StateTerminated JobState = "terminated"
)

// ResultRecord is spec §3's result record, with Tags formalizing the
// filesystem layout's `#<csvtags>` naming convention (spec §4.3-B) as a
// first-class field both backends persist identically.
type ResultRecord struct {
	Key     jobkey.JobKey
	Encoded []byte
	Tags    []string
}

// SubmissionStore is the durable store a JobDirector drives every
// submission through (spec §4.3).
type SubmissionStore interface {
	// SaveJob implements the atomic check-and-set of spec §4.3: if a live
	// (non-expired) record for job.JobID already exists, it returns
	// (false, nil) without modification; otherwise it deletes any prior
	// result rows for that job id and upserts the new submission, cascade
	// semantics guaranteed by invariant I2/I3.
	SaveJob(ctx context.Context, job SubmittedJob) (saved bool, err error)
	// RemoveJob idempotently removes a submitted job and cascades to its
	// result rows.
	RemoveJob(ctx context.Context, id jobkey.JobID) error
	// LoadJobs returns every submitted job, for restart-time re-drive.
	LoadJobs(ctx context.Context) ([]SubmittedJob, error)
	// JobCount is the total number of live submitted jobs.
	JobCount(ctx context.Context) (int, error)
	// SetJobState records a submitted job's lifecycle position, backing
	// the per-state counts surfaced by JobDirector for operability.
	SetJobState(ctx context.Context, id jobkey.JobID, state JobState) error
	// JobCountByState counts live submitted jobs currently in state.
	JobCountByState(ctx context.Context, state JobState) (int, error)
	// LoadJobResults returns every result row for one submission, for
	// diagnostics and tests.
	LoadJobResults(ctx context.Context, id jobkey.JobID) ([]ResultRecord, error)

	// ResultValue, UpdateResult, and RemoveResult are the result-table
	// operations spec §4.2 names as RegisterCache<JobKey,bytes>'s backing
	// store ("value", "update", "remove").
	ResultValue(key jobkey.JobKey) (ResultRecord, bool, error)
	UpdateResult(record ResultRecord) error
	RemoveResult(key jobkey.JobKey) error

	Close() error
}

// JobLock is a held liveness lock on one submission's package.
type JobLock interface {
	Unlock() error
}

// LivenessLocker is implemented by store layouts that support spec §4.8's
// OS-file-lock liveness protocol (the filesystem package layout). A
// director managing a job holds its lock for as long as it is working on
// it; a principal recognizes an orphaned package by the lock being free.
type LivenessLocker interface {
	LockJob(ctx context.Context, id jobkey.JobID) (JobLock, error)
}

// ResultBackend adapts a SubmissionStore's result-table operations to
// regcache.Backend, so a JobDirector can build its RegisterCache directly
// from its SubmissionStore.
type ResultBackend struct {
	store SubmissionStore
}

// NewResultBackend wraps store for use as a regcache.Backend.
func NewResultBackend(store SubmissionStore) ResultBackend {
	return ResultBackend{store: store}
}

func (b ResultBackend) Load(key jobkey.JobKey) ([]byte, bool, error) {
	rec, found, err := b.store.ResultValue(key)
	return rec.Encoded, found, err
}

func (b ResultBackend) Store(key jobkey.JobKey, encoded []byte) error {
	return b.store.UpdateResult(ResultRecord{Key: key, Encoded: encoded})
}

func (b ResultBackend) Delete(key jobkey.JobKey) error {
	return b.store.RemoveResult(key)
}
