// Package fsstore implements spec §4.3 layout B: a directory-per-director
// filesystem package store. Each director id owns a root directory; each
// submission owns a `jobs/{jobId}.job/` package holding one submission
// file and one file per completed result. Atomic writes use a temp-file +
// rename/hard-link pattern grounded in the teacher's
// internal/daemon.moveFile/copyFile helpers, and cross-process mutual
// exclusion is an advisory flock on the job package directory (spec §4.8).
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/ppiankov/kubrick/internal/codec"
	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/store"
)

const (
	dirPerm        = 0750
	submissionName = "_.job-submission"
	resultSuffix   = ".job-result"
	lockName       = ".lock"
	livenessName   = ".liveness-lock"
	jobDirSuffix   = ".job"
)

// Store is an fsstore-backed store.SubmissionStore rooted at one
// director's directory.
type Store struct {
	root string
}

// Open ensures root/jobs exists and returns a Store rooted there.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "jobs"), dirPerm); err != nil {
		return nil, fmt.Errorf("fsstore: create job root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Close() error { return nil }

// JobDir returns the package directory for id, exported so internal/assist
// can locate assistant job packages using the same layout.
func (s *Store) JobDir(id jobkey.JobID) string {
	return filepath.Join(s.root, "jobs", id.String()+jobDirSuffix)
}

func (s *Store) jobsRoot() string { return filepath.Join(s.root, "jobs") }

// JobsRoot is JobDir's containing directory, exported for
// internal/assist to watch directly.
func (s *Store) JobsRoot() string { return s.jobsRoot() }

// AssistantsRoot is the principal's assistants/ subdirectory (spec §4.8).
func (s *Store) AssistantsRoot() string { return filepath.Join(s.root, "assistants") }

// AssistantRoot is one assistant's own store root under assistants/<name>.
func (s *Store) AssistantRoot(name string) string { return filepath.Join(s.AssistantsRoot(), name) }

// Root returns this store's root directory.
func (s *Store) Root() string { return s.root }

// flockAt locates the liveness lock for id's job package, creating the
// package directory if it does not yet exist (an assistant may need to
// acquire liveness before a submission file exists, e.g. immediately
// after a dynamic sub-job is assigned a key but before it resolves).
func (s *Store) flockAt(id jobkey.JobID) (*flock.Flock, error) {
	dir := s.JobDir(id)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	return flock.New(filepath.Join(dir, livenessName)), nil
}

// AcquireJobLock blocks until it holds the exclusive liveness lock for
// id's job package, or ctx is cancelled. A director holds this lock for
// as long as it is actively managing the job (spec §4.8: "the owning
// assistant no longer holds it" is how a principal recognizes an
// orphaned job).
func (s *Store) AcquireJobLock(ctx context.Context, id jobkey.JobID) (*flock.Flock, error) {
	fl, err := s.flockAt(id)
	if err != nil {
		return nil, err
	}
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ctx.Err()
	}
	return fl, nil
}

// LockJob is AcquireJobLock behind the store.LivenessLocker interface, so
// a director can hold its submissions' liveness locks without knowing the
// concrete store layout.
func (s *Store) LockJob(ctx context.Context, id jobkey.JobID) (store.JobLock, error) {
	return s.AcquireJobLock(ctx, id)
}

// TryAcquireJobLock attempts a non-blocking claim of id's liveness lock,
// the takeover probe AssistantsWatcher runs against every candidate
// package (spec §4.8 step 2).
func (s *Store) TryAcquireJobLock(id jobkey.JobID) (*flock.Flock, bool, error) {
	fl, err := s.flockAt(id)
	if err != nil {
		return nil, false, err
	}
	ok, err := fl.TryLock()
	if err != nil || !ok {
		return nil, false, err
	}
	return fl, true, nil
}

// atomicCreate writes data to a temp file then hard-links it into place,
// giving OS-level create-only semantics: Link fails with EEXIST if name
// already exists. Grounded on the teacher's moveFile's EXDEV-aware
// fallback, adapted here for create-once rather than move semantics.
func atomicCreate(dir, name string, data []byte) (created bool, err error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	final := filepath.Join(dir, name)
	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// atomicReplace writes data to final via temp file + rename, for the
// already-lock-protected overwrite paths (resubmission after expiry,
// re-tagging a result).
func atomicReplace(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(dir, name))
}

func encodeSubmission(job store.SubmittedJob, state store.JobState) []byte {
	w := codec.NewWriter()
	w.String(job.TypeID)
	w.RawBytes(job.Encoded)
	w.Int64(job.DedupExpiresAt.UnixNano())
	w.String(string(state))
	return w.Bytes()
}

func decodeSubmission(id jobkey.JobID, data []byte) (store.SubmittedJob, store.JobState, error) {
	r := codec.NewReader(data)
	typeID, err := r.String()
	if err != nil {
		return store.SubmittedJob{}, "", err
	}
	encoded, err := r.RawBytes()
	if err != nil {
		return store.SubmittedJob{}, "", err
	}
	expiresAt, err := r.Int64()
	if err != nil {
		return store.SubmittedJob{}, "", err
	}
	state, err := r.String()
	if err != nil {
		return store.SubmittedJob{}, "", err
	}
	return store.SubmittedJob{JobID: id, TypeID: typeID, Encoded: encoded, DedupExpiresAt: time.Unix(0, expiresAt)}, store.JobState(state), nil
}

func (s *Store) withLock(dir string, fn func() error) error {
	fl := flock.New(filepath.Join(dir, lockName))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("fsstore: lock %s: %w", dir, err)
	}
	defer fl.Unlock()
	return fn()
}

// SaveJob implements spec §4.3's check-and-set under an exclusive flock on
// the job package directory (the cross-process critical section spec §9
// calls for in layout B).
func (s *Store) SaveJob(ctx context.Context, job store.SubmittedJob) (bool, error) {
	dir := s.JobDir(job.JobID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return false, err
	}

	var saved bool
	err := s.withLock(dir, func() error {
		existing, _, found, err := s.readSubmissionLocked(job.JobID)
		if err != nil {
			return err
		}
		if found && existing.DedupExpiresAt.After(time.Now()) {
			saved = false
			return nil
		}
		if found {
			if err := s.removeResultsLocked(dir); err != nil {
				return err
			}
			if err := atomicReplace(dir, submissionName, encodeSubmission(job, store.StateResolving)); err != nil {
				return err
			}
		} else if created, err := atomicCreate(dir, submissionName, encodeSubmission(job, store.StateResolving)); err != nil {
			return err
		} else if !created {
			// Lost a race with a sibling process between our read and
			// write; treat the same as "a live duplicate was found".
			saved = false
			return nil
		}
		saved = true
		return nil
	})
	return saved, err
}

func (s *Store) readSubmissionLocked(id jobkey.JobID) (store.SubmittedJob, store.JobState, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.JobDir(id), submissionName))
	if errors.Is(err, os.ErrNotExist) {
		return store.SubmittedJob{}, "", false, nil
	}
	if err != nil {
		return store.SubmittedJob{}, "", false, err
	}
	job, state, err := decodeSubmission(id, data)
	if err != nil {
		return store.SubmittedJob{}, "", false, err
	}
	return job, state, true, nil
}

func (s *Store) removeResultsLocked(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), resultSuffix) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

// RemoveJob idempotently deletes id's entire job package (submission +
// results), mirroring the relational layout's ON DELETE CASCADE.
func (s *Store) RemoveJob(ctx context.Context, id jobkey.JobID) error {
	err := os.RemoveAll(s.JobDir(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) listJobIDs() ([]jobkey.JobID, error) {
	entries, err := os.ReadDir(s.jobsRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []jobkey.JobID
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), jobDirSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(e.Name(), jobDirSuffix)
		id, err := jobkey.ParseJobID(idStr)
		if err != nil {
			continue // not one of our packages; ignore
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) LoadJobs(ctx context.Context) ([]store.SubmittedJob, error) {
	ids, err := s.listJobIDs()
	if err != nil {
		return nil, err
	}
	var jobs []store.SubmittedJob
	for _, id := range ids {
		job, _, found, err := s.readSubmissionLocked(id)
		if err != nil {
			return nil, err
		}
		if found {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *Store) JobCount(ctx context.Context) (int, error) {
	ids, err := s.listJobIDs()
	return len(ids), err
}

func (s *Store) SetJobState(ctx context.Context, id jobkey.JobID, state store.JobState) error {
	dir := s.JobDir(id)
	return s.withLock(dir, func() error {
		job, _, found, err := s.readSubmissionLocked(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("fsstore: set state on unknown job %s", id)
		}
		return atomicReplace(dir, submissionName, encodeSubmission(job, state))
	})
}

func (s *Store) JobCountByState(ctx context.Context, state store.JobState) (int, error) {
	ids, err := s.listJobIDs()
	if err != nil {
		return 0, err
	}
	var n int
	for _, id := range ids {
		_, jobState, found, err := s.readSubmissionLocked(id)
		if err != nil {
			return 0, err
		}
		if found && jobState == state {
			n++
		}
	}
	return n, nil
}

// resultFileName renders the `<base64url-fingerprint>[#<csvtags>].job-result`
// name spec §4.3-B describes.
func resultFileName(fp jobkey.Fingerprint, tags []string) string {
	if len(tags) == 0 {
		return fp.Base64URL() + resultSuffix
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return fp.Base64URL() + "#" + strings.Join(sorted, ",") + resultSuffix
}

// findResultFile locates the (possibly tagged) result file for fp,
// regardless of which tag suffix it was written under.
func findResultFile(dir string, fp jobkey.Fingerprint) (string, bool, error) {
	prefix := fp.Base64URL()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, resultSuffix) {
			continue
		}
		base := strings.TrimSuffix(name, resultSuffix)
		base, _, _ = strings.Cut(base, "#")
		if base == prefix {
			return name, true, nil
		}
	}
	return "", false, nil
}

func parseTagsFromName(name string) []string {
	base := strings.TrimSuffix(name, resultSuffix)
	_, csv, ok := strings.Cut(base, "#")
	if !ok || csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

func (s *Store) LoadJobResults(ctx context.Context, id jobkey.JobID) ([]store.ResultRecord, error) {
	dir := s.JobDir(id)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []store.ResultRecord
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, resultSuffix) {
			continue
		}
		base := strings.TrimSuffix(name, resultSuffix)
		fpStr, _, _ := strings.Cut(base, "#")
		fp, err := jobkey.ParseFingerprintBase64URL(fpStr)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		records = append(records, store.ResultRecord{
			Key:     jobkey.JobKey{JobID: id, Fingerprint: fp},
			Encoded: data,
			Tags:    parseTagsFromName(name),
		})
	}
	return records, nil
}

func (s *Store) ResultValue(key jobkey.JobKey) (store.ResultRecord, bool, error) {
	dir := s.JobDir(key.JobID)
	name, found, err := findResultFile(dir, key.Fingerprint)
	if err != nil || !found {
		return store.ResultRecord{}, false, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return store.ResultRecord{}, false, err
	}
	return store.ResultRecord{Key: key, Encoded: data, Tags: parseTagsFromName(name)}, true, nil
}

// UpdateResult writes key's result file, using create-only hard-link CAS
// when no result yet exists for this fingerprint (the cross-process
// at-most-once write spec invariant I1 needs), and a plain atomic replace
// when retagging an already-written result.
func (s *Store) UpdateResult(record store.ResultRecord) error {
	dir := s.JobDir(record.Key.JobID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	name := resultFileName(record.Key.Fingerprint, record.Tags)

	existingName, found, err := findResultFile(dir, record.Key.Fingerprint)
	if err != nil {
		return err
	}
	if !found {
		created, err := atomicCreate(dir, name, record.Encoded)
		if err != nil {
			return err
		}
		if created {
			return nil
		}
		// Lost the create race to a sibling process; another writer's
		// result for this fingerprint already exists and is equally
		// valid (spec I1: at most one successful completion is
		// guaranteed logically, not which byte-image wins a tie).
		return nil
	}
	if existingName != name {
		if err := os.Remove(filepath.Join(dir, existingName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return atomicReplace(dir, name, record.Encoded)
}

func (s *Store) RemoveResult(key jobkey.JobKey) error {
	dir := s.JobDir(key.JobID)
	name, found, err := findResultFile(dir, key.Fingerprint)
	if err != nil || !found {
		return err
	}
	err = os.Remove(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

var (
	_ store.SubmissionStore = (*Store)(nil)
	_ store.LivenessLocker  = (*Store)(nil)
)
