// Package sqlitestore implements spec §4.3 layout A: a WAL-mode embedded
// SQL database holding the submitted_job and job_result tables. It uses
// modernc.org/sqlite, the pure-Go, CGO-free driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS submitted_job (
	job_id           TEXT PRIMARY KEY,
	type_id          TEXT NOT NULL,
	encoded          BLOB NOT NULL,
	dedup_expires_at INTEGER NOT NULL,
	state            TEXT NOT NULL DEFAULT 'resolving'
);

CREATE TABLE IF NOT EXISTS job_result (
	job_id      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	encoded     BLOB NOT NULL,
	tags        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, fingerprint),
	FOREIGN KEY (job_id) REFERENCES submitted_job(job_id) ON DELETE CASCADE
);
`

// Store is a sqlitestore-backed store.SubmissionStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the WAL-mode database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per connection; WAL covers concurrent readers.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveJob implements spec §4.3's atomic check-and-set within a single
// transaction: a live (non-expired) prior record blocks the save; an
// expired or absent one is replaced, cascading away its old results.
func (s *Store) SaveJob(ctx context.Context, job store.SubmittedJob) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existingExpiry int64
	err = tx.QueryRowContext(ctx, `SELECT dedup_expires_at FROM submitted_job WHERE job_id = ?`, job.JobID.String()).Scan(&existingExpiry)
	switch {
	case err == sql.ErrNoRows:
		// no prior record; fall through to insert
	case err != nil:
		return false, err
	default:
		if time.Unix(0, existingExpiry).After(time.Now()) {
			return false, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_result WHERE job_id = ?`, job.JobID.String()); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO submitted_job (job_id, type_id, encoded, dedup_expires_at, state)
		VALUES (?, ?, ?, ?, 'resolving')
		ON CONFLICT(job_id) DO UPDATE SET type_id=excluded.type_id, encoded=excluded.encoded,
			dedup_expires_at=excluded.dedup_expires_at, state='resolving'`,
		job.JobID.String(), job.TypeID, job.Encoded, job.DedupExpiresAt.UnixNano())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) RemoveJob(ctx context.Context, id jobkey.JobID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM submitted_job WHERE job_id = ?`, id.String())
	return err
}

func (s *Store) LoadJobs(ctx context.Context) ([]store.SubmittedJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, type_id, encoded, dedup_expires_at FROM submitted_job`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.SubmittedJob
	for rows.Next() {
		var idStr, typeID string
		var encoded []byte
		var expiresAt int64
		if err := rows.Scan(&idStr, &typeID, &encoded, &expiresAt); err != nil {
			return nil, err
		}
		id, err := jobkey.ParseJobID(idStr)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, store.SubmittedJob{JobID: id, TypeID: typeID, Encoded: encoded, DedupExpiresAt: time.Unix(0, expiresAt)})
	}
	return jobs, rows.Err()
}

func (s *Store) JobCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submitted_job`).Scan(&n)
	return n, err
}

func (s *Store) SetJobState(ctx context.Context, id jobkey.JobID, state store.JobState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submitted_job SET state = ? WHERE job_id = ?`, string(state), id.String())
	return err
}

func (s *Store) JobCountByState(ctx context.Context, state store.JobState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submitted_job WHERE state = ?`, string(state)).Scan(&n)
	return n, err
}

func (s *Store) LoadJobResults(ctx context.Context, id jobkey.JobID) ([]store.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, encoded, tags FROM job_result WHERE job_id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []store.ResultRecord
	for rows.Next() {
		var fpStr, tags string
		var encoded []byte
		if err := rows.Scan(&fpStr, &encoded, &tags); err != nil {
			return nil, err
		}
		fp, err := jobkey.ParseFingerprintBase64URL(fpStr)
		if err != nil {
			return nil, err
		}
		records = append(records, store.ResultRecord{
			Key:     jobkey.JobKey{JobID: id, Fingerprint: fp},
			Encoded: encoded,
			Tags:    splitTags(tags),
		})
	}
	return records, rows.Err()
}

func (s *Store) ResultValue(key jobkey.JobKey) (store.ResultRecord, bool, error) {
	var encoded []byte
	var tags string
	err := s.db.QueryRow(`SELECT encoded, tags FROM job_result WHERE job_id = ? AND fingerprint = ?`,
		key.JobID.String(), key.Fingerprint.Base64URL()).Scan(&encoded, &tags)
	switch {
	case err == sql.ErrNoRows:
		return store.ResultRecord{}, false, nil
	case err != nil:
		return store.ResultRecord{}, false, err
	}
	return store.ResultRecord{Key: key, Encoded: encoded, Tags: splitTags(tags)}, true, nil
}

func (s *Store) UpdateResult(record store.ResultRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO job_result (job_id, fingerprint, encoded, tags) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, fingerprint) DO UPDATE SET encoded=excluded.encoded, tags=excluded.tags`,
		record.Key.JobID.String(), record.Key.Fingerprint.Base64URL(), record.Encoded, joinTags(record.Tags))
	return err
}

func (s *Store) RemoveResult(key jobkey.JobKey) error {
	_, err := s.db.Exec(`DELETE FROM job_result WHERE job_id = ? AND fingerprint = ?`, key.JobID.String(), key.Fingerprint.Base64URL())
	return err
}

func joinTags(tags []string) string { return strings.Join(tags, ",") }

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

var _ store.SubmissionStore = (*Store)(nil)
