// Package jobkey implements the identifiers from spec §3: JobId (a 128-bit
// submission identifier), Fingerprint (a 32-byte SHA-256 digest), the
// composite JobKey, and the cross-process ExternalJobKey with its
// director://{directorId}#{jobKey} wire format (spec §6).
package jobkey

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// JobID is the caller-provided or generated 128-bit identifier of a
// submission. google/uuid.UUID is exactly the 128-bit value spec §3 calls
// for, with a free, unambiguous string round-trip.
type JobID uuid.UUID

// NewJobID generates a fresh random JobID.
func NewJobID() JobID { return JobID(uuid.New()) }

// ParseJobID parses a JobID from its canonical string form.
func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, fmt.Errorf("jobkey: invalid job id %q: %w", s, err)
	}
	return JobID(u), nil
}

func (id JobID) String() string { return uuid.UUID(id).String() }

// Fingerprint is the 32-byte SHA-256 digest identifying a
// (jobType, resolvedInputs) pair, per spec §4.1.
type Fingerprint [32]byte

// Base64URL renders the fingerprint for use in filesystem names
// (spec §4.3-B, §6): unpadded, URL-safe base64.
func (f Fingerprint) Base64URL() string {
	return base64.RawURLEncoding.EncodeToString(f[:])
}

// ParseFingerprintBase64URL is the inverse of Base64URL.
func ParseFingerprintBase64URL(s string) (Fingerprint, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("jobkey: invalid fingerprint %q: %w", s, err)
	}
	if len(b) != 32 {
		return Fingerprint{}, fmt.Errorf("jobkey: fingerprint %q decodes to %d bytes, want 32", s, len(b))
	}
	var f Fingerprint
	copy(f[:], b)
	return f, nil
}

func (f Fingerprint) String() string { return f.Base64URL() }

// JobKey uniquely identifies a node within a submission (spec §3).
type JobKey struct {
	JobID       JobID
	Fingerprint Fingerprint
}

// String renders a JobKey as job://{jobId}/{base64url-fingerprint}
// (spec §6).
func (k JobKey) String() string {
	return fmt.Sprintf("job://%s/%s", k.JobID, k.Fingerprint.Base64URL())
}

// ParseJobKey is the inverse of JobKey.String.
func ParseJobKey(s string) (JobKey, error) {
	rest, ok := strings.CutPrefix(s, "job://")
	if !ok {
		return JobKey{}, fmt.Errorf("jobkey: job key %q missing job:// scheme", s)
	}
	idStr, fpStr, ok := strings.Cut(rest, "/")
	if !ok {
		return JobKey{}, fmt.Errorf("jobkey: job key %q missing fingerprint segment", s)
	}
	id, err := ParseJobID(idStr)
	if err != nil {
		return JobKey{}, err
	}
	fp, err := ParseFingerprintBase64URL(fpStr)
	if err != nil {
		return JobKey{}, err
	}
	return JobKey{JobID: id, Fingerprint: fp}, nil
}

// directorIDPattern matches spec §3's DirectorId grammar: [A-Za-z0-9_-]+.
var directorIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidDirectorID reports whether id matches the DirectorId grammar.
func ValidDirectorID(id string) bool {
	return id != "" && directorIDPattern.MatchString(id)
}

// ExternalJobKey is a cross-process handle: (DirectorId, JobKey).
type ExternalJobKey struct {
	DirectorID string
	Key        JobKey
}

// String renders director://{directorId}#{jobKey} per spec §3, §6.
func (k ExternalJobKey) String() string {
	return fmt.Sprintf("director://%s#%s", k.DirectorID, k.Key.String())
}

// ParseExternalJobKey is the inverse of ExternalJobKey.String for any valid
// DirectorId, JobId, and 32-byte fingerprint. An ExternalJobKey carries no
// tag list, so tags are not part of this round-trip.
func ParseExternalJobKey(s string) (ExternalJobKey, error) {
	rest, ok := strings.CutPrefix(s, "director://")
	if !ok {
		return ExternalJobKey{}, fmt.Errorf("jobkey: external key %q missing director:// scheme", s)
	}
	directorID, keyStr, ok := strings.Cut(rest, "#")
	if !ok {
		return ExternalJobKey{}, fmt.Errorf("jobkey: external key %q missing #jobKey segment", s)
	}
	if !ValidDirectorID(directorID) {
		return ExternalJobKey{}, fmt.Errorf("jobkey: invalid director id %q", directorID)
	}
	key, err := ParseJobKey(keyStr)
	if err != nil {
		return ExternalJobKey{}, err
	}
	return ExternalJobKey{DirectorID: directorID, Key: key}, nil
}
