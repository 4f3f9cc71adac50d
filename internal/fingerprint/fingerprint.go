// Package fingerprint implements spec §4.1: a deterministic 32-byte
// content address of a (jobType, resolvedInputs) pair.
package fingerprint

import (
	"crypto/sha256"

	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/kjob"
)

// Compute absorbs typeID then, for each resolved input in descriptor
// order, its declared type name and the canonical encoding of its
// success value or boxed error (spec §4.1 steps 1-4). Two nodes with
// identical typeID and identically-ordered, identically-encoded inputs
// always yield the same fingerprint, in the same process or a fresh one
// (spec invariant I5, §8 P3).
func Compute(typeID string, resolved []kjob.ResolvedInput) jobkey.Fingerprint {
	h := sha256.New()
	h.Write([]byte(typeID))
	for _, ri := range resolved {
		h.Write([]byte(ri.TypeName))
		// Absorb success/failure as an explicit discriminant byte before
		// the payload bytes, so a failing dependency and a successful one
		// that happen to share a byte-image can never collide (spec
		// §4.1's rationale) regardless of how similarly their envelope
		// and value encodings happen to shape up.
		if ri.Success {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write(ri.Bytes)
	}
	var fp jobkey.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}
