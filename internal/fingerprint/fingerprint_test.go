package fingerprint

import (
	"testing"

	"github.com/ppiankov/kubrick/internal/kjob"
)

func resolved(localID, typeName string, success bool, bytes []byte) kjob.ResolvedInput {
	return kjob.ResolvedInput{LocalID: localID, TypeName: typeName, Bytes: bytes, Success: success}
}

// TestComputeIsStableAcrossCalls is spec §8 P3: fingerprints computed twice
// over an identical (jobType, resolvedInputs) pair, in two independent
// calls standing in for two processes, must be byte-identical.
func TestComputeIsStableAcrossCalls(t *testing.T) {
	inputs := []kjob.ResolvedInput{
		resolved("a", "kubrick.String", true, []byte("x")),
		resolved("b", "kubrick.Int", true, []byte{0, 0, 0, 0, 0, 0, 0, 7}),
	}
	fp1 := Compute("demo.Job", inputs)
	fp2 := Compute("demo.Job", inputs)
	if fp1 != fp2 {
		t.Fatalf("fingerprint not stable across calls: %x != %x", fp1, fp2)
	}
}

func TestComputeDependsOnTypeID(t *testing.T) {
	inputs := []kjob.ResolvedInput{resolved("a", "kubrick.String", true, []byte("x"))}
	if Compute("A", inputs) == Compute("B", inputs) {
		t.Fatal("different type ids produced the same fingerprint")
	}
}

func TestComputeDependsOnInputOrder(t *testing.T) {
	a := resolved("a", "kubrick.String", true, []byte("x"))
	b := resolved("b", "kubrick.String", true, []byte("y"))
	fp1 := Compute("demo.Job", []kjob.ResolvedInput{a, b})
	fp2 := Compute("demo.Job", []kjob.ResolvedInput{b, a})
	if fp1 == fp2 {
		t.Fatal("swapping resolved-input order did not change the fingerprint")
	}
}

// TestFailureAndSuccessNeverCollide is spec §4.1's rationale: a failing
// dependency and a successful one with an identical byte-image must never
// fingerprint the same, because success/failure participate symmetrically
// (here: same TypeName and Bytes, only Success differs).
func TestFailureAndSuccessNeverCollide(t *testing.T) {
	success := resolved("a", "kubrick.ErrorEnvelope", true, []byte("same-bytes"))
	failure := resolved("a", "kubrick.ErrorEnvelope", false, []byte("same-bytes"))
	if Compute("demo.Job", []kjob.ResolvedInput{success}) == Compute("demo.Job", []kjob.ResolvedInput{failure}) {
		t.Fatal("a success and a failure with an identical byte-image fingerprinted the same")
	}
}
