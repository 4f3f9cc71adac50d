package kerrors

import (
	"errors"
	"strings"
	"testing"
)

// quotaError is a user-defined error type an embedder would register a
// resolver for.
type quotaError struct {
	Limit int
}

func (e *quotaError) Error() string { return "quota exceeded" }

// quotaResolver round-trips quotaError under the "test.quota" domain and
// recognizes nothing else.
type quotaResolver struct{}

func (quotaResolver) Encode(domain string, err error) ([]byte, bool) {
	qe, ok := err.(*quotaError)
	if domain != "test.quota" || !ok {
		return nil, false
	}
	return []byte{byte(qe.Limit)}, true
}

func (quotaResolver) Decode(domain string, payload []byte) (error, bool) {
	if domain != "test.quota" || len(payload) != 1 {
		return nil, false
	}
	return &quotaError{Limit: int(payload[0])}, true
}

func TestBoxUnboxCodableRoundTrip(t *testing.T) {
	orig := &quotaError{Limit: 7}
	env := Box(orig, "test.quota", quotaResolver{})
	if env.Storage != StorageCodable {
		t.Fatalf("storage = %q, want codable", env.Storage)
	}

	restored := Unbox(env, quotaResolver{})
	qe, ok := restored.(*quotaError)
	if !ok {
		t.Fatalf("unboxed to %T, want *quotaError", restored)
	}
	if qe.Limit != 7 {
		t.Fatalf("limit = %d, want 7", qe.Limit)
	}
}

func TestBoxUnknownDomainFallsBackToNative(t *testing.T) {
	orig := errors.New("something user-defined")
	env := Box(orig, "test.unknown", quotaResolver{})
	if env.Storage != StorageNative {
		t.Fatalf("storage = %q, want native", env.Storage)
	}

	restored := Unbox(env, quotaResolver{})
	if restored.Error() != "test.unknown: something user-defined" {
		t.Fatalf("unboxed message = %q", restored.Error())
	}
}

func TestUnboxWithoutResolverYieldsEnvelope(t *testing.T) {
	env := &Envelope{Storage: StorageCodable, Domain: "test.quota", Payload: []byte{3}, Message: "quota exceeded"}
	restored := Unbox(env, nil)
	if restored != env {
		t.Fatalf("unboxed to %T, want the envelope itself", restored)
	}
}

func TestMultipleInputsFailedUnwraps(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	composite := &MultipleInputsFailed{Errors: []error{first, second}}

	if !errors.Is(composite, first) || !errors.Is(composite, second) {
		t.Fatal("composite does not unwrap to its contained errors")
	}
	if !strings.Contains(composite.Error(), "first") || !strings.Contains(composite.Error(), "second") {
		t.Fatalf("composite message %q omits a contained error", composite.Error())
	}
}
