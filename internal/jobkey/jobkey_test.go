package jobkey

import (
	"math/rand"
	"strings"
	"testing"
)

// TestExternalKeyRoundTrip is spec §8 scenario S6: for any valid
// DirectorId, JobId, and 32-byte fingerprint, parsing the formatted
// external key reproduces the original value exactly.
func TestExternalKeyRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	directorIDs := []string{"a", "A1", "principal-1", "worker_7", strings.Repeat("x", 40)}
	for _, directorID := range directorIDs {
		for i := 0; i < 20; i++ {
			var fp Fingerprint
			rnd.Read(fp[:])
			want := ExternalJobKey{DirectorID: directorID, Key: JobKey{JobID: NewJobID(), Fingerprint: fp}}

			formatted := want.String()
			got, err := ParseExternalJobKey(formatted)
			if err != nil {
				t.Fatalf("parse(%q): %v", formatted, err)
			}
			if got != want {
				t.Fatalf("round-trip mismatch: got %+v, want %+v (formatted %q)", got, want, formatted)
			}
		}
	}
}

func TestValidDirectorID(t *testing.T) {
	cases := []struct {
		id string
		ok bool
	}{
		{"a", true},
		{"A1-b_2", true},
		{"", false},
		{"has space", false},
		{"has/slash", false},
		{"has#hash", false},
	}
	for _, c := range cases {
		if got := ValidDirectorID(c.id); got != c.ok {
			t.Errorf("ValidDirectorID(%q) = %v, want %v", c.id, got, c.ok)
		}
	}
}

func TestParseExternalJobKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"nope",
		"director://missing-hash",
		"director://has space#job://id/fp",
		"director://ok#not-a-job-key",
	}
	for _, s := range cases {
		if _, err := ParseExternalJobKey(s); err == nil {
			t.Errorf("ParseExternalJobKey(%q): want error, got nil", s)
		}
	}
}

func TestFingerprintBase64URLRoundTrip(t *testing.T) {
	var fp Fingerprint
	for i := range fp {
		fp[i] = byte(i * 7)
	}
	s := fp.Base64URL()
	got, err := ParseFingerprintBase64URL(s)
	if err != nil {
		t.Fatal(err)
	}
	if got != fp {
		t.Fatalf("got %v, want %v", got, fp)
	}
}

func TestParseFingerprintBase64URLRejectsWrongLength(t *testing.T) {
	if _, err := ParseFingerprintBase64URL("dG9vc2hvcnQ"); err == nil {
		t.Fatal("want error for a decodable-but-wrong-length fingerprint")
	}
}

func TestJobIDRoundTrip(t *testing.T) {
	id := NewJobID()
	got, err := ParseJobID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("got %v, want %v", got, id)
	}
}
