// Package kjob implements the job/input-binding data model from spec §3
// and the job-author API from spec §6: Job variants (Result/Executable/
// Submittable), input bindings, descriptors, and the map/mapToResult/catch/
// retry modifiers. Per spec §9's design note, job types implement an
// explicit InputDescriptors method rather than relying on reflection.
package kjob

import (
	"github.com/ppiankov/kubrick/internal/codec"
)

// Value is the constraint every JobValue must satisfy (spec §3): it must
// be deterministically, canonically encodable (for persistence and for
// fingerprinting, per spec §4.1's single-encoder constraint) and must
// declare its own type name for absorption into a fingerprint.
type Value interface {
	EncodeCanonical(w *codec.Writer)
	ValueTypeName() string
}

// Decoder restores a Value from its canonical encoding. Each concrete
// Value type supplies its own; kjob never uses reflection to guess one.
type Decoder[V Value] func(r *codec.Reader) (V, error)

// Unit is the JobValue analogue of spec §3's "None (unit)".
type Unit struct{}

func (Unit) EncodeCanonical(w *codec.Writer) {}
func (Unit) ValueTypeName() string           { return "kubrick.Unit" }

// DecodeUnit is Unit's Decoder.
func DecodeUnit(r *codec.Reader) (Unit, error) { return Unit{}, nil }

// String is a canonical string JobValue, used throughout the scenario
// tests (spec §8 S1/S4/S5).
type String string

func (s String) EncodeCanonical(w *codec.Writer) { w.String(string(s)) }
func (String) ValueTypeName() string             { return "kubrick.String" }

// DecodeString is String's Decoder.
func DecodeString(r *codec.Reader) (String, error) {
	s, err := r.String()
	return String(s), err
}

// Int is a canonical signed-integer JobValue.
type Int int64

func (i Int) EncodeCanonical(w *codec.Writer) { w.Int64(int64(i)) }
func (Int) ValueTypeName() string             { return "kubrick.Int" }

// DecodeInt is Int's Decoder.
func DecodeInt(r *codec.Reader) (Int, error) {
	v, err := r.Int64()
	return Int(v), err
}

// StringMap is a canonical string-to-string map JobValue (spec §8 S2's
// Batch result shape, specialized to string values for test simplicity —
// real embedders compose their own map-of-job-result Value types the
// same way).
type StringMap map[string]string

func (m StringMap) EncodeCanonical(w *codec.Writer) { w.StringMap(m) }
func (StringMap) ValueTypeName() string             { return "kubrick.StringMap" }

// DecodeStringMap is StringMap's Decoder.
func DecodeStringMap(r *codec.Reader) (StringMap, error) {
	m, err := r.StringMap()
	return StringMap(m), err
}

// mustEncode is a small helper used throughout kjob to turn a Value into
// its canonical bytes.
func mustEncode(v Value) []byte {
	w := codec.NewWriter()
	v.EncodeCanonical(w)
	return w.Bytes()
}
