// Package codec implements the canonical deterministic byte encoding spec
// §4.1 requires for fingerprinting: sorted map keys, fixed-width integers,
// and no floating-point ambiguity (floats are encoded via their IEEE-754
// bit pattern, which round-trips exactly). No third-party serializer in
// the retrieved pack makes this guarantee out of the box — encoding/json's
// map-key ordering is an implementation detail, and encoding/gob is only
// self-consistent within one encode/decode pair, not stable across
// processes — so this is a small hand-rolled writer/reader over
// encoding/binary, used consistently for persistence, fingerprinting, and
// error boxing within a director instance (spec §4.1 constraint).
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Writer builds a canonical byte image incrementally.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty canonical writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated canonical encoding.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// String absorbs a length-prefixed UTF-8 string.
func (w *Writer) String(s string) *Writer {
	w.Uint64(uint64(len(s)))
	w.buf.WriteString(s)
	return w
}

// RawBytes absorbs a length-prefixed byte slice.
func (w *Writer) RawBytes(b []byte) *Writer {
	w.Uint64(uint64(len(b)))
	w.buf.Write(b)
	return w
}

// Uint64 absorbs a fixed 8-byte big-endian unsigned integer.
func (w *Writer) Uint64(v uint64) *Writer {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf.Write(tmp[:])
	return w
}

// Int64 absorbs a fixed 8-byte big-endian signed integer.
func (w *Writer) Int64(v int64) *Writer {
	return w.Uint64(uint64(v))
}

// Bool absorbs a single canonical byte.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
	return w
}

// Float64 absorbs the IEEE-754 bit pattern of v, sidestepping any
// decimal-formatting ambiguity.
func (w *Writer) Float64(v float64) *Writer {
	return w.Uint64(math.Float64bits(v))
}

// Tag absorbs a single discriminant byte, for encoding sum types /
// variants (e.g. Success vs Failure in a ResultState).
func (w *Writer) Tag(b byte) *Writer {
	w.buf.WriteByte(b)
	return w
}

// StringMap absorbs a string-keyed map in sorted-key order so that two
// maps with identical contents always canonicalize identically regardless
// of Go's randomized map iteration order.
func (w *Writer) StringMap(m map[string]string) *Writer {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.Uint64(uint64(len(keys)))
	for _, k := range keys {
		w.String(k)
		w.String(m[k])
	}
	return w
}

// StringSlice absorbs an ordered list of strings (order is preserved, not
// sorted — callers whose order is not semantically significant should
// sort before calling).
func (w *Writer) StringSlice(ss []string) *Writer {
	w.Uint64(uint64(len(ss)))
	for _, s := range ss {
		w.String(s)
	}
	return w
}

// Reader walks a canonical byte image produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps b for canonical decoding.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("codec: truncated canonical encoding (need %d, have %d)", n, len(r.buf)-r.pos)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

func (r *Reader) String() (string, error) {
	n, err := r.Uint64()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) RawBytes() ([]byte, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) Float64() (float64, error) {
	v, err := r.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *Reader) Tag() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) StringMap() (map[string]string, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.String()
		if err != nil {
			return nil, err
		}
		v, err := r.String()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (r *Reader) StringSlice() ([]string, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	ss := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := r.String()
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}

// Remaining returns true if unread bytes remain.
func (r *Reader) Remaining() bool { return r.pos < len(r.buf) }

// Encodable is implemented by JobValue types that know how to canonicalize
// themselves (used for fingerprinting and for the fsstore/sqlitestore
// result payloads).
type Encodable interface {
	EncodeCanonical(w *Writer)
}

// Encode is a convenience wrapper producing the canonical bytes for any
// Encodable value.
func Encode(v Encodable) []byte {
	w := NewWriter()
	v.EncodeCanonical(w)
	return w.Bytes()
}
