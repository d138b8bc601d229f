// Package canonical produces a deterministic byte representation of any
// JSON-shaped value, suitable as the substrate for content hashing.
//
// Unlike RFC 8785 (JCS), this encoding elides null object fields (but keeps
// null array elements), requires Unicode NFC normalization of every string,
// and only accepts integers in the signed 64-bit range — floats are
// accepted only when exactly integer-valued. Two logically equal payloads,
// regardless of object-key order or source normalization form, always
// produce byte-identical output.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrorKind classifies why a value could not be canonicalized.
type ErrorKind string

const (
	ErrKindFloat           ErrorKind = "float"
	ErrKindNaN             ErrorKind = "nan"
	ErrKindOutOfRange      ErrorKind = "out_of_range"
	ErrKindUnsupportedType ErrorKind = "unsupported_type"
)

// Error is returned whenever a value cannot be represented canonically.
// It is fatal at the call site — canonicalization never guesses.
type Error struct {
	Kind   ErrorKind
	Path   string
	Detail string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("canonical: %s at %s: %s", e.Kind, e.Path, e.Detail)
	}
	return fmt.Sprintf("canonical: %s: %s", e.Kind, e.Detail)
}

func newErr(kind ErrorKind, path, detail string) *Error {
	return &Error{Kind: kind, Path: path, Detail: detail}
}

// GenesisBytes is the canonical encoding of the empty object, used as the
// genesis payload for a campaign's first ledger event.
var GenesisBytes = []byte("{}")

// Encode returns the canonical byte representation of v.
//
// v is first marshaled through the standard encoding/json package (so
// struct tags are respected) and then re-decoded with UseNumber so that
// every numeric literal survives intact; the result is then walked
// recursively applying NFC normalization, null elision, key sorting and
// strict integer-only number handling.
func Encode(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		if uve, ok := err.(*json.UnsupportedValueError); ok {
			if strings.Contains(uve.Str, "NaN") || strings.Contains(uve.Str, "Inf") {
				return nil, newErr(ErrKindNaN, "", uve.Str)
			}
		}
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	var generic interface{}
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, generic, "$", true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeString returns the canonical form as a string.
func EncodeString(v interface{}) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeValue writes the canonical encoding of v to buf. The unnamed bool
// argument is not consulted: a nil v is always written as null, and
// null-valued object fields are dropped by encodeObject before it calls
// here (array elements and the top-level value keep their nulls).
func encodeValue(buf *bytes.Buffer, v interface{}, path string, _ bool) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, t, path)
	case string:
		return encodeString(buf, t)
	case []interface{}:
		return encodeArray(buf, t, path)
	case map[string]interface{}:
		return encodeObject(buf, t, path)
	default:
		return newErr(ErrKindUnsupportedType, path, fmt.Sprintf("%T", v))
	}
}

func encodeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	b, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("canonical: string marshal failed: %w", err)
	}
	// json.Marshal of a string never HTML-escapes when produced this way
	// only through the top-level Marshaler path below would it escape <,>,&;
	// strconv-style string marshal via json.Marshal on a bare string does
	// still HTML-escape, so undo it explicitly.
	b = unescapeHTML(b)
	buf.Write(b)
	return nil
}

// unescapeHTML reverses encoding/json's default HTML-escaping of
// '<', '>', and '&' inside an already-quoted JSON string literal, since
// RFC 8259 does not require it and canonical output must be stable
// across escaping policies.
func unescapeHTML(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\x5cu003c"), []byte("<"))
	b = bytes.ReplaceAll(b, []byte("\x5cu003e"), []byte(">"))
	b = bytes.ReplaceAll(b, []byte("\x5cu0026"), []byte("&"))
	return b
}

func encodeArray(buf *bytes.Buffer, arr []interface{}, path string) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		// Null elements inside arrays are preserved, never elided.
		if err := encodeValue(buf, elem, fmt.Sprintf("%s[%d]", path, i), false); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}, path string) error {
	// Null elision: drop fields whose value is null before sorting/encoding.
	keys := make([]string, 0, len(obj))
	normalizedKeys := make(map[string]string, len(obj))
	for k, v := range obj {
		if v == nil {
			continue
		}
		nk := norm.NFC.String(k)
		normalizedKeys[k] = nk
		keys = append(keys, k)
	}
	// Sort by NFC-normalized codepoints; UTF-8 byte ordering of NFC text
	// equals codepoint ordering, so a plain byte sort on the normalized
	// form is sufficient.
	sort.Slice(keys, func(i, j int) bool {
		return normalizedKeys[keys[i]] < normalizedKeys[keys[j]]
	})

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k], path+"."+k, true); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeNumber enforces the signed-64-bit-integer-only number rule.
// Integer-valued floats (e.g. 42.0) are accepted and converted to integer
// form; any non-integer float, NaN, Infinity, or out-of-range integer is
// rejected with a descriptive error recommending fixed-point representation.
func encodeNumber(buf *bytes.Buffer, n json.Number, path string) error {
	s := string(n)

	if isIntegerLiteral(s) {
		bi, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return newErr(ErrKindUnsupportedType, path, "malformed integer literal "+s)
		}
		if !bi.IsInt64() {
			return newErr(ErrKindOutOfRange, path, fmt.Sprintf("%s exceeds signed 64-bit range; use fixed-point representation", s))
		}
		buf.WriteString(bi.String())
		return nil
	}

	f, err := n.Float64()
	if err != nil {
		return newErr(ErrKindNaN, path, "malformed number literal "+s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return newErr(ErrKindNaN, path, s)
	}

	bigF, _, perr := big.ParseFloat(s, 10, 200, big.ToNearestEven)
	if perr != nil {
		return newErr(ErrKindNaN, path, "malformed number literal "+s)
	}
	if !bigF.IsInt() {
		return newErr(ErrKindFloat, path, fmt.Sprintf("%s is not integer-valued; use fixed-point representation", s))
	}
	bi, _ := bigF.Int(nil)
	if !bi.IsInt64() {
		return newErr(ErrKindOutOfRange, path, fmt.Sprintf("%s exceeds signed 64-bit range; use fixed-point representation", s))
	}
	buf.WriteString(bi.String())
	return nil
}

// isIntegerLiteral reports whether s is a JSON number literal with no
// fractional part or exponent (i.e. parseable directly as a base-10
// integer without precision loss through float64).
func isIntegerLiteral(s string) bool {
	for _, r := range s {
		if r == '.' || r == 'e' || r == 'E' {
			return false
		}
	}
	return true
}
