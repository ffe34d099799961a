package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// objectReader consumes named keys from one decoded JSON object and keeps the rest
// for opaque preservation.
type objectReader struct {
	path string
	obj  map[string]json.RawMessage
	used map[string]bool
}

// readObject parses raw as a JSON object.
//
// Precondition: raw must be syntactically valid JSON.
// Postcondition: Returns a reader, or a schema violation if raw is not an object.
func readObject(raw json.RawMessage, path string) (*objectReader, error) {
	if firstByte(raw) != '{' {
		return nil, command.Violation(command.ErrSchemaViolation, path, "must be an object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, command.Violation(command.ErrSchemaViolation, path, "must be an object: %v", err)
	}
	return &objectReader{path: path, obj: obj, used: make(map[string]bool, len(obj))}, nil
}

func (r *objectReader) at(key string) string {
	if r.path == "" {
		return key
	}
	return r.path + "." + key
}

// take returns the raw value for key, marking it consumed. JSON null counts as absent.
func (r *objectReader) take(key string) (json.RawMessage, bool) {
	raw, ok := r.obj[key]
	if !ok {
		return nil, false
	}
	r.used[key] = true
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

// present reports whether key holds a non-null value without consuming it.
func (r *objectReader) present(key string) bool {
	raw, ok := r.obj[key]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (r *objectReader) str(key string) (*string, error) {
	raw, ok := r.take(key)
	if !ok {
		return nil, nil
	}
	if firstByte(raw) != '"' {
		return nil, command.Violation(command.ErrSchemaViolation, r.at(key), "must be a string")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, command.Violation(command.ErrSchemaViolation, r.at(key), "invalid string: %v", err)
	}
	return &s, nil
}

func (r *objectReader) boolean(key string) (bool, error) {
	raw, ok := r.take(key)
	if !ok {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, command.Violation(command.ErrSchemaViolation, r.at(key), "must be a boolean")
	}
	return b, nil
}

// int64Field parses an integer with 64-bit signed semantics. Integral values written
// in fraction or exponent notation are accepted; anything beyond int64 is an overflow.
func (r *objectReader) int64Field(key string) (*int64, error) {
	raw, ok := r.take(key)
	if !ok {
		return nil, nil
	}
	text := string(bytes.TrimSpace(raw))
	if c := firstByte(raw); c != '-' && (c < '0' || c > '9') {
		return nil, command.Violation(command.ErrSchemaViolation, r.at(key), "must be an integer")
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &n, nil
	}
	n, integral, inRange := integerValue(text)
	if !integral {
		return nil, command.Violation(command.ErrSchemaViolation, r.at(key), "must be an integer, got %s", text)
	}
	if !inRange {
		return nil, command.Violation(command.ErrNumericOverflow, r.at(key), "%s exceeds the int64 range", text)
	}
	return &n, nil
}

// maxShift bounds decimal exponents worth materialising. Any nonzero mantissa
// shifted further is either fractional or far outside int64.
const maxShift = 1 << 20

// integerValue classifies a JSON number by its digits and exponent, without
// floating point, so exponents of any size are judged exactly.
func integerValue(text string) (n int64, integral, inRange bool) {
	neg := strings.HasPrefix(text, "-")
	text = strings.TrimPrefix(text, "-")

	var exp int64
	if i := strings.IndexAny(text, "eE"); i >= 0 {
		e, err := strconv.ParseInt(text[i+1:], 10, 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, false, false
		}
		// On ErrRange e is clamped to the int64 extreme of the right sign.
		exp = e
		text = text[:i]
	}
	whole, frac, _ := strings.Cut(text, ".")
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return 0, true, true
	}
	significant := strings.TrimRight(digits, "0")
	if exp < -maxShift {
		return 0, false, false
	}
	if exp > maxShift {
		return 0, true, false
	}
	shift := exp - int64(len(frac)) + int64(len(digits)-len(significant))
	if shift < 0 {
		return 0, false, false
	}
	if int64(len(significant))+shift > 19 {
		return 0, true, false
	}
	v, ok := new(big.Int).SetString(significant+strings.Repeat("0", int(shift)), 10)
	if !ok {
		return 0, false, false
	}
	if neg {
		v.Neg(v)
	}
	if !v.IsInt64() {
		return 0, true, false
	}
	return v.Int64(), true, true
}

// array returns the elements of an array field. A present empty array yields a
// non-nil empty slice.
func (r *objectReader) array(key string) ([]json.RawMessage, bool, error) {
	raw, ok := r.take(key)
	if !ok {
		return nil, false, nil
	}
	if firstByte(raw) != '[' {
		return nil, false, command.Violation(command.ErrSchemaViolation, r.at(key), "must be an array")
	}
	items := []json.RawMessage{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, command.Violation(command.ErrSchemaViolation, r.at(key), "invalid array: %v", err)
	}
	return items, true, nil
}

// rest returns every unconsumed key, compacted, or nil when there are none.
func (r *objectReader) rest() command.Fields {
	var out command.Fields
	for k, raw := range r.obj {
		if r.used[k] {
			continue
		}
		if out == nil {
			out = make(command.Fields)
		}
		out[k] = compact(raw)
	}
	return out
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return json.RawMessage(buf.Bytes())
}

func firstByte(raw []byte) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// objectWriter emits a JSON object field by field in call order.
type objectWriter struct {
	buf   bytes.Buffer
	count int
	err   error
}

func newObjectWriter() *objectWriter {
	w := &objectWriter{}
	w.buf.WriteByte('{')
	return w
}

func (w *objectWriter) key(k string) {
	if w.count > 0 {
		w.buf.WriteByte(',')
	}
	w.count++
	w.buf.Write(marshalString(k))
	w.buf.WriteByte(':')
}

func (w *objectWriter) raw(k string, v []byte) {
	if w.err != nil {
		return
	}
	if !json.Valid(v) {
		w.err = fmt.Errorf("field %q holds invalid JSON", k)
		return
	}
	w.key(k)
	w.buf.Write(v)
}

func (w *objectWriter) str(k string, v *string) {
	if v == nil {
		return
	}
	w.key(k)
	w.buf.Write(marshalString(*v))
}

func (w *objectWriter) int64(k string, v *int64) {
	if v == nil {
		return
	}
	w.key(k)
	w.buf.WriteString(strconv.FormatInt(*v, 10))
}

func (w *objectWriter) trueOnly(k string, v bool) {
	if !v {
		return
	}
	w.key(k)
	w.buf.WriteString("true")
}

// fields emits preserved unknown fields in key order.
func (w *objectWriter) fields(f command.Fields) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.raw(k, f[k])
	}
}

func (w *objectWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	w.buf.WriteByte('}')
	return w.buf.Bytes(), nil
}

// marshalString encodes s as a JSON string without HTML escaping.
func marshalString(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}
