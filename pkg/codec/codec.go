// Package codec implements the binary document format: a 4-byte
// little-endian length prefix, tagged named fields, and a terminating zero
// byte. Encode and Decode work on ordered documents; Marshal and Unmarshal
// add per-type field aliasing and identifier handling through a Registry.
package codec

import (
	"encoding/binary"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// Wire type tags.
const (
	tagDouble   = 0x01
	tagString   = 0x02
	tagDocument = 0x03
	tagArray    = 0x04
	tagBinary   = 0x05
	tagObjectId = 0x07
	tagBool     = 0x08
	tagDatetime = 0x09
	tagNull     = 0x0A
	tagRegex    = 0x0B
	tagCode     = 0x0D
	tagInt32    = 0x10
	tagInt64    = 0x12
	tagMinKey   = 0xFF
	tagMaxKey   = 0x7F
)

// maxDepth bounds document nesting; the format has no graph support and a
// deeper tree is almost certainly a construction bug.
const maxDepth = 100

// Encode serializes a document to its wire representation.
func Encode(d *domain.Document) ([]byte, error) {
	return appendDocument(nil, d, 0)
}

func appendDocument(buf []byte, d *domain.Document, depth int) ([]byte, error) {
	if depth >= maxDepth {
		return nil, domain.NewCodecError(domain.Malformed, "document nesting exceeds %d levels", maxDepth)
	}
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	var err error
	for _, name := range d.Keys() {
		v, _ := d.Get(name)
		buf, err = appendElement(buf, name, v, depth)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, 0)
	binary.LittleEndian.PutUint32(buf[start:start+4], uint32(len(buf)-start))
	return buf, nil
}

func appendCString(buf []byte, s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, domain.NewCodecError(domain.Malformed, "string %q contains a NUL byte", s)
	}
	buf = append(buf, s...)
	return append(buf, 0), nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)+1))
	buf = append(buf, s...)
	return append(buf, 0)
}

func appendElement(buf []byte, name string, value interface{}, depth int) ([]byte, error) {
	// The tag byte precedes the name; patch it once the value kind is known.
	tagAt := len(buf)
	buf = append(buf, 0)
	buf, err := appendCString(buf, name)
	if err != nil {
		return nil, err
	}

	setTag := func(t byte) { buf[tagAt] = t }

	switch v := value.(type) {
	case nil:
		setTag(tagNull)
	case bool:
		setTag(tagBool)
		if v {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case int8:
		setTag(tagInt32)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
	case int16:
		setTag(tagInt32)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
	case int32:
		setTag(tagInt32)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	case int:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			setTag(tagInt32)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
		} else {
			setTag(tagInt64)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(v)))
		}
	case int64:
		setTag(tagInt64)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	case uint8:
		setTag(tagInt32)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	case uint16:
		setTag(tagInt32)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	case uint32:
		setTag(tagInt64)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, domain.NewCodecError(domain.Overflow, "uint value %d exceeds int64 range in field %q", v, name)
		}
		setTag(tagInt64)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	case uint64:
		if v > math.MaxInt64 {
			return nil, domain.NewCodecError(domain.Overflow, "uint64 value %d exceeds int64 range in field %q", v, name)
		}
		setTag(tagInt64)
		buf = binary.LittleEndian.AppendUint64(buf, v)
	case float32:
		setTag(tagDouble)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(float64(v)))
	case float64:
		setTag(tagDouble)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	case string:
		setTag(tagString)
		buf = appendString(buf, v)
	case []byte:
		setTag(tagBinary)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, 0) // generic subtype
		buf = append(buf, v...)
	case domain.ObjectId:
		setTag(tagObjectId)
		buf = append(buf, v[:]...)
	case time.Time:
		setTag(tagDatetime)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.UnixMilli()))
	case domain.Regex:
		setTag(tagRegex)
		buf, err = appendCString(buf, v.Pattern)
		if err != nil {
			return nil, err
		}
		buf, err = appendCString(buf, v.Options)
		if err != nil {
			return nil, err
		}
	case domain.Code:
		setTag(tagCode)
		buf = appendString(buf, string(v))
	case domain.MinKey:
		setTag(tagMinKey)
	case domain.MaxKey:
		setTag(tagMaxKey)
	case *domain.Document:
		setTag(tagDocument)
		buf, err = appendDocument(buf, v, depth+1)
		if err != nil {
			return nil, err
		}
	case []interface{}:
		setTag(tagArray)
		buf, err = appendArray(buf, v, depth+1)
		if err != nil {
			return nil, err
		}
	default:
		return appendReflected(buf, tagAt, name, value, depth)
	}
	return buf, nil
}

func appendArray(buf []byte, values []interface{}, depth int) ([]byte, error) {
	if depth >= maxDepth {
		return nil, domain.NewCodecError(domain.Malformed, "document nesting exceeds %d levels", maxDepth)
	}
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	var err error
	for i, v := range values {
		buf, err = appendElement(buf, strconv.Itoa(i), v, depth)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, 0)
	binary.LittleEndian.PutUint32(buf[start:start+4], uint32(len(buf)-start))
	return buf, nil
}

// appendReflected handles values outside the direct union: typed slices,
// string-keyed maps, structs and pointers. The tag byte at tagAt is still
// unset on entry.
func appendReflected(buf []byte, tagAt int, name string, value interface{}, depth int) ([]byte, error) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			buf[tagAt] = tagNull
			return buf, nil
		}
		// Re-dispatch on the pointed-to value; the tag and name are
		// already written, so splice through appendElement on a fresh
		// suffix is not possible. Convert instead.
		return appendReflectedValue(buf, tagAt, name, rv.Elem(), depth)
	default:
		return appendReflectedValue(buf, tagAt, name, rv, depth)
	}
}

func appendReflectedValue(buf []byte, tagAt int, name string, rv reflect.Value, depth int) ([]byte, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		values := make([]interface{}, rv.Len())
		for i := range values {
			values[i] = rv.Index(i).Interface()
		}
		buf[tagAt] = tagArray
		return appendArray(buf, values, depth+1)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, domain.NewCodecError(domain.Malformed, "cannot encode map with %s keys in field %q", rv.Type().Key(), name)
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		d := domain.NewDocument()
		for _, k := range keys {
			d.Set(k, rv.MapIndex(reflect.ValueOf(k)).Interface())
		}
		buf[tagAt] = tagDocument
		return appendDocument(buf, d, depth+1)
	case reflect.Struct:
		d, err := Default().DocumentOf(rv.Interface())
		if err != nil {
			return nil, err
		}
		buf[tagAt] = tagDocument
		return appendDocument(buf, d, depth+1)
	default:
		return nil, domain.NewCodecError(domain.Malformed, "cannot encode %T in field %q", rv.Interface(), name)
	}
}

// Decode parses a single wire document. The input must contain exactly one
// document: a length prefix that does not match the buffer is rejected.
func Decode(data []byte) (*domain.Document, error) {
	d, rest, err := readDocument(data, 0)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, domain.NewCodecError(domain.Malformed, "%d trailing bytes after document", len(rest))
	}
	return d, nil
}

func readDocument(data []byte, depth int) (*domain.Document, []byte, error) {
	if depth >= maxDepth {
		return nil, nil, domain.NewCodecError(domain.Malformed, "document nesting exceeds %d levels", maxDepth)
	}
	if len(data) < 5 {
		return nil, nil, domain.NewCodecError(domain.Malformed, "document shorter than %d bytes", 5)
	}
	total := int(int32(binary.LittleEndian.Uint32(data[:4])))
	if total < 5 || total > len(data) {
		return nil, nil, domain.NewCodecError(domain.Malformed, "document length %d does not fit buffer of %d bytes", total, len(data))
	}
	body := data[4 : total-1]
	if data[total-1] != 0 {
		return nil, nil, domain.NewCodecError(domain.Malformed, "document missing terminating zero byte")
	}

	d := domain.NewDocument()
	for len(body) > 0 {
		tag := body[0]
		body = body[1:]
		name, rest, err := readCString(body)
		if err != nil {
			return nil, nil, err
		}
		body = rest
		value, rest2, err := readValue(tag, body, depth)
		if err != nil {
			return nil, nil, err
		}
		body = rest2
		d.Set(name, value)
	}
	return d, data[total:], nil
}

func readCString(data []byte) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, domain.NewCodecError(domain.Malformed, "unterminated string")
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, domain.NewCodecError(domain.Malformed, "truncated string length")
	}
	n := int(int32(binary.LittleEndian.Uint32(data[:4])))
	if n < 1 || n > len(data)-4 {
		return "", nil, domain.NewCodecError(domain.Malformed, "string length %d does not fit buffer", n)
	}
	if data[4+n-1] != 0 {
		return "", nil, domain.NewCodecError(domain.Malformed, "string missing terminating zero byte")
	}
	return string(data[4 : 4+n-1]), data[4+n:], nil
}

func readValue(tag byte, data []byte, depth int) (interface{}, []byte, error) {
	need := func(n int) error {
		if len(data) < n {
			return domain.NewCodecError(domain.Malformed, "truncated value: need %d bytes, have %d", n, len(data))
		}
		return nil
	}
	switch tag {
	case tagNull:
		return nil, data, nil
	case tagMinKey:
		return domain.MinKey{}, data, nil
	case tagMaxKey:
		return domain.MaxKey{}, data, nil
	case tagBool:
		if err := need(1); err != nil {
			return nil, nil, err
		}
		return data[0] != 0, data[1:], nil
	case tagInt32:
		if err := need(4); err != nil {
			return nil, nil, err
		}
		return int32(binary.LittleEndian.Uint32(data[:4])), data[4:], nil
	case tagInt64:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return int64(binary.LittleEndian.Uint64(data[:8])), data[8:], nil
	case tagDouble:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[:8])), data[8:], nil
	case tagDatetime:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		ms := int64(binary.LittleEndian.Uint64(data[:8]))
		return time.UnixMilli(ms).UTC(), data[8:], nil
	case tagString:
		return readString(data)
	case tagCode:
		s, rest, err := readString(data)
		if err != nil {
			return nil, nil, err
		}
		return domain.Code(s), rest, nil
	case tagObjectId:
		if err := need(12); err != nil {
			return nil, nil, err
		}
		var id domain.ObjectId
		copy(id[:], data[:12])
		return id, data[12:], nil
	case tagBinary:
		if err := need(5); err != nil {
			return nil, nil, err
		}
		n := int(int32(binary.LittleEndian.Uint32(data[:4])))
		if n < 0 || n > len(data)-5 {
			return nil, nil, domain.NewCodecError(domain.Malformed, "binary length %d does not fit buffer", n)
		}
		blob := make([]byte, n)
		copy(blob, data[5:5+n])
		return blob, data[5+n:], nil
	case tagRegex:
		pattern, rest, err := readCString(data)
		if err != nil {
			return nil, nil, err
		}
		options, rest2, err := readCString(rest)
		if err != nil {
			return nil, nil, err
		}
		return domain.Regex{Pattern: pattern, Options: options}, rest2, nil
	case tagDocument:
		return readDocument(data, depth+1)
	case tagArray:
		inner, rest, err := readDocument(data, depth+1)
		if err != nil {
			return nil, nil, err
		}
		values := make([]interface{}, 0, inner.Len())
		for _, k := range inner.Keys() {
			v, _ := inner.Get(k)
			values = append(values, v)
		}
		return values, rest, nil
	default:
		return nil, nil, domain.NewCodecError(domain.Malformed, "unknown type tag 0x%02x", tag)
	}
}
