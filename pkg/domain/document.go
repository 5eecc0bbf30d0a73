package domain

import (
	"bytes"
	"time"
)

// Document is an ordered mapping from field name to value. Field order is
// preserved for wire fidelity; Equal ignores it.
type Document struct {
	keys   []string
	values map[string]interface{}
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{values: make(map[string]interface{})}
}

// Doc builds a document from alternating name/value pairs, preserving order.
// It panics on an odd number of arguments or a non-string name; it is meant
// for literals in application code and tests.
func Doc(pairs ...interface{}) *Document {
	if len(pairs)%2 != 0 {
		panic("domain: Doc requires name/value pairs")
	}
	d := NewDocument()
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			panic("domain: Doc field names must be strings")
		}
		d.Set(name, pairs[i+1])
	}
	return d
}

// Set assigns a field value, appending the field if new. Returns the
// document for chaining.
func (d *Document) Set(name string, value interface{}) *Document {
	if d.values == nil {
		d.values = make(map[string]interface{})
	}
	if _, exists := d.values[name]; !exists {
		d.keys = append(d.keys, name)
	}
	d.values[name] = value
	return d
}

// Get returns the value of a field and whether it is present.
func (d *Document) Get(name string) (interface{}, bool) {
	if d == nil || d.values == nil {
		return nil, false
	}
	v, ok := d.values[name]
	return v, ok
}

// Delete removes a field, reporting whether it was present.
func (d *Document) Delete(name string) bool {
	if d == nil || d.values == nil {
		return false
	}
	if _, ok := d.values[name]; !ok {
		return false
	}
	delete(d.values, name)
	for i, k := range d.keys {
		if k == name {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of fields.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the field names in insertion order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Clone returns a shallow copy; nested documents are shared.
func (d *Document) Clone() *Document {
	out := NewDocument()
	if d == nil {
		return out
	}
	for _, k := range d.keys {
		out.Set(k, d.values[k])
	}
	return out
}

// Equal reports whether two documents hold the same fields and values,
// ignoring field order. Numeric values compare across widths, so an int32
// field equals the same value stored as int64.
func (d *Document) Equal(other *Document) bool {
	if d.Len() != other.Len() {
		return false
	}
	for _, k := range d.keys {
		ov, ok := other.Get(k)
		if !ok || !ValuesEqual(d.values[k], ov) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two field values for equality, handling numeric
// width differences, byte slices, times and nested documents/arrays.
func ValuesEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if an, ok := ToFloat64(a); ok {
		bn, ok := ToFloat64(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.UnixMilli() == bv.UnixMilli()
	case *Document:
		bv, ok := b.(*Document)
		return ok && av.Equal(bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

// ToFloat64 converts the numeric value kinds to float64 for comparison.
func ToFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
