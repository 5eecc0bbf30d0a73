package codec

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// Marshal encodes an entity using the default registry.
func Marshal(entity interface{}) ([]byte, error) {
	return defaultRegistry.Marshal(entity)
}

// Unmarshal decodes wire bytes into an entity using the default registry.
func Unmarshal(data []byte, out interface{}) error {
	return defaultRegistry.Unmarshal(data, out)
}

// Marshal encodes an entity (a struct, pointer to struct, or untyped
// *domain.Document), applying the type's alias mapping. A present
// identifier is written first under "_id"; an absent one is omitted.
func (r *Registry) Marshal(entity interface{}) ([]byte, error) {
	d, err := r.DocumentOf(entity)
	if err != nil {
		return nil, err
	}
	return Encode(d)
}

// DocumentOf converts an entity to its wire document without encoding it.
// Untyped documents pass through unchanged.
func (r *Registry) DocumentOf(entity interface{}) (*domain.Document, error) {
	if d, ok := entity.(*domain.Document); ok {
		return d, nil
	}
	rv := reflect.ValueOf(entity)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("codec: nil entity")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("codec: cannot marshal %T", entity)
	}
	ti, err := r.lookup(rv.Type())
	if err != nil {
		return nil, err
	}

	d := domain.NewDocument()
	if ti.idIndex >= 0 {
		id := rv.Field(ti.idIndex).Interface()
		if !IsAbsentIdentifier(id) {
			d.Set(IDFieldName, id)
		}
	}
	for _, fi := range ti.fields {
		fv := rv.Field(fi.index)
		if fi.omitEmpty && fv.IsZero() {
			continue
		}
		v, err := r.wireValue(fv)
		if err != nil {
			return nil, err
		}
		d.Set(fi.name, v)
	}
	if ti.extraIndex >= 0 {
		if extra, ok := rv.Field(ti.extraIndex).Interface().(*domain.Document); ok && extra != nil {
			for _, k := range extra.Keys() {
				if _, taken := d.Get(k); !taken {
					v, _ := extra.Get(k)
					d.Set(k, v)
				}
			}
		}
	}
	return d, nil
}

// wireValue converts a struct field value to the document value union,
// recursing into nested structs with this registry's mappings.
func (r *Registry) wireValue(fv reflect.Value) (interface{}, error) {
	switch fv.Kind() {
	case reflect.Ptr:
		if fv.IsNil() {
			return nil, nil
		}
		if d, ok := fv.Interface().(*domain.Document); ok {
			return d, nil
		}
		return r.wireValue(fv.Elem())
	case reflect.Interface:
		if fv.IsNil() {
			return nil, nil
		}
		return fv.Interface(), nil
	case reflect.Struct:
		switch v := fv.Interface().(type) {
		case time.Time, domain.Regex, domain.MinKey, domain.MaxKey:
			return v, nil
		case domain.Document:
			d := v
			return &d, nil
		}
		if id, ok := fv.Interface().(domain.ObjectId); ok {
			return id, nil
		}
		return r.DocumentOf(fv.Interface())
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.Uint8 {
			return fv.Interface(), nil // []byte stays a blob
		}
		values := make([]interface{}, fv.Len())
		for i := range values {
			v, err := r.wireValue(fv.Index(i))
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	case reflect.Array:
		if id, ok := fv.Interface().(domain.ObjectId); ok {
			return id, nil
		}
		values := make([]interface{}, fv.Len())
		for i := range values {
			v, err := r.wireValue(fv.Index(i))
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	default:
		return fv.Interface(), nil
	}
}

// Unmarshal decodes wire bytes into *domain.Document or a pointer to a
// struct. Unknown wire fields land in the type's extra-fields bag when it
// declares one and are dropped otherwise. A wire integer that does not fit
// the host field fails with an overflow CodecError.
func (r *Registry) Unmarshal(data []byte, out interface{}) error {
	d, err := Decode(data)
	if err != nil {
		return err
	}
	return r.UnmarshalDocument(d, out)
}

// UnmarshalDocument populates out from an already-decoded document.
func (r *Registry) UnmarshalDocument(d *domain.Document, out interface{}) error {
	if target, ok := out.(**domain.Document); ok {
		*target = d
		return nil
	}
	if target, ok := out.(*domain.Document); ok {
		for _, k := range d.Keys() {
			v, _ := d.Get(k)
			target.Set(k, v)
		}
		return nil
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("codec: Unmarshal needs a non-nil pointer, got %T", out)
	}
	rv = rv.Elem()
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("codec: cannot unmarshal into %T", out)
	}
	ti, err := r.lookup(rv.Type())
	if err != nil {
		return err
	}

	byName := make(map[string]int, len(ti.fields))
	for _, fi := range ti.fields {
		byName[fi.name] = fi.index
	}

	var extra *domain.Document
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		if k == IDFieldName && ti.idIndex >= 0 {
			if err := assignValue(r, rv.Field(ti.idIndex), v); err != nil {
				return err
			}
			continue
		}
		if idx, ok := byName[k]; ok {
			if err := assignValue(r, rv.Field(idx), v); err != nil {
				return err
			}
			continue
		}
		if ti.extraIndex >= 0 {
			if extra == nil {
				extra = domain.NewDocument()
			}
			extra.Set(k, v)
		}
	}
	if extra != nil {
		rv.Field(ti.extraIndex).Set(reflect.ValueOf(extra))
	}
	return nil
}

// assignValue stores a decoded wire value into a struct field, converting
// between the wire's explicit widths and the host type.
func assignValue(r *Registry, field reflect.Value, v interface{}) error {
	if v == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return assignValue(r, field.Elem(), v)
	}
	if field.Kind() == reflect.Interface {
		field.Set(reflect.ValueOf(v))
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Type() == field.Type() {
		field.Set(rv)
		return nil
	}

	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := wireInt(v)
		if !ok {
			return domain.NewCodecError(domain.Malformed, "cannot assign %T to %s", v, field.Type())
		}
		if field.OverflowInt(n) {
			return domain.NewCodecError(domain.Overflow, "value %d overflows %s", n, field.Type())
		}
		field.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := wireInt(v)
		if !ok {
			return domain.NewCodecError(domain.Malformed, "cannot assign %T to %s", v, field.Type())
		}
		if n < 0 || field.OverflowUint(uint64(n)) {
			return domain.NewCodecError(domain.Overflow, "value %d overflows %s", n, field.Type())
		}
		field.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, ok := domain.ToFloat64(v)
		if !ok {
			return domain.NewCodecError(domain.Malformed, "cannot assign %T to %s", v, field.Type())
		}
		if field.Kind() == reflect.Float32 && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return domain.NewCodecError(domain.Overflow, "value %g overflows float32", f)
		}
		field.SetFloat(f)
		return nil
	case reflect.String:
		switch s := v.(type) {
		case string:
			field.SetString(s)
			return nil
		case domain.Code:
			field.SetString(string(s))
			return nil
		}
	case reflect.Bool:
		if b, ok := v.(bool); ok {
			field.SetBool(b)
			return nil
		}
	case reflect.Struct:
		if sub, ok := v.(*domain.Document); ok {
			return r.UnmarshalDocument(sub, field.Addr().Interface())
		}
	case reflect.Slice:
		if values, ok := v.([]interface{}); ok {
			out := reflect.MakeSlice(field.Type(), len(values), len(values))
			for i, ev := range values {
				if err := assignValue(r, out.Index(i), ev); err != nil {
					return err
				}
			}
			field.Set(out)
			return nil
		}
	case reflect.Map:
		if sub, ok := v.(*domain.Document); ok && field.Type().Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(field.Type(), sub.Len())
			for _, k := range sub.Keys() {
				ev, _ := sub.Get(k)
				elem := reflect.New(field.Type().Elem()).Elem()
				if err := assignValue(r, elem, ev); err != nil {
					return err
				}
				out.SetMapIndex(reflect.ValueOf(k), elem)
			}
			field.Set(out)
			return nil
		}
	}
	if rv.Type().ConvertibleTo(field.Type()) {
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	return domain.NewCodecError(domain.Malformed, "cannot assign %T to %s", v, field.Type())
}

func wireInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
