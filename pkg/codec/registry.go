package codec

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// IDFieldName is the reserved wire name of the identifier field.
const IDFieldName = "_id"

type fieldInfo struct {
	name      string // wire name after aliasing
	index     int
	omitEmpty bool
}

type typeInfo struct {
	rtype      reflect.Type
	fields     []fieldInfo // declaration order, identifier and extra excluded
	idIndex    int         // -1 for identifier-less types
	extraIndex int         // -1 when unknown wire fields are dropped
}

// Registry holds per-type field mappings: wire aliases, the identifier
// field, and the unknown-field policy. Registration is a one-time setup
// phase; Freeze enforces immutability afterwards. Mappings for types never
// registered are derived lazily from struct tags.
type Registry struct {
	mu     sync.RWMutex
	types  map[reflect.Type]*typeInfo
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[reflect.Type]*typeInfo)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by the package-level
// Marshal and Unmarshal.
func Default() *Registry { return defaultRegistry }

// RegisterOption adjusts a type mapping at registration time.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	idField    string
	extraField string
	aliases    map[string]string
}

// WithIDField names the struct field holding the identifier, overriding
// tag- and name-based detection.
func WithIDField(structField string) RegisterOption {
	return func(c *registerConfig) { c.idField = structField }
}

// WithExtraField names a *domain.Document struct field that collects
// unknown wire fields on decode and is flattened back on encode.
func WithExtraField(structField string) RegisterOption {
	return func(c *registerConfig) { c.extraField = structField }
}

// WithAlias maps a struct field to a different wire name.
func WithAlias(structField, wireName string) RegisterOption {
	return func(c *registerConfig) {
		if c.aliases == nil {
			c.aliases = make(map[string]string)
		}
		c.aliases[structField] = wireName
	}
}

// Register records the mapping for the sample's type. It fails after
// Freeze, or when an option names a field the type does not have.
func (r *Registry) Register(sample interface{}, opts ...RegisterOption) error {
	t := structType(reflect.TypeOf(sample))
	if t == nil {
		return fmt.Errorf("codec: Register needs a struct or pointer to struct, got %T", sample)
	}
	var cfg registerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ti, err := deriveTypeInfo(t, &cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("codec: registry is frozen; register %s during setup", t)
	}
	r.types[t] = ti
	return nil
}

// MustRegister is Register that panics on error, for setup-phase use.
func (r *Registry) MustRegister(sample interface{}, opts ...RegisterOption) {
	if err := r.Register(sample, opts...); err != nil {
		panic(err)
	}
}

// Freeze ends the setup phase. Subsequent Register calls fail; lookups of
// unregistered types still derive tag-based mappings.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) lookup(t reflect.Type) (*typeInfo, error) {
	r.mu.RLock()
	ti := r.types[t]
	r.mu.RUnlock()
	if ti != nil {
		return ti, nil
	}
	ti, err := deriveTypeInfo(t, &registerConfig{})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if existing := r.types[t]; existing != nil {
		ti = existing
	} else {
		r.types[t] = ti
	}
	r.mu.Unlock()
	return ti, nil
}

func structType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

func deriveTypeInfo(t reflect.Type, cfg *registerConfig) (*typeInfo, error) {
	ti := &typeInfo{rtype: t, idIndex: -1, extraIndex: -1}
	seen := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name := f.Name
		var omitEmpty, extra, isID bool
		if tag, ok := f.Tag.Lookup("docstore"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" && len(parts) == 1 {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, flag := range parts[1:] {
				switch flag {
				case "omitempty":
					omitEmpty = true
				case "extra":
					extra = true
				}
			}
		}
		if alias, ok := cfg.aliases[f.Name]; ok {
			name = alias
		}

		switch {
		case cfg.extraField != "":
			extra = f.Name == cfg.extraField
		}
		if extra {
			if f.Type != reflect.TypeOf(&domain.Document{}) {
				return nil, fmt.Errorf("codec: extra-fields field %s.%s must be *domain.Document", t, f.Name)
			}
			ti.extraIndex = i
			continue
		}

		if cfg.idField != "" {
			isID = f.Name == cfg.idField
		} else {
			isID = name == IDFieldName || f.Name == "ID" || f.Name == "Id"
		}
		if isID {
			if ti.idIndex >= 0 {
				return nil, fmt.Errorf("codec: type %s declares more than one identifier field", t)
			}
			ti.idIndex = i
			continue
		}

		if seen[name] {
			return nil, fmt.Errorf("codec: type %s maps two fields to wire name %q", t, name)
		}
		seen[name] = true
		ti.fields = append(ti.fields, fieldInfo{name: name, index: i, omitEmpty: omitEmpty})
	}
	if cfg.idField != "" && ti.idIndex < 0 {
		return nil, fmt.Errorf("codec: type %s has no field named %q", t, cfg.idField)
	}
	if cfg.extraField != "" && ti.extraIndex < 0 {
		return nil, fmt.Errorf("codec: type %s has no field named %q", t, cfg.extraField)
	}
	return ti, nil
}

// HasIdentifier reports whether the entity's type declares an identifier
// field. Untyped documents always count as having one.
func (r *Registry) HasIdentifier(entity interface{}) bool {
	if _, ok := entity.(*domain.Document); ok {
		return true
	}
	t := structType(reflect.TypeOf(entity))
	if t == nil {
		return false
	}
	ti, err := r.lookup(t)
	return err == nil && ti.idIndex >= 0
}

// IdentifierFieldType returns the Go type of the entity's declared
// identifier field, or false for identifier-less and untyped entities.
func (r *Registry) IdentifierFieldType(entity interface{}) (reflect.Type, bool) {
	t := structType(reflect.TypeOf(entity))
	if t == nil {
		return nil, false
	}
	ti, err := r.lookup(t)
	if err != nil || ti.idIndex < 0 {
		return nil, false
	}
	return t.Field(ti.idIndex).Type, true
}

// IdentifierOf returns the entity's current identifier value and whether a
// non-absent value is present. Absent means nil, a nil pointer, a zero
// ObjectId, a zero number or an empty string.
func (r *Registry) IdentifierOf(entity interface{}) (interface{}, bool, error) {
	if d, ok := entity.(*domain.Document); ok {
		v, ok := d.Get(IDFieldName)
		return v, ok && !IsAbsentIdentifier(v), nil
	}
	rv := reflect.ValueOf(entity)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false, fmt.Errorf("codec: nil entity")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false, fmt.Errorf("codec: entity must be a struct, got %T", entity)
	}
	ti, err := r.lookup(rv.Type())
	if err != nil {
		return nil, false, err
	}
	if ti.idIndex < 0 {
		return nil, false, &domain.IdentifierError{Type: rv.Type().String(), Detail: "type declares no identifier field"}
	}
	v := rv.Field(ti.idIndex).Interface()
	return v, !IsAbsentIdentifier(v), nil
}

// SetIdentifier assigns the identifier field of a pointed-to entity.
func (r *Registry) SetIdentifier(entity interface{}, id interface{}) error {
	if d, ok := entity.(*domain.Document); ok {
		d.Set(IDFieldName, id)
		return nil
	}
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("codec: SetIdentifier needs a non-nil pointer, got %T", entity)
	}
	rv = rv.Elem()
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("codec: entity must be a struct, got %T", entity)
	}
	ti, err := r.lookup(rv.Type())
	if err != nil {
		return err
	}
	if ti.idIndex < 0 {
		return &domain.IdentifierError{Type: rv.Type().String(), Detail: "type declares no identifier field"}
	}
	field := rv.Field(ti.idIndex)
	return assignValue(r, field, id)
}

// IsAbsentIdentifier reports whether an identifier value counts as "not
// yet assigned" for save and insert.
func (r *Registry) IsAbsentIdentifier(v interface{}) bool { return IsAbsentIdentifier(v) }

// IsAbsentIdentifier reports whether an identifier value counts as absent:
// nil, a nil pointer, a zero ObjectId, a zero number or an empty string.
func IsAbsentIdentifier(v interface{}) bool {
	switch id := v.(type) {
	case nil:
		return true
	case domain.ObjectId:
		return id.IsZero()
	case string:
		return id == ""
	}
	if n, ok := domain.ToFloat64(v); ok {
		return n == 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		return rv.IsNil() || IsAbsentIdentifier(rv.Elem().Interface())
	}
	return rv.IsZero()
}
