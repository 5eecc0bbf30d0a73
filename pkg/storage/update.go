package storage

import (
	"fmt"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// applyModifiers applies a modifier document to a copy of doc, leaving the
// original untouched so snapshots handed out by Find stay valid.
func applyModifiers(doc, update *domain.Document) (*domain.Document, error) {
	out := doc.Clone()
	for _, op := range update.Keys() {
		argRaw, _ := update.Get(op)
		args, ok := argRaw.(*domain.Document)
		if !ok {
			return nil, fmt.Errorf("storage: %s argument must be a document", op)
		}
		for _, field := range args.Keys() {
			value, _ := args.Get(field)
			switch op {
			case "$set":
				out.Set(field, value)
			case "$unset":
				out.Delete(field)
			case "$inc":
				amount, ok := domain.ToFloat64(value)
				if !ok {
					return nil, fmt.Errorf("storage: $inc amount for %q is not numeric", field)
				}
				current, exists := out.Get(field)
				if !exists {
					out.Set(field, value)
					break
				}
				base, ok := domain.ToFloat64(current)
				if !ok {
					return nil, fmt.Errorf("storage: $inc target %q is not numeric", field)
				}
				out.Set(field, incResult(current, value, base+amount))
			case "$push":
				current, exists := out.Get(field)
				if !exists {
					out.Set(field, []interface{}{value})
					break
				}
				arr, ok := current.([]interface{})
				if !ok {
					return nil, fmt.Errorf("storage: $push target %q is not an array", field)
				}
				// Copy on write; earlier snapshots share the old slice.
				next := make([]interface{}, 0, len(arr)+1)
				next = append(next, arr...)
				out.Set(field, append(next, value))
			default:
				return nil, fmt.Errorf("storage: unknown update operator %s", op)
			}
		}
	}
	return out, nil
}

// incResult keeps integer fields integral when both operands are integers.
func incResult(current, amount interface{}, sum float64) interface{} {
	if isWireInt(current) && isWireInt(amount) {
		return int64(sum)
	}
	return sum
}

func isWireInt(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// replaceDocument builds the replacement for a stored document: every
// field of the update, with the stored identifier preserved first. Fields
// absent from the update are discarded.
func replaceDocument(old, update *domain.Document) (*domain.Document, error) {
	out := domain.NewDocument()
	id, hadID := old.Get(codec.IDFieldName)
	if hadID {
		out.Set(codec.IDFieldName, id)
	}
	for _, k := range update.Keys() {
		if k == codec.IDFieldName {
			if hadID {
				uid, _ := update.Get(k)
				if !domain.ValuesEqual(uid, id) {
					return nil, fmt.Errorf("storage: replacement cannot change the identifier")
				}
			}
			continue
		}
		v, _ := update.Get(k)
		out.Set(k, v)
	}
	return out, nil
}
