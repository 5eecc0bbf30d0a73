package storage

import (
	"strings"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// Matches checks whether a document satisfies a selector. Conditions on
// multiple fields combine as a logical AND.
func Matches(doc, selector *domain.Document) bool {
	for _, field := range selector.Keys() {
		expected, _ := selector.Get(field)
		if sub, ok := expected.(*domain.Document); ok && isOperatorDoc(sub) {
			if !matchOperators(doc, field, sub) {
				return false
			}
			continue
		}
		actual, exists := doc.Get(field)
		if !exists || !domain.ValuesEqual(actual, expected) {
			return false
		}
	}
	return true
}

func matchOperators(doc *domain.Document, field string, conditions *domain.Document) bool {
	actual, exists := doc.Get(field)
	for _, op := range conditions.Keys() {
		arg, _ := conditions.Get(op)
		switch op {
		case "$exists":
			want, _ := arg.(bool)
			if exists != want {
				return false
			}
		case "$ne":
			if exists && domain.ValuesEqual(actual, arg) {
				return false
			}
		case "$in":
			values, ok := arg.([]interface{})
			if !ok || !exists {
				return false
			}
			found := false
			for _, v := range values {
				if domain.ValuesEqual(actual, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !exists {
				return false
			}
			cmp, comparable := compareValues(actual, arg)
			if !comparable {
				return false
			}
			switch op {
			case "$gt":
				if cmp <= 0 {
					return false
				}
			case "$gte":
				if cmp < 0 {
					return false
				}
			case "$lt":
				if cmp >= 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders two values, handling numeric width differences,
// strings and times. The second result is false for incomparable kinds.
func compareValues(a, b interface{}) (int, bool) {
	if an, ok := domain.ToFloat64(a); ok {
		bn, ok := domain.ToFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		am, bm := at.UnixMilli(), bt.UnixMilli()
		switch {
		case am < bm:
			return -1, true
		case am > bm:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func isOperatorDoc(d *domain.Document) bool {
	if d.Len() == 0 {
		return false
	}
	for _, k := range d.Keys() {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func isModifierDoc(d *domain.Document) bool {
	return isOperatorDoc(d)
}
