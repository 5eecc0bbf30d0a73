// Package query builds codec-ready predicate and update documents from
// typed expressions. Builders are pure: they construct documents and
// perform no I/O.
package query

import (
	"strings"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// Predicate accumulates filter conditions. Conditions on distinct fields
// combine as an implicit logical AND, mirroring server semantics.
type Predicate struct {
	doc *domain.Document
}

// Q starts an empty predicate, which matches every document.
func Q() *Predicate {
	return &Predicate{doc: domain.NewDocument()}
}

// Eq matches documents whose field equals value, compiling to the bare
// {field: value} short form.
func (p *Predicate) Eq(field string, value interface{}) *Predicate {
	p.doc.Set(field, value)
	return p
}

// Ne matches documents whose field differs from value.
func (p *Predicate) Ne(field string, value interface{}) *Predicate {
	return p.op(field, "$ne", value)
}

// Gt matches documents whose field is greater than value.
func (p *Predicate) Gt(field string, value interface{}) *Predicate {
	return p.op(field, "$gt", value)
}

// Gte matches documents whose field is greater than or equal to value.
func (p *Predicate) Gte(field string, value interface{}) *Predicate {
	return p.op(field, "$gte", value)
}

// Lt matches documents whose field is less than value.
func (p *Predicate) Lt(field string, value interface{}) *Predicate {
	return p.op(field, "$lt", value)
}

// Lte matches documents whose field is less than or equal to value.
func (p *Predicate) Lte(field string, value interface{}) *Predicate {
	return p.op(field, "$lte", value)
}

// In matches documents whose field equals any of the given values. Input
// order is preserved and duplicates are kept; the server tolerates them.
func (p *Predicate) In(field string, values ...interface{}) *Predicate {
	seq := make([]interface{}, len(values))
	copy(seq, values)
	return p.op(field, "$in", seq)
}

// Exists matches documents by field presence.
func (p *Predicate) Exists(field string, exists bool) *Predicate {
	return p.op(field, "$exists", exists)
}

// op merges an operator condition into the field's operator sub-document,
// so Gte+Lt on one field compile to a single range condition.
func (p *Predicate) op(field, operator string, value interface{}) *Predicate {
	if existing, ok := p.doc.Get(field); ok {
		if sub, ok := existing.(*domain.Document); ok && isOperatorDoc(sub) {
			sub.Set(operator, value)
			return p
		}
	}
	p.doc.Set(field, domain.NewDocument().Set(operator, value))
	return p
}

// Document returns the compiled predicate.
func (p *Predicate) Document() *domain.Document {
	return p.doc
}

// Update accumulates field mutations. It always compiles to a modifier
// document, even when only one field is touched; passing a plain entity as
// an update target instead triggers replacement semantics, which discard
// every stored field absent from the entity except the identifier.
type Update struct {
	doc *domain.Document
}

// Set assigns a field in place.
func Set(field string, value interface{}) *Update {
	return (&Update{doc: domain.NewDocument()}).Set(field, value)
}

// Inc adds amount to a numeric field, creating it when missing.
func Inc(field string, amount interface{}) *Update {
	return (&Update{doc: domain.NewDocument()}).Inc(field, amount)
}

// Unset removes a field.
func Unset(field string) *Update {
	return (&Update{doc: domain.NewDocument()}).Unset(field)
}

// Push appends a value to an array field, creating it when missing.
func Push(field string, value interface{}) *Update {
	return (&Update{doc: domain.NewDocument()}).Push(field, value)
}

// Set assigns a field in place.
func (u *Update) Set(field string, value interface{}) *Update {
	return u.op("$set", field, value)
}

// Inc adds amount to a numeric field, creating it when missing.
func (u *Update) Inc(field string, amount interface{}) *Update {
	return u.op("$inc", field, amount)
}

// Unset removes a field.
func (u *Update) Unset(field string) *Update {
	return u.op("$unset", field, int32(1))
}

// Push appends a value to an array field, creating it when missing.
func (u *Update) Push(field string, value interface{}) *Update {
	return u.op("$push", field, value)
}

func (u *Update) op(operator, field string, value interface{}) *Update {
	var sub *domain.Document
	if existing, ok := u.doc.Get(operator); ok {
		sub = existing.(*domain.Document)
	} else {
		sub = domain.NewDocument()
		u.doc.Set(operator, sub)
	}
	sub.Set(field, value)
	return u
}

// Document returns the compiled modifier document.
func (u *Update) Document() *domain.Document {
	return u.doc
}

// IsModifier reports whether every top-level key of a non-empty document
// is an operator name.
func IsModifier(d *domain.Document) bool {
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

// ValidateUpdate rejects documents that mix operator keys with plain
// field keys; the two update forms are never combined in one operation.
func ValidateUpdate(d *domain.Document) error {
	var operators, plain int
	for _, k := range d.Keys() {
		if strings.HasPrefix(k, "$") {
			operators++
		} else {
			plain++
		}
	}
	if operators > 0 && plain > 0 {
		return &domain.ProtocolError{Op: "update", Detail: "update document mixes operator and plain fields"}
	}
	return nil
}

func isOperatorDoc(d *domain.Document) bool {
	for _, k := range d.Keys() {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return d.Len() > 0
}
