package storage

import (
	"testing"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	when := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	doc := domain.Doc(
		"_id", "d1",
		"name", "Alice",
		"age", int32(30),
		"score", 7.5,
		"joined", when,
		"tags", []interface{}{"a", "b"},
	)

	tests := []struct {
		name     string
		selector *domain.Document
		match    bool
	}{
		{"empty selector", domain.NewDocument(), true},
		{"equality", domain.Doc("name", "Alice"), true},
		{"equality miss", domain.Doc("name", "Bob"), false},
		{"equality on missing field", domain.Doc("city", "Oslo"), false},
		{"numeric equality across widths", domain.Doc("age", int64(30)), true},
		{"implicit and", domain.Doc("name", "Alice", "age", int32(30)), true},
		{"implicit and partial miss", domain.Doc("name", "Alice", "age", int32(31)), false},
		{"gt", domain.Doc("age", domain.Doc("$gt", int32(29))), true},
		{"gt equal is no match", domain.Doc("age", domain.Doc("$gt", int32(30))), false},
		{"gte equal", domain.Doc("age", domain.Doc("$gte", int32(30))), true},
		{"lt", domain.Doc("score", domain.Doc("$lt", 8.0)), true},
		{"lte", domain.Doc("score", domain.Doc("$lte", 7.5)), true},
		{"range on one field", domain.Doc("age", domain.Doc("$gte", int32(18), "$lt", int32(65))), true},
		{"range miss", domain.Doc("age", domain.Doc("$gte", int32(31), "$lt", int32(65))), false},
		{"ne", domain.Doc("name", domain.Doc("$ne", "Bob")), true},
		{"ne miss", domain.Doc("name", domain.Doc("$ne", "Alice")), false},
		{"ne on missing field matches", domain.Doc("city", domain.Doc("$ne", "Oslo")), true},
		{"in", domain.Doc("age", domain.Doc("$in", []interface{}{int32(29), int32(30)})), true},
		{"in miss", domain.Doc("age", domain.Doc("$in", []interface{}{int32(1), int32(2)})), false},
		{"in across widths", domain.Doc("age", domain.Doc("$in", []interface{}{int64(30)})), true},
		{"in on missing field", domain.Doc("city", domain.Doc("$in", []interface{}{"Oslo"})), false},
		{"exists true", domain.Doc("score", domain.Doc("$exists", true)), true},
		{"exists false", domain.Doc("city", domain.Doc("$exists", false)), true},
		{"exists false on present field", domain.Doc("score", domain.Doc("$exists", false)), false},
		{"string ordering", domain.Doc("name", domain.Doc("$lt", "Bob")), true},
		{"time ordering", domain.Doc("joined", domain.Doc("$gt", when.Add(-time.Hour))), true},
		{"incomparable kinds", domain.Doc("name", domain.Doc("$gt", int32(1))), false},
		{"comparison on missing field", domain.Doc("city", domain.Doc("$gt", "A")), false},
		{"unknown operator", domain.Doc("age", domain.Doc("$regex", "3.*")), false},
		{"array equality", domain.Doc("tags", []interface{}{"a", "b"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, Matches(doc, tt.selector))
		})
	}
}

func TestIsOperatorDoc(t *testing.T) {
	assert.True(t, isOperatorDoc(domain.Doc("$gt", 1)))
	assert.False(t, isOperatorDoc(domain.Doc("a", 1)))
	assert.False(t, isOperatorDoc(domain.NewDocument()))
}

func TestIsModifierDoc(t *testing.T) {
	assert.True(t, isModifierDoc(domain.Doc("$set", domain.Doc("a", 1))))
	assert.False(t, isModifierDoc(domain.Doc("a", 1)))
}
