package codec

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	when := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	oid := domain.NewObjectId()

	tests := []struct {
		name string
		doc  *domain.Document
	}{
		{"empty", domain.NewDocument()},
		{"double", domain.Doc("pi", 3.14)},
		{"string", domain.Doc("name", "Alice")},
		{"empty string", domain.Doc("name", "")},
		{"bool", domain.Doc("yes", true, "no", false)},
		{"int32", domain.Doc("n", int32(-42))},
		{"int64", domain.Doc("n", int64(1)<<40)},
		{"null", domain.Doc("nothing", nil)},
		{"datetime", domain.Doc("at", when)},
		{"objectid", domain.Doc("_id", oid)},
		{"binary", domain.Doc("blob", []byte{0x00, 0x01, 0xFF})},
		{"regex", domain.Doc("re", domain.Regex{Pattern: "^a.*b$", Options: "i"})},
		{"code", domain.Doc("js", domain.Code("function() { return 1; }"))},
		{"minmax", domain.Doc("lo", domain.MinKey{}, "hi", domain.MaxKey{})},
		{"array", domain.Doc("xs", []interface{}{int32(1), "two", 3.0, nil})},
		{"nested document", domain.Doc("outer", domain.Doc("inner", domain.Doc("n", int32(1))))},
		{"mixed", domain.Doc(
			"_id", oid,
			"name", "order-1",
			"total", 99.95,
			"count", int32(3),
			"tags", []interface{}{"a", "b"},
			"meta", domain.Doc("source", "import"),
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.doc)
			require.NoError(t, err)

			// the length prefix covers the whole encoding
			require.GreaterOrEqual(t, len(data), 5)
			assert.Equal(t, int32(len(data)), int32(binary.LittleEndian.Uint32(data[:4])))
			assert.Equal(t, byte(0), data[len(data)-1])

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.doc.Keys(), decoded.Keys())
			assert.True(t, tt.doc.Equal(decoded), "decoded document differs: %v vs %v", tt.doc, decoded)
		})
	}
}

func TestEncode_IntWidthSelection(t *testing.T) {
	// platform ints that fit take the narrow encoding
	data, err := Encode(domain.Doc("n", 7))
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	v, _ := decoded.Get("n")
	assert.Equal(t, int32(7), v)

	data, err = Encode(domain.Doc("n", int(1)<<40))
	require.NoError(t, err)
	decoded, err = Decode(data)
	require.NoError(t, err)
	v, _ = decoded.Get("n")
	assert.Equal(t, int64(1)<<40, v)
}

func TestEncode_RejectsUnrepresentable(t *testing.T) {
	_, err := Encode(domain.Doc("n", uint64(1)<<63))
	require.Error(t, err)
	var cerr *domain.CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, domain.Overflow, cerr.Kind)
}

func TestEncode_RejectsInteriorNulInName(t *testing.T) {
	_, err := Encode(domain.Doc("bad\x00name", 1))
	assert.Error(t, err)
}

func TestDecode_Malformed(t *testing.T) {
	valid, err := Encode(domain.Doc("n", int32(1)))
	require.NoError(t, err)

	truncatedLen := make([]byte, len(valid))
	copy(truncatedLen, valid)
	binary.LittleEndian.PutUint32(truncatedLen[:4], uint32(len(valid)+10))

	noTerminator := make([]byte, len(valid))
	copy(noTerminator, valid)
	noTerminator[len(noTerminator)-1] = 0x01

	badTag := make([]byte, len(valid))
	copy(badTag, valid)
	badTag[4] = 0xEE

	tests := []struct {
		name string
		data []byte
	}{
		{"empty input", nil},
		{"shorter than prefix", []byte{0x05, 0x00}},
		{"length exceeds buffer", truncatedLen},
		{"missing terminator", noTerminator},
		{"unknown type tag", badTag},
		{"negative length", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00}},
		{"truncated value", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			var cerr *domain.CodecError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestEncode_DepthLimit(t *testing.T) {
	doc := domain.Doc("leaf", int32(1))
	for i := 0; i < 150; i++ {
		doc = domain.Doc("nested", doc)
	}
	_, err := Encode(doc)
	require.Error(t, err)
	var cerr *domain.CodecError
	assert.ErrorAs(t, err, &cerr)
}

func TestDecode_ArrayKeysIgnored(t *testing.T) {
	// arrays decode by position regardless of the index names on the wire
	data, err := Encode(domain.Doc("xs", []interface{}{int32(10), int32(20)}))
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	v, ok := decoded.Get("xs")
	require.True(t, ok)
	assert.Equal(t, []interface{}{int32(10), int32(20)}, v)
}

func TestEncode_DatetimeMillisecondPrecision(t *testing.T) {
	when := time.Date(2024, 1, 2, 3, 4, 5, 678999999, time.UTC)
	data, err := Encode(domain.Doc("at", when))
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	v, _ := decoded.Get("at")
	ts, ok := v.(time.Time)
	require.True(t, ok)
	assert.Equal(t, when.UnixMilli(), ts.UnixMilli())
	assert.Equal(t, int64(678), int64(ts.Nanosecond())/int64(time.Millisecond))
}
