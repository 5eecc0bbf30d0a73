package wire

import (
	"encoding/binary"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// Insert is a decoded insert operation.
type Insert struct {
	FullName        string
	ContinueOnError bool
	Docs            [][]byte
}

// Update is a decoded update operation.
type Update struct {
	FullName string
	Upsert   bool
	Multi    bool
	Selector []byte
	Update   []byte
}

// Delete is a decoded delete operation.
type Delete struct {
	FullName string
	Selector []byte
}

// Query is a decoded query operation.
type Query struct {
	FullName   string
	Skip       int32
	Limit      int32
	Predicate  []byte
	Projection []byte // nil when no field selector was sent
}

// GetMore is a decoded cursor continuation request.
type GetMore struct {
	FullName  string
	BatchSize int32
	CursorID  int64
}

// KillCursors is a decoded cursor-release notification.
type KillCursors struct {
	CursorIDs []int64
}

// Reply is a decoded server reply. Docs hold the raw encoded documents;
// callers decode them lazily.
type Reply struct {
	Flags        int32
	CursorID     int64
	StartingFrom int32
	Docs         [][]byte
}

// CursorNotFound reports whether the reply flags the requested cursor as
// already dead on the server.
func (r *Reply) CursorNotFound() bool { return r.Flags&ReplyCursorNotFound != 0 }

// QueryFailure reports whether the reply flags the query as failed; the
// single document then describes the error.
func (r *Reply) QueryFailure() bool { return r.Flags&ReplyQueryFailure != 0 }

type reader struct {
	op   string
	data []byte
	err  error
}

func (r *reader) fail(detail string) {
	if r.err == nil {
		r.err = &domain.ProtocolError{Op: r.op, Detail: detail}
	}
}

func (r *reader) int32() int32 {
	if r.err != nil {
		return 0
	}
	if len(r.data) < 4 {
		r.fail("truncated message")
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.data[:4]))
	r.data = r.data[4:]
	return v
}

func (r *reader) int64() int64 {
	if r.err != nil {
		return 0
	}
	if len(r.data) < 8 {
		r.fail("truncated message")
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.data[:8]))
	r.data = r.data[8:]
	return v
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	for i, b := range r.data {
		if b == 0 {
			s := string(r.data[:i])
			r.data = r.data[i+1:]
			return s
		}
	}
	r.fail("unterminated collection name")
	return ""
}

// doc slices one length-prefixed document without decoding it.
func (r *reader) doc() []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < 5 {
		r.fail("truncated document")
		return nil
	}
	n := int(int32(binary.LittleEndian.Uint32(r.data[:4])))
	if n < 5 || n > len(r.data) {
		r.fail("document length does not fit message")
		return nil
	}
	doc := r.data[:n]
	r.data = r.data[n:]
	return doc
}

// ParseInsert decodes an insert body (the bytes after the header).
func ParseInsert(body []byte) (*Insert, error) {
	r := &reader{op: "insert", data: body}
	flags := r.int32()
	msg := &Insert{
		FullName:        r.cstring(),
		ContinueOnError: flags&insertContinueOnError != 0,
	}
	for r.err == nil && len(r.data) > 0 {
		msg.Docs = append(msg.Docs, r.doc())
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(msg.Docs) == 0 {
		return nil, &domain.ProtocolError{Op: "insert", Detail: "insert carries no documents"}
	}
	return msg, nil
}

// ParseUpdate decodes an update body.
func ParseUpdate(body []byte) (*Update, error) {
	r := &reader{op: "update", data: body}
	r.int32() // reserved
	msg := &Update{FullName: r.cstring()}
	flags := r.int32()
	msg.Upsert = flags&updateUpsert != 0
	msg.Multi = flags&updateMulti != 0
	msg.Selector = r.doc()
	msg.Update = r.doc()
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// ParseDelete decodes a delete body.
func ParseDelete(body []byte) (*Delete, error) {
	r := &reader{op: "delete", data: body}
	r.int32() // reserved
	msg := &Delete{FullName: r.cstring()}
	r.int32() // flags
	msg.Selector = r.doc()
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// ParseQuery decodes a query body.
func ParseQuery(body []byte) (*Query, error) {
	r := &reader{op: "query", data: body}
	r.int32() // flags
	msg := &Query{FullName: r.cstring()}
	msg.Skip = r.int32()
	msg.Limit = r.int32()
	msg.Predicate = r.doc()
	if r.err == nil && len(r.data) > 0 {
		msg.Projection = r.doc()
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// ParseGetMore decodes a cursor continuation body.
func ParseGetMore(body []byte) (*GetMore, error) {
	r := &reader{op: "getmore", data: body}
	r.int32() // reserved
	msg := &GetMore{FullName: r.cstring()}
	msg.BatchSize = r.int32()
	msg.CursorID = r.int64()
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// ParseKillCursors decodes a cursor-release body.
func ParseKillCursors(body []byte) (*KillCursors, error) {
	r := &reader{op: "killcursors", data: body}
	r.int32() // reserved
	n := r.int32()
	if r.err == nil && (n < 0 || int(n)*8 != len(r.data)) {
		r.fail("cursor id count does not match message length")
	}
	msg := &KillCursors{}
	for i := int32(0); r.err == nil && i < n; i++ {
		msg.CursorIDs = append(msg.CursorIDs, r.int64())
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// ParseReply decodes a reply body.
func ParseReply(body []byte) (*Reply, error) {
	r := &reader{op: "reply", data: body}
	msg := &Reply{
		Flags:        r.int32(),
		CursorID:     r.int64(),
		StartingFrom: r.int32(),
	}
	n := r.int32()
	for i := int32(0); r.err == nil && i < n; i++ {
		msg.Docs = append(msg.Docs, r.doc())
	}
	if r.err == nil && len(r.data) != 0 {
		r.fail("trailing bytes after reply documents")
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}
