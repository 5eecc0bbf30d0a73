package client

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/adfharrison1/go-docstore/pkg/wire"
)

// ErrNotFound is returned by One when the query matches nothing.
var ErrNotFound = errors.New("client: not found")

// Query is a lazy find. Nothing goes over the wire until Iter, All or
// One executes it.
type Query struct {
	col        *Collection
	selector   *domain.Document
	projection *domain.Document
	skip       int32
	limit      int32
	err        error
}

// Find builds a query over the collection. The selector is nil (match
// everything), a *domain.Document or a *query.Predicate.
func (col *Collection) Find(selector interface{}) *Query {
	sel, err := selectorDoc(selector)
	return &Query{col: col, selector: sel, err: err}
}

// FindOne executes the query immediately and decodes the first match.
func (col *Collection) FindOne(selector, out interface{}) error {
	return col.Find(selector).One(out)
}

// Select restricts the result documents to the named fields. The
// identifier field is always included.
func (q *Query) Select(fields ...string) *Query {
	proj := domain.NewDocument()
	for _, f := range fields {
		proj.Set(f, int32(1))
	}
	q.projection = proj
	return q
}

// Skip discards the first n matches.
func (q *Query) Skip(n int) *Query {
	q.skip = int32(n)
	return q
}

// Limit caps the number of returned documents.
func (q *Query) Limit(n int) *Query {
	q.limit = int32(n)
	return q
}

// Iter executes the query and returns a cursor over its results. The
// cursor holds a connection until it is exhausted or closed.
func (q *Query) Iter() (*Cursor, error) {
	if q.err != nil {
		return nil, q.err
	}
	rawSel, err := codec.Encode(q.selector)
	if err != nil {
		return nil, err
	}
	var rawProj []byte
	if q.projection != nil {
		if rawProj, err = codec.Encode(q.projection); err != nil {
			return nil, err
		}
	}

	conn, release, err := q.col.client.acquireConn()
	if err != nil {
		return nil, err
	}
	reqID := wire.NextRequestID()
	frame, err := wire.QueryFrame(reqID, q.col.fullName(), q.skip, q.limit, rawSel, rawProj)
	if err != nil {
		release(false)
		return nil, err
	}
	reply, err := conn.Roundtrip(frame, reqID)
	if err != nil {
		release(isConnBroken(err))
		return nil, err
	}
	if reply.QueryFailure() {
		release(false)
		return nil, queryFailureError(reply)
	}
	return &Cursor{
		conn:     conn,
		release:  release,
		registry: q.col.client.registry,
		fullName: q.col.fullName(),
		batch:    reply.Docs,
		cursorID: reply.CursorID,
	}, nil
}

// All executes the query and decodes every result into out, which must
// be a pointer to a slice.
func (q *Query) All(out interface{}) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("client: All needs a pointer to a slice, got %T", out)
	}
	cur, err := q.Iter()
	if err != nil {
		return err
	}
	defer cur.Close()

	slice := rv.Elem()
	slice.SetLen(0)
	elemType := slice.Type().Elem()
	for {
		elem := reflect.New(elemType)
		ok, err := cur.Next(elem.Interface())
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		slice = reflect.Append(slice, elem.Elem())
	}
	rv.Elem().Set(slice)
	return cur.Err()
}

// One executes the query and decodes the first result into out,
// returning ErrNotFound when nothing matches.
func (q *Query) One(out interface{}) error {
	q.limit = 1
	cur, err := q.Iter()
	if err != nil {
		return err
	}
	defer cur.Close()

	ok, err := cur.Next(out)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func queryFailureError(reply *wire.Reply) error {
	msg := "query failed"
	if len(reply.Docs) > 0 {
		if doc, err := codec.Decode(reply.Docs[0]); err == nil {
			if v, ok := doc.Get("$err"); ok {
				if s, ok := v.(string); ok {
					msg = s
				}
			}
		}
	}
	return &domain.ServerError{Message: msg}
}
