package client

import (
	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/adfharrison1/go-docstore/pkg/wire"
)

// Cursor iterates over the results of a query. The first batch arrives
// with the query reply; further batches are fetched lazily when the
// buffer runs dry, on the same connection, until the server reports a
// zero cursor id.
type Cursor struct {
	conn     *wire.Conn
	release  func(broken bool)
	registry *codec.Registry
	fullName string
	batch    [][]byte
	pos      int
	cursorID int64
	err      error
	closed   bool
}

// Next decodes the next result into out, which is a pointer to a
// registered struct, a *domain.Document or a **domain.Document. It
// returns false when the cursor is exhausted or has failed; check Err
// to tell the two apart.
func (cur *Cursor) Next(out interface{}) (bool, error) {
	if cur.err != nil || cur.closed {
		return false, cur.err
	}
	if cur.pos >= len(cur.batch) {
		if cur.cursorID == 0 {
			cur.finish(false)
			return false, nil
		}
		if err := cur.fetchMore(); err != nil {
			return false, err
		}
		if cur.pos >= len(cur.batch) {
			cur.finish(false)
			return false, nil
		}
	}
	raw := cur.batch[cur.pos]
	cur.pos++
	if err := cur.registry.Unmarshal(raw, out); err != nil {
		cur.fail(err, false)
		return false, err
	}
	return true, nil
}

// fetchMore pulls the next batch for a live server-side cursor.
func (cur *Cursor) fetchMore() error {
	reqID := wire.NextRequestID()
	frame, err := wire.GetMoreFrame(reqID, cur.fullName, 0, cur.cursorID)
	if err != nil {
		cur.fail(err, false)
		return err
	}
	reply, err := cur.conn.Roundtrip(frame, reqID)
	if err != nil {
		// one retry for a stalled fetch, then give up
		reqID = wire.NextRequestID()
		frame, ferr := wire.GetMoreFrame(reqID, cur.fullName, 0, cur.cursorID)
		if ferr != nil {
			cur.fail(ferr, true)
			return ferr
		}
		if reply, err = cur.conn.Roundtrip(frame, reqID); err != nil {
			cur.fail(err, true)
			return err
		}
	}
	if reply.CursorNotFound() {
		err := &domain.ProtocolError{Op: "getmore", Detail: "cursor no longer exists on the server"}
		cur.cursorID = 0
		cur.fail(err, false)
		return err
	}
	cur.batch = reply.Docs
	cur.pos = 0
	cur.cursorID = reply.CursorID
	return nil
}

// Err returns the first error the cursor hit, if any.
func (cur *Cursor) Err() error { return cur.err }

// Close releases the cursor's connection. Abandoning a live server-side
// cursor sends a best-effort kill first so the server can reclaim it.
// Close is idempotent.
func (cur *Cursor) Close() error {
	cur.finish(false)
	return cur.err
}

func (cur *Cursor) fail(err error, broken bool) {
	cur.err = err
	cur.finish(broken)
}

func (cur *Cursor) finish(broken bool) {
	if cur.closed {
		return
	}
	cur.closed = true
	if cur.cursorID != 0 && !broken {
		if frame, err := wire.KillCursorsFrame(wire.NextRequestID(), []int64{cur.cursorID}); err == nil {
			if err := cur.conn.Send(frame); err != nil {
				broken = true
			}
		}
		cur.cursorID = 0
	}
	cur.release(broken)
}
