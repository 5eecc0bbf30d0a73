package server

import (
	"strings"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/adfharrison1/go-docstore/pkg/wire"
)

// serverCursor is the server half of a partial result set: documents
// already selected but not yet shipped.
type serverCursor struct {
	fullName string
	pending  [][]byte
	returned int32
}

// replyBudget caps the document payload of one reply so the framed
// message stays under the wire ceiling.
const replyBudget = wire.MaxDocumentBytes

// nextBatch takes documents off the front of the pending list, splitting
// only on whole-document boundaries. At least one document is returned
// even when it alone exceeds the budget; batchSize caps the count when
// positive.
func (c *serverCursor) nextBatch(batchSize int32) [][]byte {
	var batch [][]byte
	total := 0
	for len(c.pending) > 0 {
		doc := c.pending[0]
		if len(batch) > 0 {
			if total+len(doc) > replyBudget {
				break
			}
			if batchSize > 0 && int32(len(batch)) >= batchSize {
				break
			}
		}
		batch = append(batch, doc)
		total += len(doc)
		c.pending = c.pending[1:]
	}
	c.returned += int32(len(batch))
	return batch
}

func (s *Server) handleQuery(conn *wire.Conn, state *connState, header wire.Header, msg *wire.Query) error {
	if db, ok := strings.CutSuffix(msg.FullName, ".$cmd"); ok {
		return s.handleCommand(conn, state, header, db, msg)
	}

	predicate, err := codec.Decode(msg.Predicate)
	if err != nil {
		return s.replyError(conn, header, err)
	}
	var projection *domain.Document
	if msg.Projection != nil {
		projection, err = codec.Decode(msg.Projection)
		if err != nil {
			return s.replyError(conn, header, err)
		}
	}

	docs, err := s.engine.Find(msg.FullName, predicate, projection, msg.Skip, msg.Limit)
	if err != nil {
		return s.replyError(conn, header, err)
	}
	encoded := make([][]byte, 0, len(docs))
	for _, doc := range docs {
		raw, err := codec.Encode(doc)
		if err != nil {
			return s.replyError(conn, header, err)
		}
		encoded = append(encoded, raw)
	}

	cursor := &serverCursor{fullName: msg.FullName, pending: encoded}
	batch := cursor.nextBatch(0)
	var cursorID int64
	if len(cursor.pending) > 0 {
		cursorID = s.storeCursor(cursor)
	}
	return s.reply(conn, header, 0, cursorID, 0, batch)
}

func (s *Server) handleGetMore(conn *wire.Conn, header wire.Header, msg *wire.GetMore) error {
	s.mu.Lock()
	cursor, exists := s.cursors[msg.CursorID]
	s.mu.Unlock()
	if !exists {
		return s.reply(conn, header, wire.ReplyCursorNotFound, 0, 0, nil)
	}

	startingFrom := cursor.returned
	batch := cursor.nextBatch(msg.BatchSize)
	cursorID := msg.CursorID
	if len(cursor.pending) == 0 {
		s.killCursors([]int64{msg.CursorID})
		cursorID = 0
	}
	return s.reply(conn, header, 0, cursorID, startingFrom, batch)
}

func (s *Server) storeCursor(cursor *serverCursor) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursorID++
	id := s.cursorID
	s.cursors[id] = cursor
	return id
}

func (s *Server) killCursors(ids []int64) {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.cursors, id)
	}
	s.mu.Unlock()
}

// CursorCount returns the number of live server-side cursors.
func (s *Server) CursorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

func (s *Server) reply(conn *wire.Conn, header wire.Header, flags int32, cursorID int64, startingFrom int32, docs [][]byte) error {
	frame, err := wire.ReplyFrame(wire.NextRequestID(), header.RequestID, flags, cursorID, startingFrom, docs)
	if err != nil {
		return err
	}
	return conn.Send(frame)
}

func (s *Server) replyError(conn *wire.Conn, header wire.Header, cause error) error {
	doc := domain.Doc("$err", cause.Error(), "ok", int32(0))
	raw, err := codec.Encode(doc)
	if err != nil {
		return err
	}
	return s.reply(conn, header, wire.ReplyQueryFailure, 0, 0, [][]byte{raw})
}
