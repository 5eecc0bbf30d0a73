package server

import (
	"fmt"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/adfharrison1/go-docstore/pkg/wire"
)

// handleCommand answers a `$cmd` query. The first field names the
// command; the reply is always a single document.
func (s *Server) handleCommand(conn *wire.Conn, state *connState, header wire.Header, db string, msg *wire.Query) error {
	cmd, err := codec.Decode(msg.Predicate)
	if err != nil {
		return s.replyError(conn, header, err)
	}
	if cmd.Len() == 0 {
		return s.commandReply(conn, header, domain.Doc("ok", int32(0), "errmsg", "empty command"))
	}
	name := cmd.Keys()[0]
	arg, _ := cmd.Get(name)

	switch name {
	case "getlasterror", "getLastError":
		return s.commandReply(conn, header, state.lastError)
	case "ping":
		return s.commandReply(conn, header, domain.Doc("ok", int32(1)))
	case "count":
		collName, ok := arg.(string)
		if !ok {
			return s.commandReply(conn, header, domain.Doc("ok", int32(0), "errmsg", "count needs a collection name"))
		}
		selector := domain.NewDocument()
		if q, ok := cmd.Get("query"); ok {
			if qd, ok := q.(*domain.Document); ok {
				selector = qd
			}
		}
		n, err := s.engine.Count(db+"."+collName, selector)
		if err != nil {
			return s.commandReply(conn, header, domain.Doc("ok", int32(0), "errmsg", err.Error()))
		}
		return s.commandReply(conn, header, domain.Doc("ok", int32(1), "n", int64(n)))
	case "drop":
		collName, ok := arg.(string)
		if !ok {
			return s.commandReply(conn, header, domain.Doc("ok", int32(0), "errmsg", "drop needs a collection name"))
		}
		if !s.engine.Drop(db + "." + collName) {
			return s.commandReply(conn, header, domain.Doc("ok", int32(0), "errmsg", "ns not found"))
		}
		return s.commandReply(conn, header, domain.Doc("ok", int32(1)))
	case "dropDatabase":
		dropped := s.engine.DropDatabase(db)
		return s.commandReply(conn, header, domain.Doc("ok", int32(1), "dropped", int32(dropped)))
	default:
		return s.commandReply(conn, header, domain.Doc("ok", int32(0), "errmsg", fmt.Sprintf("no such command: %s", name)))
	}
}

func (s *Server) commandReply(conn *wire.Conn, header wire.Header, doc *domain.Document) error {
	raw, err := codec.Encode(doc)
	if err != nil {
		return err
	}
	return s.reply(conn, header, 0, 0, 0, [][]byte{raw})
}
