// Package server exposes a storage.Engine over the binary wire protocol.
// It exists for the bundled server binary and for driver integration
// tests, which need a real endpoint speaking the protocol.
package server

import (
	"errors"
	"log"
	"net"
	"sync"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/adfharrison1/go-docstore/pkg/storage"
	"github.com/adfharrison1/go-docstore/pkg/wire"
)

// Server accepts wire-protocol connections and dispatches operations to
// the storage engine.
type Server struct {
	engine *storage.Engine

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	cursors  map[int64]*serverCursor
	cursorID int64
}

// New creates a server over the given engine.
func New(engine *storage.Engine) *Server {
	return &Server{
		engine:  engine,
		conns:   make(map[net.Conn]struct{}),
		cursors: make(map[int64]*serverCursor),
	}
}

// Engine returns the underlying storage engine.
func (s *Server) Engine() *storage.Engine { return s.engine }

// Listen binds the address and starts accepting in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, for callers that listened on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.Printf("ERROR: Accept failed: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[nc] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// connState carries per-connection write acknowledgement state for
// getLastError.
type connState struct {
	lastError *domain.Document
}

func okLastError(n int) *domain.Document {
	return domain.Doc("ok", int32(1), "err", nil, "n", int32(n))
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		nc.Close()
	}()

	conn := wire.NewConn(nc, 0)
	state := &connState{lastError: okLastError(0)}
	for {
		header, body, err := conn.ReadMessage()
		if err != nil {
			var perr *domain.ProtocolError
			if errors.As(err, &perr) && perr.Err != nil {
				return // connection closed
			}
			log.Printf("WARN: Dropping connection: %v", err)
			return
		}
		if err := s.dispatch(conn, state, header, body); err != nil {
			log.Printf("WARN: Dropping connection after dispatch error: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(conn *wire.Conn, state *connState, header wire.Header, body []byte) error {
	switch header.OpCode {
	case wire.OpInsert:
		msg, err := wire.ParseInsert(body)
		if err != nil {
			return err
		}
		s.handleInsert(state, msg)
		return nil
	case wire.OpUpdate:
		msg, err := wire.ParseUpdate(body)
		if err != nil {
			return err
		}
		s.handleUpdate(state, msg)
		return nil
	case wire.OpDelete:
		msg, err := wire.ParseDelete(body)
		if err != nil {
			return err
		}
		s.handleDelete(state, msg)
		return nil
	case wire.OpQuery:
		msg, err := wire.ParseQuery(body)
		if err != nil {
			return err
		}
		return s.handleQuery(conn, state, header, msg)
	case wire.OpGetMore:
		msg, err := wire.ParseGetMore(body)
		if err != nil {
			return err
		}
		return s.handleGetMore(conn, header, msg)
	case wire.OpKillCursors:
		msg, err := wire.ParseKillCursors(body)
		if err != nil {
			return err
		}
		s.killCursors(msg.CursorIDs)
		return nil
	default:
		return &domain.ProtocolError{Op: "dispatch", Detail: "unexpected message type"}
	}
}

func (s *Server) handleInsert(state *connState, msg *wire.Insert) {
	inserted := 0
	for _, raw := range msg.Docs {
		doc, err := codec.Decode(raw)
		if err != nil {
			state.lastError = domain.Doc("ok", int32(1), "err", err.Error(), "n", int32(inserted))
			return
		}
		if err := s.engine.Insert(msg.FullName, doc); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				state.lastError = domain.Doc(
					"ok", int32(1),
					"err", "E11000 duplicate key error: "+err.Error(),
					"code", int32(11000),
					"n", int32(inserted),
				)
			} else {
				state.lastError = domain.Doc("ok", int32(1), "err", err.Error(), "n", int32(inserted))
			}
			if !msg.ContinueOnError {
				return
			}
			continue
		}
		inserted++
	}
	if inserted == len(msg.Docs) {
		state.lastError = okLastError(inserted)
	}
}

func (s *Server) handleUpdate(state *connState, msg *wire.Update) {
	selector, err := codec.Decode(msg.Selector)
	if err != nil {
		state.lastError = domain.Doc("ok", int32(1), "err", err.Error(), "n", int32(0))
		return
	}
	update, err := codec.Decode(msg.Update)
	if err != nil {
		state.lastError = domain.Doc("ok", int32(1), "err", err.Error(), "n", int32(0))
		return
	}
	result, err := s.engine.Update(msg.FullName, selector, update, msg.Upsert, msg.Multi)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			state.lastError = domain.Doc(
				"ok", int32(1),
				"err", "E11000 duplicate key error: "+err.Error(),
				"code", int32(11000),
				"n", int32(0),
			)
			return
		}
		state.lastError = domain.Doc("ok", int32(1), "err", err.Error(), "n", int32(0))
		return
	}
	n := result.Matched
	last := domain.Doc("ok", int32(1), "err", nil)
	if result.UpsertedID != nil {
		n = 1
		last.Set("upserted", result.UpsertedID)
	}
	last.Set("updatedExisting", result.UpdatedExisting)
	last.Set("n", int32(n))
	state.lastError = last
}

func (s *Server) handleDelete(state *connState, msg *wire.Delete) {
	selector, err := codec.Decode(msg.Selector)
	if err != nil {
		state.lastError = domain.Doc("ok", int32(1), "err", err.Error(), "n", int32(0))
		return
	}
	removed, err := s.engine.Delete(msg.FullName, selector)
	if err != nil {
		state.lastError = domain.Doc("ok", int32(1), "err", err.Error(), "n", int32(0))
		return
	}
	state.lastError = okLastError(removed)
}
