// Package wire frames document-database operations onto the
// length-prefixed request/response protocol and parses them back. It is
// shared by the client and by the bundled server.
package wire

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// Operation codes.
const (
	OpReply       = 1
	OpUpdate      = 2001
	OpInsert      = 2002
	OpQuery       = 2004
	OpGetMore     = 2005
	OpDelete      = 2006
	OpKillCursors = 2007
)

const (
	// HeaderSize is the fixed message header length.
	HeaderSize = 16
	// MaxDocumentBytes is the single-document size ceiling.
	MaxDocumentBytes = 4 << 20
	// MaxMessageBytes is the single-message size ceiling: one maximal
	// document plus framing headroom.
	MaxMessageBytes = MaxDocumentBytes + 16*1024
)

// Reply response flags.
const (
	ReplyCursorNotFound = 1 << 0
	ReplyQueryFailure   = 1 << 1
)

// Operation flags.
const (
	insertContinueOnError = 1 << 0
	updateUpsert          = 1 << 0
	updateMulti           = 1 << 1
)

// Header is the fixed prefix of every message.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        int32
}

var requestCounter int32

// NextRequestID returns a process-unique request identifier.
func NextRequestID() int32 {
	return atomic.AddInt32(&requestCounter, 1)
}

func parseHeader(data []byte) Header {
	return Header{
		MessageLength: int32(binary.LittleEndian.Uint32(data[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(data[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(data[8:12])),
		OpCode:        int32(binary.LittleEndian.Uint32(data[12:16])),
	}
}

func appendHeader(buf []byte, requestID, responseTo, opCode int32) []byte {
	buf = append(buf, 0, 0, 0, 0) // length patched by finish
	buf = binary.LittleEndian.AppendUint32(buf, uint32(requestID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(responseTo))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(opCode))
	return buf
}

func finishFrame(op string, buf []byte) ([]byte, error) {
	if len(buf) > MaxMessageBytes {
		return nil, &domain.ProtocolError{Op: op, Detail: "message exceeds size ceiling"}
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf, nil
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// InsertFrame frames an insert of pre-encoded documents.
func InsertFrame(requestID int32, fullName string, docs [][]byte, continueOnError bool) ([]byte, error) {
	var flags int32
	if continueOnError {
		flags |= insertContinueOnError
	}
	buf := appendHeader(nil, requestID, 0, OpInsert)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(flags))
	buf = appendCString(buf, fullName)
	for _, doc := range docs {
		if len(doc) > MaxDocumentBytes {
			return nil, &domain.ProtocolError{Op: "insert", Detail: "document exceeds size ceiling"}
		}
		buf = append(buf, doc...)
	}
	return finishFrame("insert", buf)
}

// UpdateFrame frames an update of one selector with one update document.
func UpdateFrame(requestID int32, fullName string, selector, update []byte, upsert, multi bool) ([]byte, error) {
	var flags int32
	if upsert {
		flags |= updateUpsert
	}
	if multi {
		flags |= updateMulti
	}
	buf := appendHeader(nil, requestID, 0, OpUpdate)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // reserved
	buf = appendCString(buf, fullName)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(flags))
	buf = append(buf, selector...)
	buf = append(buf, update...)
	return finishFrame("update", buf)
}

// DeleteFrame frames a delete of every document matching the selector.
func DeleteFrame(requestID int32, fullName string, selector []byte) ([]byte, error) {
	buf := appendHeader(nil, requestID, 0, OpDelete)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // reserved
	buf = appendCString(buf, fullName)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // flags
	buf = append(buf, selector...)
	return finishFrame("delete", buf)
}

// QueryFrame frames a query. A nil projection omits the field selector; a
// zero or negative limit asks for the server's default batch size.
func QueryFrame(requestID int32, fullName string, skip, limit int32, predicate, projection []byte) ([]byte, error) {
	buf := appendHeader(nil, requestID, 0, OpQuery)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // flags
	buf = appendCString(buf, fullName)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(skip))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(limit))
	buf = append(buf, predicate...)
	if projection != nil {
		buf = append(buf, projection...)
	}
	return finishFrame("query", buf)
}

// GetMoreFrame frames a cursor continuation request.
func GetMoreFrame(requestID int32, fullName string, batchSize int32, cursorID int64) ([]byte, error) {
	buf := appendHeader(nil, requestID, 0, OpGetMore)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // reserved
	buf = appendCString(buf, fullName)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(batchSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(cursorID))
	return finishFrame("getmore", buf)
}

// KillCursorsFrame frames a cursor-release notification.
func KillCursorsFrame(requestID int32, cursorIDs []int64) ([]byte, error) {
	buf := appendHeader(nil, requestID, 0, OpKillCursors)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // reserved
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cursorIDs)))
	for _, id := range cursorIDs {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	return finishFrame("killcursors", buf)
}

// ReplyFrame frames a server reply carrying pre-encoded documents.
func ReplyFrame(requestID, responseTo, flags int32, cursorID int64, startingFrom int32, docs [][]byte) ([]byte, error) {
	buf := appendHeader(nil, requestID, responseTo, OpReply)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(flags))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(cursorID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(startingFrom))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(docs)))
	for _, doc := range docs {
		buf = append(buf, doc...)
	}
	return finishFrame("reply", buf)
}
