package wire

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// Conn is a framed connection. It is not safe for concurrent use by two
// in-flight operations; callers check it out exclusively from a Pool or
// dial it privately.
type Conn struct {
	nc        net.Conn
	br        *bufio.Reader
	opTimeout time.Duration
}

// Dial opens a framed connection.
func Dial(addr string, dialTimeout, opTimeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, &domain.ProtocolError{Op: "dial", Detail: "cannot connect to " + addr, Err: err}
	}
	return NewConn(nc, opTimeout), nil
}

// NewConn wraps an established network connection.
func NewConn(nc net.Conn, opTimeout time.Duration) *Conn {
	return &Conn{nc: nc, br: bufio.NewReaderSize(nc, 32*1024), opTimeout: opTimeout}
}

// Send writes one framed message.
func (c *Conn) Send(frame []byte) error {
	if c.opTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.opTimeout))
	}
	if _, err := c.nc.Write(frame); err != nil {
		return &domain.ProtocolError{Op: "send", Detail: "write failed", Err: err}
	}
	return nil
}

// ReadMessage reads one framed message, returning its header and body.
func (c *Conn) ReadMessage() (Header, []byte, error) {
	if c.opTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.opTimeout))
	}
	return ReadMessage(c.br)
}

// ReadReply reads a reply and checks it answers the given request.
func (c *Conn) ReadReply(requestID int32) (*Reply, error) {
	header, body, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if header.OpCode != OpReply {
		return nil, &domain.ProtocolError{Op: "reply", Detail: "unexpected message type"}
	}
	if header.ResponseTo != requestID {
		return nil, &domain.ProtocolError{Op: "reply", Detail: "reply answers a different request"}
	}
	return ParseReply(body)
}

// Roundtrip sends a frame and reads the matching reply.
func (c *Conn) Roundtrip(frame []byte, requestID int32) (*Reply, error) {
	if err := c.Send(frame); err != nil {
		return nil, err
	}
	return c.ReadReply(requestID)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// ReadMessage reads one framed message from a buffered reader. Frames
// longer than the message ceiling are rejected without being read.
func ReadMessage(br *bufio.Reader) (Header, []byte, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(br, raw[:]); err != nil {
		return Header{}, nil, &domain.ProtocolError{Op: "read", Detail: "cannot read message header", Err: err}
	}
	header := parseHeader(raw[:])
	if header.MessageLength < HeaderSize || header.MessageLength > MaxMessageBytes {
		return Header{}, nil, &domain.ProtocolError{Op: "read", Detail: "message length out of range"}
	}
	body := make([]byte, header.MessageLength-HeaderSize)
	if _, err := io.ReadFull(br, body); err != nil {
		return Header{}, nil, &domain.ProtocolError{Op: "read", Detail: "cannot read message body", Err: err}
	}
	return header, body, nil
}
