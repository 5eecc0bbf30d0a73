// Package client is the wire protocol driver: it frames operations,
// assigns identifiers before insertion, inspects write acknowledgements
// in strict mode, and reassembles oversized result sets through cursor
// continuation.
package client

import (
	"errors"
	"reflect"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/adfharrison1/go-docstore/pkg/ident"
	"github.com/adfharrison1/go-docstore/pkg/wire"
)

// Client is a logical connection to one database on one server. It is
// safe for concurrent use; physical connections are checked out
// exclusively per in-flight operation sequence.
type Client struct {
	addr        string
	db          string
	strict      bool
	pooled      bool
	poolLimit   int
	dialTimeout time.Duration
	opTimeout   time.Duration
	registry    *codec.Registry
	strategies  map[reflect.Type]ident.Strategy

	pool *wire.Pool
}

// Option configures a Client.
type Option func(*Client)

// WithDatabase sets the database name operations run against.
func WithDatabase(name string) Option {
	return func(c *Client) { c.db = name }
}

// WithStrictMode toggles fetching and inspecting the server's write
// acknowledgement. Enabled by default; disabling skips the round trip and
// makes write errors unobservable.
func WithStrictMode(enabled bool) Option {
	return func(c *Client) { c.strict = enabled }
}

// WithPooling toggles the connection pool. Disabled, every operation
// dials and closes its own connection.
func WithPooling(enabled bool) Option {
	return func(c *Client) { c.pooled = enabled }
}

// WithPoolLimit caps concurrently open pooled connections.
func WithPoolLimit(n int) Option {
	return func(c *Client) { c.poolLimit = n }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithOpTimeout bounds individual reads and writes on the wire.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Client) { c.opTimeout = d }
}

// WithRegistry substitutes the type-mapping registry.
func WithRegistry(r *codec.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithStrategy binds an identifier strategy to the sample's entity type.
// Binding is a setup-phase concern; it is not safe to call concurrently
// with operations.
func WithStrategy(sample interface{}, s ident.Strategy) Option {
	return func(c *Client) {
		t := reflect.TypeOf(sample)
		for t != nil && t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		c.strategies[t] = s
	}
}

// Dial creates a client for the given address. Connections are opened
// lazily on first use.
func Dial(addr string, options ...Option) (*Client, error) {
	c := &Client{
		addr:        addr,
		db:          "test",
		strict:      true,
		pooled:      true,
		poolLimit:   16,
		dialTimeout: 10 * time.Second,
		opTimeout:   30 * time.Second,
		registry:    codec.Default(),
		strategies:  make(map[reflect.Type]ident.Strategy),
	}
	for _, option := range options {
		option(c)
	}
	if c.pooled {
		c.pool = wire.NewPool(func(addr string) (*wire.Conn, error) {
			return wire.Dial(addr, c.dialTimeout, c.opTimeout)
		}, c.poolLimit)
	}
	return c, nil
}

// Close releases pooled connections.
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Database returns the database name the client operates on.
func (c *Client) Database() string { return c.db }

// Collection returns a handle on the named collection.
func (c *Client) Collection(name string) *Collection {
	return &Collection{client: c, name: name}
}

// acquireConn checks a connection out for exclusive use. The release
// function must be called on every exit path; broken marks the
// connection unusable.
func (c *Client) acquireConn() (*wire.Conn, func(broken bool), error) {
	if c.pool != nil {
		conn, err := c.pool.Get(c.addr)
		if err != nil {
			return nil, nil, err
		}
		return conn, func(broken bool) { c.pool.Put(c.addr, conn, broken) }, nil
	}
	conn, err := wire.Dial(c.addr, c.dialTimeout, c.opTimeout)
	if err != nil {
		return nil, nil, err
	}
	return conn, func(bool) { conn.Close() }, nil
}

// lastError fetches the write acknowledgement on the same connection the
// write went out on. A server-reported error comes back as *ServerError.
func (c *Client) lastError(conn *wire.Conn) (*domain.Document, error) {
	doc, err := c.runCommandOn(conn, domain.Doc("getlasterror", int32(1)))
	if err != nil {
		return nil, err
	}
	if msg, ok := doc.Get("err"); ok && msg != nil {
		serr := &domain.ServerError{Message: msg.(string)}
		if code, ok := doc.Get("code"); ok {
			if n, ok := domain.ToFloat64(code); ok {
				serr.Code = int(n)
			}
		}
		return doc, serr
	}
	return doc, nil
}

// RunCommand sends a raw framed command to the database's command
// namespace and returns its single reply document. Administrative
// operations outside this core ride on this primitive.
func (c *Client) RunCommand(cmd *domain.Document) (*domain.Document, error) {
	conn, release, err := c.acquireConn()
	if err != nil {
		return nil, err
	}
	doc, err := c.runCommandOn(conn, cmd)
	release(err != nil && isConnBroken(err))
	return doc, err
}

func (c *Client) runCommandOn(conn *wire.Conn, cmd *domain.Document) (*domain.Document, error) {
	raw, err := codec.Encode(cmd)
	if err != nil {
		return nil, err
	}
	reqID := wire.NextRequestID()
	frame, err := wire.QueryFrame(reqID, c.db+".$cmd", 0, -1, raw, nil)
	if err != nil {
		return nil, err
	}
	reply, err := conn.Roundtrip(frame, reqID)
	if err != nil {
		return nil, err
	}
	if len(reply.Docs) == 0 {
		return nil, &domain.ProtocolError{Op: "command", Detail: "empty command reply"}
	}
	doc, err := codec.Decode(reply.Docs[0])
	if err != nil {
		return nil, err
	}
	if reply.QueryFailure() {
		msg := "command failed"
		if v, ok := doc.Get("$err"); ok {
			if s, ok := v.(string); ok {
				msg = s
			}
		}
		return nil, &domain.ServerError{Message: msg}
	}
	return doc, nil
}

// ReserveSequence atomically reserves the next value of the collection's
// integer sequence from its counter document. It implements
// ident.Reserver; bind a SequenceStrategy over it to get auto-increment
// identifiers.
func (c *Client) ReserveSequence(collection string) (int64, error) {
	conn, release, err := c.acquireConn()
	if err != nil {
		return 0, err
	}
	broken := false
	defer func() { release(broken) }()

	selector, err := codec.Encode(domain.Doc("_id", collection))
	if err != nil {
		return 0, err
	}
	update, err := codec.Encode(domain.Doc("$inc", domain.Doc("seq", int64(1))))
	if err != nil {
		return 0, err
	}
	frame, err := wire.UpdateFrame(wire.NextRequestID(), c.db+".counters", selector, update, true, false)
	if err != nil {
		return 0, err
	}
	if err := conn.Send(frame); err != nil {
		broken = true
		return 0, err
	}
	// The acknowledgement is always awaited here: the read-back below
	// must observe this increment.
	if _, err := c.lastError(conn); err != nil {
		broken = isConnBroken(err)
		return 0, err
	}

	reqID := wire.NextRequestID()
	queryFrame, err := wire.QueryFrame(reqID, c.db+".counters", 0, 1, selector, nil)
	if err != nil {
		return 0, err
	}
	reply, err := conn.Roundtrip(queryFrame, reqID)
	if err != nil {
		broken = true
		return 0, err
	}
	if len(reply.Docs) == 0 {
		return 0, &domain.ProtocolError{Op: "reserve", Detail: "counter document missing after increment"}
	}
	doc, err := codec.Decode(reply.Docs[0])
	if err != nil {
		return 0, err
	}
	seq, ok := doc.Get("seq")
	if !ok {
		return 0, &domain.ProtocolError{Op: "reserve", Detail: "counter document has no seq field"}
	}
	n, ok := domain.ToFloat64(seq)
	if !ok {
		return 0, &domain.ProtocolError{Op: "reserve", Detail: "counter seq is not numeric"}
	}
	return int64(n), nil
}

// strategyFor resolves the identifier strategy bound to the entity's
// type. Unbound types default to generated ObjectIds when the identifier
// field can hold one, and to caller-supplied values otherwise.
func (c *Client) strategyFor(entity interface{}) ident.Strategy {
	t := reflect.TypeOf(entity)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if s, ok := c.strategies[t]; ok {
		return s
	}
	return &defaultStrategy{registry: c.registry}
}

// defaultStrategy generates ObjectIds for ObjectId-typed identifier
// fields and untyped documents, and passes caller-supplied scalars
// through untouched.
type defaultStrategy struct {
	registry *codec.Registry
}

var objectIdType = reflect.TypeOf(domain.ObjectId{})

func (s *defaultStrategy) EnsureIdentifier(collection string, entity interface{}) (interface{}, bool, error) {
	if _, ok := entity.(*domain.Document); ok {
		gen := &ident.ObjectIdStrategy{Registry: s.registry}
		return gen.EnsureIdentifier(collection, entity)
	}
	ft, ok := s.registry.IdentifierFieldType(entity)
	if !ok {
		return nil, false, nil
	}
	if ft == objectIdType || ft.Kind() == reflect.Interface || (ft.Kind() == reflect.Ptr && ft.Elem() == objectIdType) {
		gen := &ident.ObjectIdStrategy{Registry: s.registry}
		return gen.EnsureIdentifier(collection, entity)
	}
	current, _, err := s.registry.IdentifierOf(entity)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// isConnBroken reports whether an error means the checked-out connection
// can no longer be reused.
func isConnBroken(err error) bool {
	var perr *domain.ProtocolError
	if errors.As(err, &perr) {
		return perr.Err != nil || perr.Op == "send" || perr.Op == "read" || perr.Op == "reply"
	}
	return false
}
