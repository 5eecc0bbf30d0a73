package wire

import (
	"sync"

	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// DialFunc opens a new connection to an address.
type DialFunc func(addr string) (*Conn, error)

// Pool shares physical connections between logical clients, keyed by
// destination address. Checkout is exclusive: a connection handed out by
// Get carries exactly one in-flight operation sequence until Put returns
// it. Get blocks when every connection for the address is checked out and
// the per-address cap is reached.
type Pool struct {
	dial    DialFunc
	maxOpen int

	mu      sync.Mutex
	buckets map[string]*poolBucket
	closed  bool
}

type poolBucket struct {
	cond *sync.Cond
	idle []*Conn
	open int
}

// NewPool builds a pool. maxOpenPerAddr caps concurrent connections per
// destination; zero or negative means a default of 16.
func NewPool(dial DialFunc, maxOpenPerAddr int) *Pool {
	if maxOpenPerAddr <= 0 {
		maxOpenPerAddr = 16
	}
	return &Pool{dial: dial, maxOpen: maxOpenPerAddr, buckets: make(map[string]*poolBucket)}
}

func (p *Pool) bucket(addr string) *poolBucket {
	if b, exists := p.buckets[addr]; exists {
		return b
	}
	b := &poolBucket{}
	b.cond = sync.NewCond(&p.mu)
	p.buckets[addr] = b
	return b
}

// Get checks out a connection for exclusive use.
func (p *Pool) Get(addr string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &domain.ProtocolError{Op: "pool", Detail: "pool is closed"}
	}
	b := p.bucket(addr)
	for {
		if n := len(b.idle); n > 0 {
			conn := b.idle[n-1]
			b.idle = b.idle[:n-1]
			p.mu.Unlock()
			return conn, nil
		}
		if b.open < p.maxOpen {
			b.open++
			p.mu.Unlock()
			conn, err := p.dial(addr)
			if err != nil {
				p.mu.Lock()
				b.open--
				b.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}
		b.cond.Wait()
		if p.closed {
			p.mu.Unlock()
			return nil, &domain.ProtocolError{Op: "pool", Detail: "pool is closed"}
		}
	}
}

// Put returns a connection. Broken connections are closed and their slot
// freed for a fresh dial.
func (p *Pool) Put(addr string, conn *Conn, broken bool) {
	p.mu.Lock()
	b := p.bucket(addr)
	if broken || p.closed {
		b.open--
		b.cond.Signal()
		p.mu.Unlock()
		conn.Close()
		return
	}
	b.idle = append(b.idle, conn)
	b.cond.Signal()
	p.mu.Unlock()
}

// Close closes every idle connection and fails subsequent Gets. Checked
// out connections are closed as they are returned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	for _, b := range p.buckets {
		for _, conn := range b.idle {
			conn.Close()
			b.open--
		}
		b.idle = nil
		b.cond.Broadcast()
	}
	p.mu.Unlock()
}
