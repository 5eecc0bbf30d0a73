package wire

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer counts dials and hands out pipe-backed connections.
type pipeDialer struct {
	dials int32
}

func (d *pipeDialer) dial(addr string) (*Conn, error) {
	atomic.AddInt32(&d.dials, 1)
	client, server := net.Pipe()
	go func() {
		// drain and discard so Close on the client side is clean
		buf := make([]byte, 1024)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return NewConn(client, time.Second), nil
}

func TestPool_ReusesReturnedConnections(t *testing.T) {
	d := &pipeDialer{}
	p := NewPool(d.dial, 4)
	defer p.Close()

	conn, err := p.Get("a:1")
	require.NoError(t, err)
	p.Put("a:1", conn, false)

	again, err := p.Get("a:1")
	require.NoError(t, err)
	p.Put("a:1", again, false)

	assert.Equal(t, conn, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.dials))
}

func TestPool_ExclusiveCheckout(t *testing.T) {
	d := &pipeDialer{}
	p := NewPool(d.dial, 4)
	defer p.Close()

	first, err := p.Get("a:1")
	require.NoError(t, err)
	second, err := p.Get("a:1")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&d.dials))

	p.Put("a:1", first, false)
	p.Put("a:1", second, false)
}

func TestPool_BrokenConnectionsDiscarded(t *testing.T) {
	d := &pipeDialer{}
	p := NewPool(d.dial, 4)
	defer p.Close()

	conn, err := p.Get("a:1")
	require.NoError(t, err)
	p.Put("a:1", conn, true)

	_, err = p.Get("a:1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&d.dials))
}

func TestPool_BlocksAtCap(t *testing.T) {
	d := &pipeDialer{}
	p := NewPool(d.dial, 1)
	defer p.Close()

	held, err := p.Get("a:1")
	require.NoError(t, err)

	released := make(chan *Conn, 1)
	go func() {
		conn, err := p.Get("a:1")
		assert.NoError(t, err)
		released <- conn
	}()

	select {
	case <-released:
		t.Fatal("Get should block while the only connection is checked out")
	case <-time.After(50 * time.Millisecond):
	}

	p.Put("a:1", held, false)

	select {
	case conn := <-released:
		p.Put("a:1", conn, false)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake after Put")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&d.dials))
}

func TestPool_SeparateBucketsPerAddress(t *testing.T) {
	d := &pipeDialer{}
	p := NewPool(d.dial, 1)
	defer p.Close()

	a, err := p.Get("a:1")
	require.NoError(t, err)
	b, err := p.Get("b:1")
	require.NoError(t, err)

	p.Put("a:1", a, false)
	p.Put("b:1", b, false)
	assert.Equal(t, int32(2), atomic.LoadInt32(&d.dials))
}

func TestPool_Close(t *testing.T) {
	d := &pipeDialer{}
	p := NewPool(d.dial, 4)

	conn, err := p.Get("a:1")
	require.NoError(t, err)
	p.Put("a:1", conn, false)

	p.Close()

	_, err = p.Get("a:1")
	assert.Error(t, err)
}
