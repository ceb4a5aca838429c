package bridge

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

func addrPort(t *testing.T, conn *net.UDPConn) netip.AddrPort {
	t.Helper()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func shutdown(t *testing.T, b *Bridge, conn *net.UDPConn) {
	t.Helper()
	require.NoError(t, b.Close())
	require.NoError(t, conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	assert.False(t, b.Running())
}

func TestBridgeLoopback(t *testing.T) {
	connA := listenLoopback(t)
	connB := listenLoopback(t)

	a := Start(connA, DefaultConfig(), discardOptions())
	b := Start(connB, Config{OutboundCapacity: 16, InboundCapacity: 16}, discardOptions())
	defer shutdown(t, a, connA)
	defer shutdown(t, b, connB)

	assert.True(t, a.Running())
	assert.Equal(t, connA.LocalAddr(), a.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte("PING"), addrPort(t, connB)))

	d, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(d.Payload))
	assert.Equal(t, addrPort(t, connA), d.Addr)

	// Echo back through the other bridge.
	require.NoError(t, b.Send(ctx, []byte("PONG"), d.Addr))
	d, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(d.Payload))

	// Counters are bumped after the hand-off, so give the workers a moment.
	assert.Eventually(t, func() bool {
		stats := a.Stats()
		return stats.Outbound.Datagrams == 1 && stats.Inbound.Datagrams == 1 && stats.Running
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeOrderedOverLoopback(t *testing.T) {
	connA := listenLoopback(t)
	connB := listenLoopback(t)

	a := Start(connA, DefaultConfig(), discardOptions())
	b := Start(connB, DefaultConfig(), discardOptions())
	defer shutdown(t, a, connA)
	defer shutdown(t, b, connB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A handful of datagrams on loopback; the kernel keeps them in order.
	const n = 32
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(ctx, []byte{byte(i)}, addrPort(t, connB)))
	}
	for i := 0; i < n; i++ {
		d, err := b.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, d.Payload)
	}
}

func TestBridgeCloseStopsBothPumps(t *testing.T) {
	conn := newMockConn()
	b := Start(conn, Config{OutboundCapacity: 1, InboundCapacity: 1}, discardOptions())

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Send(context.Background(), nil, testAddr), ErrClosed)
	_, err := b.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// The outbound pump exits on its own; the inbound pump is parked in a
	// socket read until the socket goes away.
	select {
	case <-b.outbound.Done():
	case <-time.After(time.Second):
		t.Fatal("outbound pump still running after Close")
	}
	assert.True(t, b.Running())

	conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	assert.Nil(t, b.LocalAddr())
}

func TestBridgeWaitHonorsContext(t *testing.T) {
	conn := newMockConn()
	b := Start(conn, DefaultConfig(), discardOptions())
	defer func() {
		b.Close()
		conn.Close()
		require.NoError(t, b.Wait(context.Background()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}
