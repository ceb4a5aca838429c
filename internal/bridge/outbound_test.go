package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/udpbridge/internal/metrics"
)

// stopOutbound closes the producer and waits for the worker to drain and exit.
func stopOutbound(t *testing.T, send *Sender, o *Outbound) {
	t.Helper()
	require.NoError(t, send.Close())
	select {
	case <-o.Done():
	case <-time.After(time.Second):
		t.Fatal("outbound pump did not exit after its queue closed")
	}
}

func TestOutboundPartialWriteCompletes(t *testing.T) {
	conn := newMockConn(writeStep{n: 2}, writeStep{n: 2})
	opts, logs := testOptions()

	send, o := StartOutbound(conn, 4, opts)
	require.NoError(t, send.Send(context.Background(), []byte("PING"), testAddr))
	stopOutbound(t, send, o)

	writes := conn.recordedWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, "PING", string(writes[0].payload))
	assert.Equal(t, "NG", string(writes[1].payload))
	for _, w := range writes {
		assert.Equal(t, testAddr, w.addr)
	}

	assert.NotContains(t, logs.String(), "level=WARN")
	assert.Equal(t, OutboundStats{Datagrams: 1, Bytes: 4, PartialWrites: 1}, o.Stats())
}

func TestOutboundAbandonsDatagramOnError(t *testing.T) {
	conn := newMockConn(writeStep{n: 2}, writeStep{err: errors.New("network unreachable")})
	opts, logs := testOptions()

	send, o := StartOutbound(conn, 4, opts)
	require.NoError(t, send.Send(context.Background(), []byte("PING"), testAddr))
	require.NoError(t, send.Send(context.Background(), []byte("PONG"), testAddr))
	stopOutbound(t, send, o)

	writes := conn.recordedWrites()
	require.Len(t, writes, 3, "the failed remainder must not be retried")
	assert.Equal(t, "PING", string(writes[0].payload))
	assert.Equal(t, "NG", string(writes[1].payload))
	assert.Equal(t, "PONG", string(writes[2].payload))

	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "level=WARN"))
	assert.Contains(t, out, "length=4")
	assert.Contains(t, out, "bytes_sent=2")
	assert.Contains(t, out, "address=127.0.0.1:6881")
	assert.Contains(t, out, "network unreachable")

	stats := o.Stats()
	assert.Equal(t, uint64(1), stats.Datagrams)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, uint64(6), stats.Bytes)
}

func TestOutboundPreservesOrder(t *testing.T) {
	conn := newMockConn()
	send, o := StartOutbound(conn, 8, discardOptions())

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, send.Send(context.Background(), []byte(fmt.Sprintf("datagram-%03d", i)), testAddr))
	}
	stopOutbound(t, send, o)

	writes := conn.recordedWrites()
	require.Len(t, writes, n)
	for i, w := range writes {
		assert.Equal(t, fmt.Sprintf("datagram-%03d", i), string(w.payload))
	}
}

func TestOutboundChunkedWritesStayInDatagram(t *testing.T) {
	conn := newMockConn()
	conn.chunk = 3

	send, o := StartOutbound(conn, 4, discardOptions())
	payloads := []string{"0123456789", "abcdefg", "xy"}
	for _, p := range payloads {
		require.NoError(t, send.Send(context.Background(), []byte(p), testAddr))
	}
	stopOutbound(t, send, o)

	// Reassemble in call order: every datagram must be complete before the
	// next one starts.
	writes := conn.recordedWrites()
	idx := 0
	for _, p := range payloads {
		sent := 0
		for sent < len(p) {
			require.Less(t, idx, len(writes))
			assert.Equal(t, p[sent:], string(writes[idx].payload))
			sent += min(conn.chunk, len(p)-sent)
			idx++
		}
	}
	assert.Equal(t, len(writes), idx)
	assert.Equal(t, uint64(len(payloads)), o.Stats().Datagrams)
}

func TestOutboundEmptyDatagram(t *testing.T) {
	conn := newMockConn()
	send, o := StartOutbound(conn, 1, discardOptions())

	require.NoError(t, send.Send(context.Background(), nil, testAddr))
	stopOutbound(t, send, o)

	require.Len(t, conn.recordedWrites(), 1)
	assert.Equal(t, uint64(1), o.Stats().Datagrams)
}

func TestOutboundZeroWriteIsShortWrite(t *testing.T) {
	conn := newMockConn(writeStep{n: 0})
	opts, logs := testOptions()

	send, o := StartOutbound(conn, 1, opts)
	require.NoError(t, send.Send(context.Background(), []byte("PING"), testAddr))
	stopOutbound(t, send, o)

	require.Len(t, conn.recordedWrites(), 1)
	assert.Contains(t, logs.String(), io.ErrShortWrite.Error())
	assert.Equal(t, uint64(1), o.Stats().Errors)
}

func TestOutboundExitsOnHangup(t *testing.T) {
	conn := newMockConn()
	opts, logs := testOptions()

	send, o := StartOutbound(conn, 1, opts)
	clone := send.Clone()

	require.NoError(t, send.Close())
	select {
	case <-o.Done():
		t.Fatal("pump exited while a producer reference was still open")
	case <-time.After(20 * time.Millisecond):
	}

	stopOutbound(t, clone, o)
	assert.Contains(t, logs.String(), "queue hangup")
	assert.NotContains(t, logs.String(), "level=ERROR")
}

// panicConn blows up on every write.
type panicConn struct{}

func (panicConn) WriteToUDPAddrPort([]byte, netip.AddrPort) (int, error) {
	panic("socket exploded")
}

func (panicConn) ReadFromUDPAddrPort([]byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, net.ErrClosed
}

// overreportConn claims more bytes than it was given.
type overreportConn struct {
	writes atomic.Int32
}

func (c *overreportConn) WriteToUDPAddrPort(b []byte, _ netip.AddrPort) (int, error) {
	c.writes.Add(1)
	return len(b) + 60, nil
}

func (c *overreportConn) ReadFromUDPAddrPort([]byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, net.ErrClosed
}

func TestOutboundWorkerPanicClosesQueue(t *testing.T) {
	send, o := StartOutbound(panicConn{}, 1, discardOptions())
	defer send.Close()

	require.NoError(t, send.Send(context.Background(), []byte("boom"), testAddr))
	select {
	case <-o.Done():
	case <-time.After(time.Second):
		t.Fatal("outbound pump did not exit after the socket panicked")
	}

	// With the worker gone nothing drains the queue; producers must not block.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < send.Cap()+1; i++ {
		err := send.Send(ctx, []byte("late"), testAddr)
		require.ErrorIs(t, err, ErrClosed)
	}
	assert.ErrorIs(t, send.TrySend([]byte("late"), testAddr), ErrClosed)
}

func TestOutboundClampsOverreportedWrite(t *testing.T) {
	conn := &overreportConn{}

	send, o := StartOutbound(conn, 4, discardOptions())
	require.NoError(t, send.Send(context.Background(), []byte("PING"), testAddr))
	stopOutbound(t, send, o)

	assert.Equal(t, int32(1), conn.writes.Load())
	assert.Equal(t, OutboundStats{Datagrams: 1, Bytes: 4}, o.Stats())
}

func TestOutboundMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	conn := newMockConn(writeStep{n: 1}, writeStep{err: errors.New("boom")})
	send, o := StartOutbound(conn, 4, Options{Metrics: m})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WorkersRunning.WithLabelValues(metrics.DirectionOutbound)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, send.Send(context.Background(), []byte("ab"), testAddr))
	require.NoError(t, send.Send(context.Background(), []byte("cde"), testAddr))
	stopOutbound(t, send, o)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DatagramsSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SendErrors))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.BytesSent))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.WorkersRunning.WithLabelValues(metrics.DirectionOutbound)))
}
