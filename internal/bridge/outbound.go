package bridge

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/postalsys/udpbridge/internal/logging"
	"github.com/postalsys/udpbridge/internal/metrics"
	"github.com/postalsys/udpbridge/internal/recovery"
)

// Conn is the socket contract required by the pumps. *net.UDPConn
// satisfies it.
type Conn interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)
}

// Options carries the ambient dependencies of a pump. The zero value logs
// nothing and records no metrics.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// OutboundStats is a snapshot of the outbound pump counters.
type OutboundStats struct {
	Datagrams     uint64 // written in full
	Bytes         uint64 // payload bytes accepted by the socket
	Errors        uint64 // datagrams abandoned after a write error
	PartialWrites uint64 // writes that accepted only part of the remainder
}

// Outbound is the worker that drains the outbound queue into the socket.
type Outbound struct {
	conn    Conn
	queue   *Receiver
	logger  *slog.Logger
	metrics *metrics.Metrics
	done    <-chan struct{}

	datagrams     atomic.Uint64
	bytes         atomic.Uint64
	errors        atomic.Uint64
	partialWrites atomic.Uint64
}

// StartOutbound starts the outbound pump on conn and returns the producer
// handle for its queue. Send blocks once capacity datagrams are queued.
func StartOutbound(conn Conn, capacity int, opts Options) (*Sender, *Outbound) {
	send, recv := NewQueue(capacity)

	o := &Outbound{
		conn:    conn,
		queue:   recv,
		logger:  logging.Component(opts.Logger, "outbound"),
		metrics: opts.Metrics,
	}
	o.logger.Debug("outbound pump starting", logging.KeyCapacity, recv.Cap())

	o.metrics.RecordWorkerStart(metrics.DirectionOutbound)
	o.done = recovery.Go(o.logger, "outbound", o.run)

	return send, o
}

// Done is closed when the worker has exited.
func (o *Outbound) Done() <-chan struct{} { return o.done }

// Stats returns a snapshot of the pump counters.
func (o *Outbound) Stats() OutboundStats {
	return OutboundStats{
		Datagrams:     o.datagrams.Load(),
		Bytes:         o.bytes.Load(),
		Errors:        o.errors.Load(),
		PartialWrites: o.partialWrites.Load(),
	}
}

func (o *Outbound) run() {
	defer o.metrics.RecordWorkerStop(metrics.DirectionOutbound)
	// Producers must see ErrClosed once the worker is gone, panics included.
	defer o.queue.Close()

	for {
		d, err := o.queue.Recv(context.Background())
		if err != nil {
			break
		}
		o.metrics.SetOutboundQueued(o.queue.Len())
		o.write(d)
	}

	o.logger.Info("outbound pump received a queue hangup, exiting")
}

// write pushes one datagram to the socket, resuming after short writes. On
// error the remainder is dropped; nothing is carried over to the next
// datagram.
func (o *Outbound) write(d Datagram) {
	payload := d.Payload
	sent := 0

	// At least one write, so empty datagrams still go out.
	for once := true; once || sent < len(payload); once = false {
		n, err := o.conn.WriteToUDPAddrPort(payload[sent:], d.Addr)
		if err == nil && n <= 0 && sent < len(payload) {
			err = io.ErrShortWrite
		}
		if err != nil {
			o.logger.Warn("outbound pump failed to write datagram",
				logging.KeyLength, len(payload),
				logging.KeyAddress, d.Addr.String(),
				logging.KeyBytesSent, sent,
				logging.KeyError, err)
			o.errors.Add(1)
			o.bytes.Add(uint64(sent))
			o.metrics.RecordSendError(sent)
			return
		}
		if n > 0 {
			// Never count more than was left to send.
			sent += min(n, len(payload)-sent)
		}
		if sent < len(payload) {
			o.partialWrites.Add(1)
			o.metrics.RecordPartialWrite()
		}
	}

	o.datagrams.Add(1)
	o.bytes.Add(uint64(sent))
	o.metrics.RecordDatagramSent(sent)
}
