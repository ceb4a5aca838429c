package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/postalsys/udpbridge/internal/logging"
	"github.com/postalsys/udpbridge/internal/metrics"
	"github.com/postalsys/udpbridge/internal/recovery"
)

// InboundStats is a snapshot of the inbound pump counters.
type InboundStats struct {
	Datagrams uint64 // queued for the consumer
	Bytes     uint64
	Errors    uint64 // failed receive calls
}

// Inbound is the worker that feeds socket reads into the inbound queue.
type Inbound struct {
	conn    Conn
	queue   *Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	done    <-chan struct{}

	datagrams atomic.Uint64
	bytes     atomic.Uint64
	errors    atomic.Uint64
}

// StartInbound starts the inbound pump on conn and returns the consumer
// handle for its queue. Closing the returned Receiver stops the worker the
// next time it has a datagram to deliver.
func StartInbound(conn Conn, capacity int, opts Options) (*Receiver, *Inbound) {
	send, recv := NewQueue(capacity)

	i := &Inbound{
		conn:    conn,
		queue:   send,
		logger:  logging.Component(opts.Logger, "inbound"),
		metrics: opts.Metrics,
	}
	i.logger.Debug("inbound pump starting", logging.KeyCapacity, recv.Cap())

	i.metrics.RecordWorkerStart(metrics.DirectionInbound)
	i.done = recovery.Go(i.logger, "inbound", i.run)

	return recv, i
}

// Done is closed when the worker has exited.
func (i *Inbound) Done() <-chan struct{} { return i.done }

// Stats returns a snapshot of the pump counters.
func (i *Inbound) Stats() InboundStats {
	return InboundStats{
		Datagrams: i.datagrams.Load(),
		Bytes:     i.bytes.Load(),
		Errors:    i.errors.Load(),
	}
}

func (i *Inbound) run() {
	defer i.metrics.RecordWorkerStop(metrics.DirectionInbound)
	defer i.queue.Close()

	for {
		buf := make([]byte, ReceiveBufferSize)

		n, addr, err := i.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				i.logger.Info("inbound pump socket closed, exiting")
				return
			}
			i.logger.Warn("inbound pump failed to receive bytes", logging.KeyError, err)
			i.errors.Add(1)
			i.metrics.RecordReceiveError()
			continue
		}

		payload := buf[:n:n]
		if err := i.queue.Send(context.Background(), payload, addr); err != nil {
			break
		}
		i.datagrams.Add(1)
		i.bytes.Add(uint64(n))
		i.metrics.RecordDatagramReceived(n)
	}

	i.logger.Info("inbound pump received a queue hangup, exiting")
}
