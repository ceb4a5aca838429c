package bridge

import (
	"context"
	"net"
	"net/netip"
)

// Config sets the queue capacities of a Bridge.
type Config struct {
	OutboundCapacity int
	InboundCapacity  int
}

// DefaultConfig returns a Config with both capacities at DefaultCapacity.
func DefaultConfig() Config {
	return Config{
		OutboundCapacity: DefaultCapacity,
		InboundCapacity:  DefaultCapacity,
	}
}

// Stats is a snapshot of both pumps.
type Stats struct {
	Outbound OutboundStats
	Inbound  InboundStats
	Running  bool
}

// Bridge is an outbound and an inbound pump sharing one socket. The pumps
// share nothing else; the socket must be safe for one concurrent reader and
// one concurrent writer, which *net.UDPConn is.
type Bridge struct {
	conn Conn

	out      *Sender
	in       *Receiver
	outbound *Outbound
	inbound  *Inbound
}

// Start launches both pumps on conn.
func Start(conn Conn, cfg Config, opts Options) *Bridge {
	out, outbound := StartOutbound(conn, cfg.OutboundCapacity, opts)
	in, inbound := StartInbound(conn, cfg.InboundCapacity, opts)

	return &Bridge{
		conn:     conn,
		out:      out,
		in:       in,
		outbound: outbound,
		inbound:  inbound,
	}
}

// Send enqueues payload for addr on the outbound queue.
func (b *Bridge) Send(ctx context.Context, payload []byte, addr netip.AddrPort) error {
	return b.out.Send(ctx, payload, addr)
}

// Recv dequeues the next received datagram.
func (b *Bridge) Recv(ctx context.Context) (Datagram, error) {
	return b.in.Recv(ctx)
}

// Outgoing returns the bridge's own producer handle. Clone it to hand out
// references that can be closed independently.
func (b *Bridge) Outgoing() *Sender { return b.out }

// Incoming returns the consumer handle of the inbound queue.
func (b *Bridge) Incoming() *Receiver { return b.in }

// LocalAddr returns the socket's local address, if the socket exposes one.
func (b *Bridge) LocalAddr() net.Addr {
	if la, ok := b.conn.(interface{ LocalAddr() net.Addr }); ok {
		return la.LocalAddr()
	}
	return nil
}

// Close releases the bridge's queue handles. The outbound pump exits after
// draining once no other Sender clones remain open; the inbound pump exits
// at its next delivery attempt, or immediately if the caller also closes the
// socket. Close does not close the socket.
func (b *Bridge) Close() error {
	b.out.Close()
	b.in.Close()
	return nil
}

// Wait blocks until both workers have exited or ctx ends.
func (b *Bridge) Wait(ctx context.Context) error {
	for _, done := range []<-chan struct{}{b.outbound.Done(), b.inbound.Done()} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running reports whether either worker is still running.
func (b *Bridge) Running() bool {
	return !isClosed(b.outbound.Done()) || !isClosed(b.inbound.Done())
}

// Stats returns a snapshot of both pumps.
func (b *Bridge) Stats() Stats {
	return Stats{
		Outbound: b.outbound.Stats(),
		Inbound:  b.inbound.Stats(),
		Running:  b.Running(),
	}
}
