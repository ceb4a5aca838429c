// Package probe measures round trips to a udpbridge echo responder.
package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/udpbridge/internal/bridge"
	"github.com/postalsys/udpbridge/internal/logging"
	"github.com/postalsys/udpbridge/internal/metrics"
	"github.com/postalsys/udpbridge/internal/recovery"
)

// seqLen is the sequence number at the start of every probe payload.
const seqLen = 8

// Options contains configuration for a ping run.
type Options struct {
	// Address is the host:port of the echo responder
	Address string

	// Count is the number of datagrams to send
	Count int

	// Rate is datagrams per second; Burst of them may go back to back
	Rate  float64
	Burst int

	// Size is the payload length, at least 8 bytes
	Size int

	// Timeout is how long to wait for echoes after the last send
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Result contains the outcome of a ping run.
type Result struct {
	Address string

	Sent     int
	Received int

	// Round trip times of the received echoes
	MinRTT time.Duration
	AvgRTT time.Duration
	MaxRTT time.Duration

	BytesSent     uint64
	BytesReceived uint64

	// Error is the error that stopped the run early (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Loss returns the fraction of datagrams without an echo.
func (r *Result) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}

type reply struct {
	seq uint64
	n   int
	at  time.Time
}

// Ping sends opts.Count datagrams to opts.Address at opts.Rate through a
// bridge and matches echoes by sequence number. Duplicates and datagrams from
// other sources are ignored.
func Ping(ctx context.Context, opts Options) *Result {
	result := &Result{Address: opts.Address}

	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.Rate <= 0 {
		opts.Rate = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Size < seqLen {
		opts.Size = seqLen
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	logger := logging.Component(opts.Logger, "probe")

	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	raddr, err := net.ResolveUDPAddr("udp", opts.Address)
	if err != nil {
		return fail(err)
	}
	target := raddr.AddrPort()
	target = netip.AddrPortFrom(target.Addr().Unmap(), target.Port())

	network := "udp4"
	if target.Addr().Is6() {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return fail(err)
	}

	b := bridge.Start(conn, bridge.Config{
		OutboundCapacity: opts.Burst,
		InboundCapacity:  min(opts.Count, bridge.DefaultCapacity),
	}, bridge.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	defer func() {
		b.Close()
		conn.Close()
		b.Wait(context.Background())
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan reply, opts.Count)
	recvDone := recovery.Go(logger, "ping-receiver", func() {
		for {
			d, err := b.Recv(ctx)
			if err != nil {
				return
			}
			at := time.Now()
			if netip.AddrPortFrom(d.Addr.Addr().Unmap(), d.Addr.Port()) != target || len(d.Payload) < seqLen {
				continue
			}
			select {
			case replies <- reply{seq: binary.BigEndian.Uint64(d.Payload), n: len(d.Payload), at: at}:
			case <-ctx.Done():
				return
			}
		}
	})
	defer func() {
		cancel()
		<-recvDone
	}()

	logger.Debug("pinging",
		logging.KeyAddress, target.String(),
		logging.KeyCount, opts.Count,
		logging.KeyLength, opts.Size)

	sentAt := make([]time.Time, 0, opts.Count)
	seen := make([]bool, opts.Count)
	var total time.Duration

	handle := func(r reply) {
		if r.seq >= uint64(len(sentAt)) || seen[r.seq] {
			return
		}
		seen[r.seq] = true
		rtt := r.at.Sub(sentAt[r.seq])
		if result.Received == 0 || rtt < result.MinRTT {
			result.MinRTT = rtt
		}
		if rtt > result.MaxRTT {
			result.MaxRTT = rtt
		}
		total += rtt
		result.Received++
		result.BytesReceived += uint64(r.n)
	}

	limiter := rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)
	for i := 0; i < opts.Count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			fail(err)
			break
		}

		// The queue keeps the slice until the pump wrote it.
		payload := make([]byte, opts.Size)
		binary.BigEndian.PutUint64(payload, uint64(i))

		sentAt = append(sentAt, time.Now())
		if err := b.Send(ctx, payload, target); err != nil {
			sentAt = sentAt[:i]
			fail(err)
			break
		}
		result.Sent++
		result.BytesSent += uint64(len(payload))

		for drained := false; !drained; {
			select {
			case r := <-replies:
				handle(r)
			default:
				drained = true
			}
		}
	}

	if result.Error == nil {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()

	wait:
		for result.Received < result.Sent {
			select {
			case r := <-replies:
				handle(r)
			case <-timer.C:
				break wait
			case <-ctx.Done():
				fail(ctx.Err())
				break wait
			}
		}
	}

	if result.Received > 0 {
		result.AvgRTT = total / time.Duration(result.Received)
	}
	return result
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	if errors.Is(err, context.Canceled) {
		return "Interrupted"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Deadline exceeded"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "missing port") {
		return "Address must be host:port"
	}
	if strings.Contains(errStr, "network is unreachable") {
		return "Network unreachable"
	}

	return fmt.Sprintf("Ping failed: %v", err)
}
