// Package chaos injects datagram faults into a bridge socket for resilience
// testing.
package chaos

import (
	"errors"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/udpbridge/internal/bridge"
	"github.com/postalsys/udpbridge/internal/metrics"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop loses the datagram. Writes still report success.
	FaultDrop FaultType = iota
	// FaultDelay adds latency before the datagram is passed on.
	FaultDelay
	// FaultShortWrite lets a write accept only half of the buffer.
	FaultShortWrite
	// FaultError makes a write fail with ErrInjected.
	FaultError
)

func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultShortWrite:
		return "short_write"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// ErrInjected is returned by writes hit by FaultError.
var ErrInjected = errors.New("chaos: injected write error")

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// Fault is one injected fault.
type Fault struct {
	Type  FaultType
	Delay time.Duration // FaultDelay only
}

// FaultInjector decides per datagram whether a fault applies. Configs are
// tried in order and the first hit wins. A nil *FaultInjector never injects.
type FaultInjector struct {
	configs   []FaultConfig
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[FaultType]int64),
	}
}

// MaybeInject returns the fault to apply to the next datagram, if any.
func (f *FaultInjector) MaybeInject() (Fault, bool) {
	if f == nil {
		return Fault{}, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, cfg := range f.configs {
		if f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.faultHits[cfg.Type]++
		fault := Fault{Type: cfg.Type}
		if cfg.Type == FaultDelay {
			fault.Delay = f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
		}
		return fault, true
	}
	return Fault{}, false
}

// Stats returns how often each fault was injected.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	if f == nil {
		return map[FaultType]int64{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// Conn wraps a bridge.Conn. Writes consult the outbound injector, reads the
// inbound one; inbound faults other than drop and delay are ignored.
type Conn struct {
	conn    bridge.Conn
	out     *FaultInjector
	in      *FaultInjector
	metrics *metrics.Metrics
}

// NewConn wraps conn. Either injector and m may be nil.
func NewConn(conn bridge.Conn, out, in *FaultInjector, m *metrics.Metrics) *Conn {
	return &Conn{conn: conn, out: out, in: in, metrics: m}
}

// WriteToUDPAddrPort implements bridge.Conn.
func (c *Conn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	fault, ok := c.out.MaybeInject()
	if !ok {
		return c.conn.WriteToUDPAddrPort(b, addr)
	}
	c.metrics.RecordChaosFault(metrics.DirectionOutbound, fault.Type.String())

	switch fault.Type {
	case FaultDrop:
		return len(b), nil
	case FaultDelay:
		time.Sleep(fault.Delay)
	case FaultShortWrite:
		if len(b) > 1 {
			// The peer sees the datagram split in two.
			return c.conn.WriteToUDPAddrPort(b[:len(b)/2], addr)
		}
	case FaultError:
		return 0, ErrInjected
	}
	return c.conn.WriteToUDPAddrPort(b, addr)
}

// ReadFromUDPAddrPort implements bridge.Conn.
func (c *Conn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	for {
		n, addr, err := c.conn.ReadFromUDPAddrPort(b)
		if err != nil {
			return n, addr, err
		}

		fault, ok := c.in.MaybeInject()
		if !ok {
			return n, addr, nil
		}
		c.metrics.RecordChaosFault(metrics.DirectionInbound, fault.Type.String())
		switch fault.Type {
		case FaultDrop:
			continue
		case FaultDelay:
			time.Sleep(fault.Delay)
		}
		return n, addr, nil
	}
}

// LocalAddr returns the wrapped socket's address, if it has one.
func (c *Conn) LocalAddr() net.Addr {
	if la, ok := c.conn.(interface{ LocalAddr() net.Addr }); ok {
		return la.LocalAddr()
	}
	return nil
}
