// Package agent runs a udpbridge node: a UDP socket with a bridge on it, an
// echo responder that reflects every datagram to its source, and the optional
// health and metrics server.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/udpbridge/internal/bridge"
	"github.com/postalsys/udpbridge/internal/chaos"
	"github.com/postalsys/udpbridge/internal/config"
	"github.com/postalsys/udpbridge/internal/health"
	"github.com/postalsys/udpbridge/internal/logging"
	"github.com/postalsys/udpbridge/internal/metrics"
	"github.com/postalsys/udpbridge/internal/recovery"
)

// Agent is a running udpbridge node.
type Agent struct {
	cfg      *config.Config
	root     *slog.Logger
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	conn         *net.UDPConn
	bridge       *bridge.Bridge
	healthServer *health.Server

	chaosOut *chaos.FaultInjector
	chaosIn  *chaos.FaultInjector

	cancel   context.CancelFunc
	echoDone <-chan struct{}
	echoed   atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New creates an agent from cfg. Nothing is bound until Start.
func New(cfg *config.Config) (*Agent, error) {
	return NewWithLogger(cfg, logging.NewLogger(cfg.Log.Level, cfg.Log.Format))
}

// NewWithLogger creates an agent that logs to logger.
func NewWithLogger(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Each agent gets its own registry so several can share a process.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Agent{
		cfg:      cfg,
		root:     logger,
		logger:   logging.Component(logger, "agent"),
		registry: reg,
		metrics:  metrics.NewMetricsWithRegistry(reg),
	}, nil
}

// Start binds the socket, starts the bridge and the echo responder, and
// starts the health server when enabled.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	laddr, err := net.ResolveUDPAddr("udp", a.cfg.Bridge.Listen)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", a.cfg.Bridge.Listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Bridge.Listen, err)
	}

	a.conn = conn
	var sock bridge.Conn = conn
	if a.cfg.Chaos.Enabled {
		sock = a.chaosConn(conn)
	}
	a.bridge = bridge.Start(sock, bridge.Config{
		OutboundCapacity: a.cfg.Bridge.OutboundCapacity,
		InboundCapacity:  a.cfg.Bridge.InboundCapacity,
	}, bridge.Options{
		Logger:  a.root,
		Metrics: a.metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	out := a.bridge.Outgoing().Clone()
	a.echoDone = recovery.Go(a.logger, "echo", func() {
		defer out.Close()
		a.echoLoop(ctx, out)
	})

	if a.cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
			Gatherer:     a.registry,
		}, health.BridgeProvider{Bridge: a.bridge})

		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start health server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			a.shutdown(context.Background())
			return fmt.Errorf("start health server: %w", err)
		}
		a.logger.Info("health server started",
			logging.KeyAddress, a.healthServer.Address().String())
	}

	a.running.Store(true)
	a.logger.Info("agent started",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		"outbound_capacity", a.cfg.Bridge.OutboundCapacity,
		"inbound_capacity", a.cfg.Bridge.InboundCapacity)

	return nil
}

// chaosConn wraps conn with the configured fault injectors.
func (a *Agent) chaosConn(conn *net.UDPConn) *chaos.Conn {
	c := a.cfg.Chaos
	a.chaosOut = chaos.NewFaultInjector(
		chaos.FaultConfig{Type: chaos.FaultError, Probability: c.WriteError},
		chaos.FaultConfig{Type: chaos.FaultDrop, Probability: c.OutboundDrop},
		chaos.FaultConfig{Type: chaos.FaultShortWrite, Probability: c.ShortWrite},
		chaos.FaultConfig{Type: chaos.FaultDelay, Probability: c.Delay, MinDelay: c.MinDelay, MaxDelay: c.MaxDelay},
	)
	a.chaosIn = chaos.NewFaultInjector(
		chaos.FaultConfig{Type: chaos.FaultDrop, Probability: c.InboundDrop},
	)

	a.logger.Warn("chaos fault injection enabled",
		"outbound_drop", c.OutboundDrop,
		"inbound_drop", c.InboundDrop,
		"write_error", c.WriteError,
		"short_write", c.ShortWrite,
		"delay", c.Delay)
	return chaos.NewConn(conn, a.chaosOut, a.chaosIn, a.metrics)
}

// echoLoop reflects every received datagram to its source until ctx ends or
// either queue closes.
func (a *Agent) echoLoop(ctx context.Context, out *bridge.Sender) {
	for {
		d, err := a.bridge.Recv(ctx)
		if err != nil {
			return
		}
		if err := out.Send(ctx, d.Payload, d.Addr); err != nil {
			return
		}
		a.echoed.Add(1)
	}
}

// Stop shuts the agent down and waits for every worker to exit.
func (a *Agent) Stop() error {
	return a.StopWithContext(context.Background())
}

// StopWithContext is Stop bounded by ctx.
func (a *Agent) StopWithContext(ctx context.Context) error {
	if !a.running.Load() {
		return nil
	}

	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")
		a.stopErr = a.shutdown(ctx)
		a.running.Store(false)
		a.logger.Info("agent stopped")
	})
	return a.stopErr
}

func (a *Agent) shutdown(ctx context.Context) error {
	if a.healthServer != nil {
		if err := a.healthServer.Stop(); err != nil {
			a.logger.Warn("failed to stop health server", logging.KeyError, err)
		}
	}

	a.cancel()
	select {
	case <-a.echoDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.bridge.Close()
	if err := a.conn.Close(); err != nil {
		a.logger.Debug("socket close", logging.KeyError, err)
	}
	return a.bridge.Wait(ctx)
}

// IsRunning returns true between a successful Start and Stop.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// LocalAddr returns the bound socket address, or nil before Start.
func (a *Agent) LocalAddr() net.Addr {
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr()
}

// HealthAddr returns the health server address, or nil when it is disabled.
func (a *Agent) HealthAddr() net.Addr {
	if a.healthServer == nil {
		return nil
	}
	return a.healthServer.Address()
}

// Stats returns a snapshot of the bridge counters.
func (a *Agent) Stats() bridge.Stats {
	if a.bridge == nil {
		return bridge.Stats{}
	}
	return a.bridge.Stats()
}

// Echoed returns how many datagrams were handed back to the outbound queue.
func (a *Agent) Echoed() uint64 {
	return a.echoed.Load()
}

// ChaosStats returns the injected fault counts per direction. Both maps are
// empty when chaos is disabled.
func (a *Agent) ChaosStats() (out, in map[chaos.FaultType]int64) {
	return a.chaosOut.Stats(), a.chaosIn.Stats()
}

// Gatherer exposes the agent's metrics registry.
func (a *Agent) Gatherer() prometheus.Gatherer {
	return a.registry
}
