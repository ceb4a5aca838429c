// Package main provides the CLI entry point for udpbridge.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/udpbridge/internal/agent"
	"github.com/postalsys/udpbridge/internal/bridge"
	"github.com/postalsys/udpbridge/internal/chaos"
	"github.com/postalsys/udpbridge/internal/config"
	"github.com/postalsys/udpbridge/internal/logging"
	"github.com/postalsys/udpbridge/internal/probe"
	"github.com/postalsys/udpbridge/internal/sysinfo"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "udpbridge",
		Short: "udpbridge - queue-backed UDP socket pumps",
		Long: `udpbridge moves datagrams between bounded in-process queues and a
UDP socket with one outbound and one inbound worker.

It runs as an echo responder, pings other responders, and talks to
UDP and HTTP BitTorrent trackers over the same bridge.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(runCmd())
	cmd.AddCommand(pingCmd())
	cmd.AddCommand(announceCmd())
	cmd.AddCommand(scrapeCmd())

	return cmd
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var configPath string
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an echo responder",
		Long:  "Bind the configured UDP address and reflect every received datagram back to its source.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Bridge.Listen = listen
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			fmt.Printf("Starting udpbridge %s...\n", sysinfo.Version)
			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			fmt.Printf("Listening on %s (queues: %s out, %s in)\n",
				a.LocalAddr(),
				humanize.Comma(int64(cfg.Bridge.OutboundCapacity)),
				humanize.Comma(int64(cfg.Bridge.InboundCapacity)))
			if host, _, _ := net.SplitHostPort(cfg.Bridge.Listen); host == "" || net.ParseIP(host).IsUnspecified() {
				fmt.Printf("Local addresses: %s\n", strings.Join(sysinfo.GetLocalIPs(), ", "))
			}
			if addr := a.HealthAddr(); addr != nil {
				fmt.Printf("Health and metrics: http://%s\n", addr)
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			printTrafficSummary(os.Stdout, a.Stats(), a.Echoed())
			if cfg.Chaos.Enabled {
				out, in := a.ChaosStats()
				printChaosSummary(os.Stdout, out, in)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults apply when omitted)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "UDP address to bind, overrides bridge.listen")

	return cmd
}

// printTrafficSummary writes the counters of a stopped bridge.
func printTrafficSummary(w io.Writer, stats bridge.Stats, echoed uint64) {
	fmt.Fprintf(w, "Sent:     %s datagrams (%s), %s errors, %s partial writes\n",
		humanize.Comma(int64(stats.Outbound.Datagrams)),
		humanize.Bytes(stats.Outbound.Bytes),
		humanize.Comma(int64(stats.Outbound.Errors)),
		humanize.Comma(int64(stats.Outbound.PartialWrites)))
	fmt.Fprintf(w, "Received: %s datagrams (%s), %s errors\n",
		humanize.Comma(int64(stats.Inbound.Datagrams)),
		humanize.Bytes(stats.Inbound.Bytes),
		humanize.Comma(int64(stats.Inbound.Errors)))
	fmt.Fprintf(w, "Echoed:   %s datagrams\n", humanize.Comma(int64(echoed)))
}

// printChaosSummary writes the injected fault counts of both directions.
func printChaosSummary(w io.Writer, out, in map[chaos.FaultType]int64) {
	faults := []chaos.FaultType{chaos.FaultDrop, chaos.FaultDelay, chaos.FaultShortWrite, chaos.FaultError}
	for _, dir := range []struct {
		name string
		hits map[chaos.FaultType]int64
	}{{"outbound", out}, {"inbound", in}} {
		parts := make([]string, 0, len(faults))
		for _, f := range faults {
			if n := dir.hits[f]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s %s", humanize.Comma(n), f))
			}
		}
		if len(parts) == 0 {
			parts = append(parts, "none")
		}
		fmt.Fprintf(w, "Chaos %s: %s\n", dir.name, strings.Join(parts, ", "))
	}
}

func pingCmd() *cobra.Command {
	var (
		configPath string
		count      int
		rateLimit  float64
		burst      int
		size       int
		timeout    time.Duration
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "ping ADDR",
		Short: "Measure round trips to an echo responder",
		Long:  "Send datagrams to a udpbridge echo responder at a fixed rate and report loss and round trip times.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("count") {
				cfg.Ping.Count = count
			}
			if flags.Changed("rate") {
				cfg.Ping.Rate = rateLimit
			}
			if flags.Changed("burst") {
				cfg.Ping.Burst = burst
			}
			if flags.Changed("size") {
				cfg.Ping.Size = size
			}
			if flags.Changed("timeout") {
				cfg.Ping.Timeout = timeout
			}
			if verbose {
				cfg.Log.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			fmt.Printf("PING %s: %d datagrams of %s at %g/s\n",
				args[0], cfg.Ping.Count, humanize.Bytes(uint64(cfg.Ping.Size)), cfg.Ping.Rate)

			result := probe.Ping(ctx, probe.Options{
				Address: args[0],
				Count:   cfg.Ping.Count,
				Rate:    cfg.Ping.Rate,
				Burst:   cfg.Ping.Burst,
				Size:    cfg.Ping.Size,
				Timeout: cfg.Ping.Timeout,
				Logger:  logging.NewLogger(cfg.Log.Level, cfg.Log.Format),
			})

			printPingSummary(os.Stdout, result)
			if result.Error != nil {
				return fmt.Errorf("ping failed: %s", result.ErrorDetail)
			}
			if result.Received == 0 {
				return fmt.Errorf("no echoes from %s", args[0])
			}
			return nil
		},
	}

	defaults := config.Default().Ping
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().IntVarP(&count, "count", "n", defaults.Count, "Number of datagrams to send")
	cmd.Flags().Float64Var(&rateLimit, "rate", defaults.Rate, "Datagrams per second")
	cmd.Flags().IntVar(&burst, "burst", defaults.Burst, "Datagrams that may be sent back to back")
	cmd.Flags().IntVarP(&size, "size", "s", defaults.Size, "Payload size in bytes")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", defaults.Timeout, "How long to wait for echoes after the last send")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func printPingSummary(w io.Writer, r *probe.Result) {
	fmt.Fprintf(w, "\n--- %s ping statistics ---\n", r.Address)
	fmt.Fprintf(w, "%s sent, %s received, %.1f%% loss\n",
		humanize.Comma(int64(r.Sent)), humanize.Comma(int64(r.Received)), r.Loss()*100)
	if r.Received > 0 {
		fmt.Fprintf(w, "rtt min/avg/max = %v/%v/%v\n", r.MinRTT, r.AvgRTT, r.MaxRTT)
	}
	fmt.Fprintf(w, "traffic: %s out, %s in\n", humanize.Bytes(r.BytesSent), humanize.Bytes(r.BytesReceived))
}
