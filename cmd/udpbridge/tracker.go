package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/udpbridge/internal/config"
	"github.com/postalsys/udpbridge/internal/logging"
	"github.com/postalsys/udpbridge/internal/tracker"
)

// trackerFlags are shared by the announce and scrape commands. Flags that
// were set override the tracker section of the config file.
type trackerFlags struct {
	configPath string
	url        string
	infoHash   string
	peerID     string
	port       uint16
	numWant    int32
	timeout    time.Duration
	retries    int
	verbose    bool
}

func (f *trackerFlags) register(cmd *cobra.Command) {
	defaults := config.Default().Tracker
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&f.url, "url", "u", "", "Tracker announce URL (udp://, http:// or https://)")
	cmd.Flags().StringVar(&f.infoHash, "info-hash", "", "Torrent info hash, 40 hex characters")
	cmd.Flags().StringVar(&f.peerID, "peer-id", "", "Peer ID prefix, random when empty")
	cmd.Flags().Uint16VarP(&f.port, "port", "p", defaults.Port, "Port announced to the swarm")
	cmd.Flags().Int32Var(&f.numWant, "num-want", defaults.NumWant, "Number of peers wanted, -1 for the tracker default")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", defaults.Timeout, "First UDP retransmission timeout")
	cmd.Flags().IntVar(&f.retries, "retries", defaults.Retries, "UDP retransmissions before giving up")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Enable debug logging")
}

// resolve loads the config and applies the flags that were set.
func (f *trackerFlags) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Tracker.URL = f.url
	}
	if flags.Changed("info-hash") {
		cfg.Tracker.InfoHash = f.infoHash
	}
	if flags.Changed("peer-id") {
		cfg.Tracker.PeerID = f.peerID
	}
	if flags.Changed("port") {
		cfg.Tracker.Port = f.port
	}
	if flags.Changed("num-want") {
		cfg.Tracker.NumWant = f.numWant
	}
	if flags.Changed("timeout") {
		cfg.Tracker.Timeout = f.timeout
	}
	if flags.Changed("retries") {
		cfg.Tracker.Retries = f.retries
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tracker.URL == "" {
		return nil, fmt.Errorf("tracker URL is required (--url or tracker.url)")
	}
	if cfg.Tracker.InfoHash == "" {
		return nil, fmt.Errorf("info hash is required (--info-hash or tracker.info_hash)")
	}
	return cfg, nil
}

// newTracker builds a tracker client from the resolved config.
func newTracker(cfg *config.Config) (tracker.Tracker, error) {
	infoHash, err := cfg.Tracker.InfoHashBytes()
	if err != nil {
		return nil, err
	}

	opts := tracker.DefaultOptions()
	opts.InfoHash = infoHash
	if cfg.Tracker.PeerID == "" {
		opts.PeerID = tracker.NewPeerID()
	} else {
		opts.PeerID = tracker.PeerIDFromString(cfg.Tracker.PeerID)
	}
	opts.Port = cfg.Tracker.Port
	opts.NumWant = cfg.Tracker.NumWant
	opts.Key = rand.Uint32()
	opts.Timeout = cfg.Tracker.Timeout
	opts.Retries = cfg.Tracker.Retries
	opts.Logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	return tracker.New(cfg.Tracker.URL, opts)
}

func announceCmd() *cobra.Command {
	var (
		tf         trackerFlags
		event      string
		left       int64
		downloaded int64
		uploaded   int64
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Announce to a tracker and list the peers it returns",
		Long: `Send one announce to the configured tracker and print the swarm it reports.

With --follow the command keeps announcing every interval the tracker asks
for and sends a stopped event on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, ok := tracker.ParseEvent(event)
			if !ok {
				return fmt.Errorf("invalid event %q (must be started, stopped, completed, or none)", event)
			}

			cfg, err := tf.resolve(cmd)
			if err != nil {
				return err
			}
			tr, err := newTracker(cfg)
			if err != nil {
				return fmt.Errorf("failed to create tracker: %w", err)
			}
			defer tr.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if ip, err := tr.LocalIP(ctx); err == nil {
				fmt.Printf("Local address towards tracker: %s\n", ip)
			}

			var info tracker.AnnounceInfo
			switch ev {
			case tracker.EventStarted:
				info, err = tr.StartAnnounce(ctx, left)
			case tracker.EventNone:
				info, err = tr.UpdateAnnounce(ctx, downloaded, left, uploaded)
			case tracker.EventCompleted:
				err = tr.CompleteAnnounce(ctx, downloaded)
			case tracker.EventStopped:
				err = tr.StopAnnounce(ctx, downloaded, left, uploaded)
			}
			if err != nil {
				return fmt.Errorf("announce failed: %w", err)
			}
			if ev == tracker.EventCompleted || ev == tracker.EventStopped {
				fmt.Printf("Announced %s event.\n", ev)
				return nil
			}
			printAnnounceInfo(os.Stdout, info)

			if !follow {
				return nil
			}
			return followAnnounce(ctx, os.Stdout, tr, info, cfg.Tracker.Timeout, downloaded, left, uploaded)
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVarP(&event, "event", "e", "started", "Announce event: started, stopped, completed, or none")
	cmd.Flags().Int64Var(&left, "left", 0, "Bytes left to download (total size for started)")
	cmd.Flags().Int64Var(&downloaded, "downloaded", 0, "Bytes downloaded")
	cmd.Flags().Int64Var(&uploaded, "uploaded", 0, "Bytes uploaded")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep announcing every interval until interrupted")

	return cmd
}

// followAnnounce re-announces every time info.Due fires until ctx ends, then
// leaves the swarm with a stopped event. An update interrupted by ctx still
// sends stopped.
func followAnnounce(ctx context.Context, w io.Writer, tr tracker.Tracker, info tracker.AnnounceInfo,
	stopTimeout time.Duration, downloaded, left, uploaded int64) error {
	leave := func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := tr.StopAnnounce(stopCtx, downloaded, left, uploaded); err != nil {
			return fmt.Errorf("stop announce failed: %w", err)
		}
		fmt.Fprintln(w, "Left the swarm.")
		return nil
	}

	for {
		if info.Due == nil {
			return fmt.Errorf("tracker sent no interval, cannot follow")
		}
		select {
		case <-ctx.Done():
			return leave()
		case <-info.Due:
		}

		next, err := tr.UpdateAnnounce(ctx, downloaded, left, uploaded)
		if err != nil {
			if ctx.Err() != nil {
				return leave()
			}
			return fmt.Errorf("announce failed: %w", err)
		}
		info = next
		printAnnounceInfo(w, info)
	}
}

func printAnnounceInfo(w io.Writer, info tracker.AnnounceInfo) {
	fmt.Fprintf(w, "Interval: %v (next %s)\n", info.Interval,
		humanize.Time(time.Now().Add(info.Interval)))
	fmt.Fprintf(w, "Seeders:  %s\n", humanize.Comma(int64(info.Seeders)))
	fmt.Fprintf(w, "Leechers: %s\n", humanize.Comma(int64(info.Leechers)))
	fmt.Fprintf(w, "Peers:    %d\n", len(info.Peers))
	for _, p := range info.Peers {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

func scrapeCmd() *cobra.Command {
	var tf trackerFlags

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Query swarm statistics from a tracker",
		Long:  "Scrape the configured tracker for seeders, leechers and completed downloads of one torrent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tf.resolve(cmd)
			if err != nil {
				return err
			}
			tr, err := newTracker(cfg)
			if err != nil {
				return fmt.Errorf("failed to create tracker: %w", err)
			}
			defer tr.Close()

			ctx, cancel := signalContext()
			defer cancel()

			info, err := tr.Scrape(ctx)
			if err != nil {
				return fmt.Errorf("scrape failed: %w", err)
			}
			printScrapeInfo(os.Stdout, info)
			return nil
		},
	}

	tf.register(cmd)
	return cmd
}

func printScrapeInfo(w io.Writer, info tracker.ScrapeInfo) {
	fmt.Fprintf(w, "Seeders:   %s\n", humanize.Comma(int64(info.Seeders)))
	fmt.Fprintf(w, "Leechers:  %s\n", humanize.Comma(int64(info.Leechers)))
	fmt.Fprintf(w, "Completed: %s\n", humanize.Comma(int64(info.Downloads)))
}
