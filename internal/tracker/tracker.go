// Package tracker talks to BitTorrent trackers. New picks a variant by the
// announce URL scheme: udp:// trackers speak BEP 15 over a bridge, http://
// and https:// trackers speak BEP 3 with BEP 48 scrapes.
package tracker

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/postalsys/udpbridge/internal/bridge"
	"github.com/postalsys/udpbridge/internal/logging"
	"github.com/postalsys/udpbridge/internal/metrics"
)

const (
	// DefaultTimeout is the first retransmission timeout of a UDP request.
	DefaultTimeout = 15 * time.Second

	// DefaultRetries is how many times a UDP request is retransmitted, each
	// time doubling the timeout.
	DefaultRetries = 8

	// DefaultNumWant asks the tracker for its default number of peers.
	DefaultNumWant = -1
)

var (
	// ErrUnsupportedScheme is returned by New for URLs that are neither
	// udp nor http(s).
	ErrUnsupportedScheme = errors.New("tracker: unsupported URL scheme")

	// ErrTimeout is returned when a UDP tracker never answered a request.
	ErrTimeout = errors.New("tracker: request timed out")
)

// Error is a failure reported by the tracker itself.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "tracker: " + e.Message }

// Event is the announce event. Values match the BEP 15 wire encoding.
type Event int32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// ScrapeInfo holds swarm statistics for one torrent.
type ScrapeInfo struct {
	Leechers  int32
	Seeders   int32
	Downloads int32
}

// AnnounceInfo describes the swarm after an announce.
type AnnounceInfo struct {
	// Interval is how long the tracker wants us to wait before the next
	// update. Due fires once when it has elapsed; it is nil when the tracker
	// sent no interval.
	Interval time.Duration
	Due      <-chan time.Time

	Leechers int32
	Seeders  int32
	Peers    []netip.AddrPort
}

// Tracker is one tracker endpoint for one torrent. Every method blocks until
// the tracker answered, ctx ended, or the request failed.
type Tracker interface {
	// LocalIP returns the local address used to reach the tracker.
	LocalIP(ctx context.Context) (netip.Addr, error)

	// Scrape returns swarm statistics without joining the swarm.
	Scrape(ctx context.Context) (ScrapeInfo, error)

	// StartAnnounce joins the swarm. Updates are expected every
	// AnnounceInfo.Interval afterwards.
	StartAnnounce(ctx context.Context, totalBytes int64) (AnnounceInfo, error)

	// UpdateAnnounce is the periodic heartbeat.
	UpdateAnnounce(ctx context.Context, downloaded, left, uploaded int64) (AnnounceInfo, error)

	// StopAnnounce leaves the swarm.
	StopAnnounce(ctx context.Context, downloaded, left, uploaded int64) error

	// CompleteAnnounce reports that the download finished.
	CompleteAnnounce(ctx context.Context, totalBytes int64) error

	// Close releases the tracker's socket, if any.
	Close() error
}

// Options configures a tracker client.
type Options struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16
	NumWant  int32 // 0 means DefaultNumWant
	Key      uint32

	// UDP retransmission: the n-th attempt waits Timeout * 2^n.
	Timeout time.Duration
	Retries int

	// Bridge sets the queue capacities of the UDP tracker's bridge.
	Bridge bridge.Config

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// DefaultOptions returns Options with the protocol defaults filled in.
func DefaultOptions() Options {
	return Options{
		NumWant: DefaultNumWant,
		Timeout: DefaultTimeout,
		Retries: DefaultRetries,
		Bridge:  bridge.Config{OutboundCapacity: 16, InboundCapacity: 64},
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.NumWant == 0 {
		o.NumWant = DefaultNumWant
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	return o
}

// New returns a Tracker for rawURL.
func New(rawURL string, opts Options) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "tracker: parse %q", rawURL)
	}

	switch u.Scheme {
	case "udp":
		return NewUDP(u, opts)
	case "http", "https":
		return NewHTTP(u, opts)
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
}

type announceRequest struct {
	Event      Event
	Downloaded int64
	Left       int64
	Uploaded   int64
}

type announceResponse struct {
	Interval time.Duration
	Leechers int32
	Seeders  int32
	Peers    []netip.AddrPort
}

// backend is the wire protocol of one tracker variant.
type backend interface {
	scheme() string
	hostPort() string
	announce(ctx context.Context, req announceRequest) (announceResponse, error)
	scrape(ctx context.Context) (ScrapeInfo, error)
}

// client maps the Tracker operations onto a backend and records metrics.
type client struct {
	be     backend
	opts   Options
	logger *slog.Logger
}

func newClient(be backend, rawURL string, opts Options) *client {
	return &client{
		be:     be,
		opts:   opts,
		logger: logging.Component(opts.Logger, "tracker").With(logging.KeyTracker, rawURL),
	}
}

func (c *client) LocalIP(ctx context.Context) (netip.Addr, error) {
	return localIP(ctx, c.be.hostPort())
}

func (c *client) Scrape(ctx context.Context) (ScrapeInfo, error) {
	start := c.opts.Clock.Now()
	info, err := c.be.scrape(ctx)
	c.record("scrape", start, err)
	return info, err
}

func (c *client) StartAnnounce(ctx context.Context, totalBytes int64) (AnnounceInfo, error) {
	return c.doAnnounce(ctx, announceRequest{Event: EventStarted, Left: totalBytes})
}

func (c *client) UpdateAnnounce(ctx context.Context, downloaded, left, uploaded int64) (AnnounceInfo, error) {
	return c.doAnnounce(ctx, announceRequest{
		Event:      EventNone,
		Downloaded: downloaded,
		Left:       left,
		Uploaded:   uploaded,
	})
}

func (c *client) StopAnnounce(ctx context.Context, downloaded, left, uploaded int64) error {
	_, err := c.doAnnounce(ctx, announceRequest{
		Event:      EventStopped,
		Downloaded: downloaded,
		Left:       left,
		Uploaded:   uploaded,
	})
	return err
}

func (c *client) CompleteAnnounce(ctx context.Context, totalBytes int64) error {
	_, err := c.doAnnounce(ctx, announceRequest{Event: EventCompleted, Downloaded: totalBytes})
	return err
}

func (c *client) doAnnounce(ctx context.Context, req announceRequest) (AnnounceInfo, error) {
	start := c.opts.Clock.Now()
	resp, err := c.be.announce(ctx, req)
	c.record("announce", start, err)
	if err != nil {
		return AnnounceInfo{}, err
	}

	info := AnnounceInfo{
		Interval: resp.Interval,
		Leechers: resp.Leechers,
		Seeders:  resp.Seeders,
		Peers:    resp.Peers,
	}
	if resp.Interval > 0 {
		info.Due = c.opts.Clock.After(resp.Interval)
	}
	return info, nil
}

func (c *client) record(action string, start time.Time, err error) {
	latency := c.opts.Clock.Since(start)
	c.opts.Metrics.RecordTrackerRequest(c.be.scheme(), action, latency, err)

	if err != nil {
		// Error() keeps pkg/errors stack traces out of the log line.
		c.logger.Warn("tracker request failed",
			logging.KeyAction, action,
			logging.KeyDuration, latency,
			logging.KeyError, err.Error())
		return
	}
	c.logger.Debug("tracker request completed",
		logging.KeyAction, action,
		logging.KeyDuration, latency)
}

// localIP returns the address the OS would use as source towards hostPort.
// Dialing UDP sends nothing; it only selects a route.
func localIP(ctx context.Context, hostPort string) (netip.Addr, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", hostPort)
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "tracker: route to tracker")
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, errors.Errorf("tracker: unexpected local address %v", conn.LocalAddr())
	}
	return addr.AddrPort().Addr().Unmap(), nil
}

// hostPortOf returns u's host with defaultPort added when u names none.
func hostPortOf(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}
