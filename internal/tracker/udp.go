package tracker

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/postalsys/udpbridge/internal/bridge"
	"github.com/postalsys/udpbridge/internal/logging"
)

const (
	protocolID = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3

	// A connection ID may be used for one minute after it was received.
	connectionIDLifetime = time.Minute

	headerLen = 8 // action + transaction ID of a response
)

var actionNames = map[uint32]string{
	actionConnect:  "connect",
	actionAnnounce: "announce",
	actionScrape:   "scrape",
	actionError:    "error",
}

// errAttemptTimedOut ends one attempt; the caller retransmits.
var errAttemptTimedOut = errors.New("tracker: attempt timed out")

// UDPTracker speaks the UDP tracker protocol (BEP 15). Datagrams travel over
// a bridge on a socket bound lazily on first use. Requests are serialized.
type UDPTracker struct {
	*client

	url  *url.URL
	port uint16

	mu           sync.Mutex // one request at a time
	connID       uint64
	connIDExpiry time.Time

	sockMu sync.Mutex
	conn   *net.UDPConn
	bridge *bridge.Bridge
	addr   netip.AddrPort
	closed bool
}

// NewUDP returns a tracker for a udp:// URL. The URL must carry a port.
func NewUDP(u *url.URL, opts Options) (*UDPTracker, error) {
	if u.Hostname() == "" {
		return nil, errors.Errorf("tracker: %q has no host", u.String())
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || port == 0 {
		return nil, errors.Errorf("tracker: %q has no valid port", u.String())
	}

	opts = opts.withDefaults()
	t := &UDPTracker{url: u, port: uint16(port)}
	t.client = newClient(t, u.String(), opts)
	return t, nil
}

func (t *UDPTracker) scheme() string { return "udp" }

func (t *UDPTracker) hostPort() string { return t.url.Host }

// Close stops the bridge and closes the socket. In-flight requests fail.
func (t *UDPTracker) Close() error {
	t.sockMu.Lock()
	defer t.sockMu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.bridge == nil {
		return nil
	}

	t.bridge.Close()
	err := t.conn.Close()
	t.bridge.Wait(context.Background())
	return err
}

func (t *UDPTracker) announce(ctx context.Context, req announceRequest) (announceResponse, error) {
	body := make([]byte, 0, 82)
	body = append(body, t.opts.InfoHash[:]...)
	body = append(body, t.opts.PeerID[:]...)
	body = binary.BigEndian.AppendUint64(body, uint64(req.Downloaded))
	body = binary.BigEndian.AppendUint64(body, uint64(req.Left))
	body = binary.BigEndian.AppendUint64(body, uint64(req.Uploaded))
	body = binary.BigEndian.AppendUint32(body, uint32(req.Event))
	body = binary.BigEndian.AppendUint32(body, 0) // IP: use the datagram source
	body = binary.BigEndian.AppendUint32(body, t.opts.Key)
	body = binary.BigEndian.AppendUint32(body, uint32(t.opts.NumWant))
	body = binary.BigEndian.AppendUint16(body, t.opts.Port)

	resp, err := t.roundTrip(ctx, actionAnnounce, body)
	if err != nil {
		return announceResponse{}, err
	}
	if len(resp) < 12 {
		return announceResponse{}, errors.Errorf("tracker: announce response of %d bytes", len(resp))
	}

	// Peer entries follow the address family of the tracker.
	entryLen := compactIPv4Len
	if t.addr.Addr().Is6() {
		entryLen = compactIPv6Len
	}
	peers, err := parseCompactPeers(resp[12:], entryLen)
	if err != nil {
		return announceResponse{}, err
	}

	return announceResponse{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[0:4])) * time.Second,
		Leechers: int32(binary.BigEndian.Uint32(resp[4:8])),
		Seeders:  int32(binary.BigEndian.Uint32(resp[8:12])),
		Peers:    peers,
	}, nil
}

func (t *UDPTracker) scrape(ctx context.Context) (ScrapeInfo, error) {
	resp, err := t.roundTrip(ctx, actionScrape, t.opts.InfoHash[:])
	if err != nil {
		return ScrapeInfo{}, err
	}
	if len(resp) < 12 {
		return ScrapeInfo{}, errors.Errorf("tracker: scrape response of %d bytes", len(resp))
	}

	return ScrapeInfo{
		Seeders:   int32(binary.BigEndian.Uint32(resp[0:4])),
		Downloads: int32(binary.BigEndian.Uint32(resp[4:8])),
		Leechers:  int32(binary.BigEndian.Uint32(resp[8:12])),
	}, nil
}

// roundTrip sends one request, connecting first when the connection ID has
// expired, and returns the response body after the header. Every timed out
// attempt doubles the wait before the next.
func (t *UDPTracker) roundTrip(ctx context.Context, action uint32, body []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, addr, err := t.socket(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= t.opts.Retries; attempt++ {
		if !t.opts.Clock.Now().Before(t.connIDExpiry) {
			resp, err := t.exchange(ctx, b, addr, protocolID, actionConnect, nil, attempt)
			if errors.Is(err, errAttemptTimedOut) {
				t.logTimeout(actionConnect, attempt)
				continue
			}
			if err != nil {
				return nil, err
			}
			if len(resp) < 8 {
				return nil, errors.Errorf("tracker: connect response of %d bytes", len(resp))
			}
			t.connID = binary.BigEndian.Uint64(resp)
			t.connIDExpiry = t.opts.Clock.Now().Add(connectionIDLifetime)
		}

		resp, err := t.exchange(ctx, b, addr, t.connID, action, body, attempt)
		if errors.Is(err, errAttemptTimedOut) {
			t.logTimeout(action, attempt)
			continue
		}
		return resp, err
	}

	return nil, errors.Wrapf(ErrTimeout, "%s after %d attempts", actionNames[action], t.opts.Retries+1)
}

// exchange sends one request datagram and waits for the matching response.
// Datagrams from other sources or with another transaction ID are dropped.
func (t *UDPTracker) exchange(ctx context.Context, b *bridge.Bridge, addr netip.AddrPort, connID uint64, action uint32, body []byte, attempt int) ([]byte, error) {
	tid := rand.Uint32()

	req := make([]byte, 0, 16+len(body))
	req = binary.BigEndian.AppendUint64(req, connID)
	req = binary.BigEndian.AppendUint32(req, action)
	req = binary.BigEndian.AppendUint32(req, tid)
	req = append(req, body...)

	// Arm the timer before sending so a reply can never beat it.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := t.opts.Clock.AfterFunc(t.opts.Timeout<<attempt, cancel)
	defer timer.Stop()

	if err := b.Send(ctx, req, addr); err != nil {
		return nil, errors.Wrap(err, "tracker: send request")
	}

	for {
		d, err := b.Recv(waitCtx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case waitCtx.Err() != nil:
			return nil, errAttemptTimedOut
		default:
			return nil, errors.Wrap(err, "tracker: receive response")
		}

		if netip.AddrPortFrom(d.Addr.Addr().Unmap(), d.Addr.Port()) != addr {
			t.logger.Debug("dropping datagram from unexpected source", logging.KeyAddress, d.Addr.String())
			continue
		}
		if len(d.Payload) < headerLen || binary.BigEndian.Uint32(d.Payload[4:8]) != tid {
			continue
		}

		got := binary.BigEndian.Uint32(d.Payload[0:4])
		switch got {
		case action:
			return d.Payload[headerLen:], nil
		case actionError:
			return nil, &Error{Message: string(d.Payload[headerLen:])}
		default:
			return nil, errors.Errorf("tracker: %s response to %s request", actionNames[got], actionNames[action])
		}
	}
}

func (t *UDPTracker) logTimeout(action uint32, attempt int) {
	t.logger.Debug("tracker request timed out, retransmitting",
		logging.KeyAction, actionNames[action],
		logging.KeyAttempt, attempt+1,
		logging.KeyDuration, t.opts.Timeout<<attempt)
}

// socket resolves the tracker and starts the bridge on first use.
func (t *UDPTracker) socket(ctx context.Context) (*bridge.Bridge, netip.AddrPort, error) {
	t.sockMu.Lock()
	defer t.sockMu.Unlock()

	if t.closed {
		return nil, netip.AddrPort{}, errors.Wrap(net.ErrClosed, "tracker")
	}
	if t.bridge != nil {
		return t.bridge, t.addr, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", t.url.Hostname())
	if err != nil {
		return nil, netip.AddrPort{}, errors.Wrapf(err, "tracker: resolve %s", t.url.Hostname())
	}
	if len(ips) == 0 {
		return nil, netip.AddrPort{}, errors.Errorf("tracker: %s has no addresses", t.url.Hostname())
	}
	addr := netip.AddrPortFrom(ips[0].Unmap(), t.port)

	network := "udp4"
	if addr.Addr().Is6() {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, netip.AddrPort{}, errors.Wrap(err, "tracker: bind socket")
	}

	t.conn = conn
	t.addr = addr
	t.bridge = bridge.Start(conn, t.opts.Bridge, bridge.Options{
		Logger:  t.opts.Logger,
		Metrics: t.opts.Metrics,
	})
	t.logger.Debug("tracker socket bound",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		logging.KeyAddress, addr.String())

	return t.bridge, t.addr, nil
}
