package tracker

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/pkg/errors"
)

// maxResponseSize caps how much of a tracker response body is read.
const maxResponseSize = 1 << 20

type httpAnnounceResponse struct {
	FailureReason  string        `bencode:"failure reason"`
	WarningMessage string        `bencode:"warning message"`
	Interval       int64         `bencode:"interval"`
	Complete       int64         `bencode:"complete"`
	Incomplete     int64         `bencode:"incomplete"`
	Peers          bencode.Bytes `bencode:"peers"`
	Peers6         string        `bencode:"peers6"`
}

type httpPeer struct {
	IP   string `bencode:"ip"`
	Port uint16 `bencode:"port"`
}

type httpScrapeFile struct {
	Complete   int64 `bencode:"complete"`
	Downloaded int64 `bencode:"downloaded"`
	Incomplete int64 `bencode:"incomplete"`
}

type httpScrapeResponse struct {
	FailureReason string                    `bencode:"failure reason"`
	Files         map[string]httpScrapeFile `bencode:"files"`
}

// HTTPTracker speaks the HTTP tracker protocol (BEP 3) and derives its scrape
// URL by the BEP 48 convention.
type HTTPTracker struct {
	*client

	announceURL *url.URL
	scrapeURL   *url.URL // nil when the tracker cannot scrape
}

// NewHTTP returns a tracker for an http:// or https:// announce URL.
func NewHTTP(u *url.URL, opts Options) (*HTTPTracker, error) {
	if u.Hostname() == "" {
		return nil, errors.Errorf("tracker: %q has no host", u.String())
	}

	opts = opts.withDefaults()
	t := &HTTPTracker{
		announceURL: u,
		scrapeURL:   scrapeURLOf(u),
	}
	t.client = newClient(t, u.String(), opts)
	return t, nil
}

// scrapeURLOf replaces "announce" in the last path element with "scrape".
// Trackers whose announce path does not follow that form do not scrape.
func scrapeURLOf(u *url.URL) *url.URL {
	i := strings.LastIndex(u.Path, "/")
	if i < 0 || !strings.HasPrefix(u.Path[i+1:], "announce") {
		return nil
	}

	s := *u
	s.Path = u.Path[:i+1] + "scrape" + strings.TrimPrefix(u.Path[i+1:], "announce")
	s.RawPath = ""
	return &s
}

func (t *HTTPTracker) scheme() string { return t.announceURL.Scheme }

func (t *HTTPTracker) hostPort() string {
	if t.announceURL.Scheme == "https" {
		return hostPortOf(t.announceURL, "443")
	}
	return hostPortOf(t.announceURL, "80")
}

// Close releases idle connections of the HTTP client.
func (t *HTTPTracker) Close() error {
	t.opts.HTTPClient.CloseIdleConnections()
	return nil
}

func (t *HTTPTracker) announce(ctx context.Context, req announceRequest) (announceResponse, error) {
	u := *t.announceURL
	q := u.Query()
	q.Set("info_hash", string(t.opts.InfoHash[:]))
	q.Set("peer_id", string(t.opts.PeerID[:]))
	q.Set("port", strconv.FormatUint(uint64(t.opts.Port), 10))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	q.Set("key", strconv.FormatUint(uint64(t.opts.Key), 16))
	if t.opts.NumWant >= 0 {
		q.Set("numwant", strconv.FormatInt(int64(t.opts.NumWant), 10))
	}
	if req.Event != EventNone {
		q.Set("event", req.Event.String())
	}
	u.RawQuery = q.Encode()

	var resp httpAnnounceResponse
	if err := t.get(ctx, &u, &resp); err != nil {
		return announceResponse{}, err
	}
	if resp.FailureReason != "" {
		return announceResponse{}, &Error{Message: resp.FailureReason}
	}
	if resp.WarningMessage != "" {
		t.logger.Warn("tracker warning", "message", resp.WarningMessage)
	}

	peers, err := decodePeers(resp.Peers)
	if err != nil {
		return announceResponse{}, err
	}
	if resp.Peers6 != "" {
		peers6, err := parseCompactPeers([]byte(resp.Peers6), compactIPv6Len)
		if err != nil {
			return announceResponse{}, err
		}
		peers = append(peers, peers6...)
	}

	return announceResponse{
		Interval: time.Duration(resp.Interval) * time.Second,
		Leechers: int32(resp.Incomplete),
		Seeders:  int32(resp.Complete),
		Peers:    peers,
	}, nil
}

func (t *HTTPTracker) scrape(ctx context.Context) (ScrapeInfo, error) {
	if t.scrapeURL == nil {
		return ScrapeInfo{}, errors.Errorf("tracker: %s does not support scrape", t.announceURL)
	}

	u := *t.scrapeURL
	q := u.Query()
	q.Set("info_hash", string(t.opts.InfoHash[:]))
	u.RawQuery = q.Encode()

	var resp httpScrapeResponse
	if err := t.get(ctx, &u, &resp); err != nil {
		return ScrapeInfo{}, err
	}
	if resp.FailureReason != "" {
		return ScrapeInfo{}, &Error{Message: resp.FailureReason}
	}

	file, ok := resp.Files[string(t.opts.InfoHash[:])]
	if !ok {
		return ScrapeInfo{}, errors.New("tracker: scrape response does not list the torrent")
	}
	return ScrapeInfo{
		Leechers:  int32(file.Incomplete),
		Seeders:   int32(file.Complete),
		Downloads: int32(file.Downloaded),
	}, nil
}

// get fetches u and decodes the bencoded body into v.
func (t *HTTPTracker) get(ctx context.Context, u *url.URL, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "tracker: build request")
	}

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "tracker: request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, "tracker: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("tracker: response from tracker: %s: %s", resp.Status, body)
	}
	if err := bencode.Unmarshal(body, v); err != nil {
		return errors.Wrapf(err, "tracker: decode %q", body)
	}
	return nil
}

// decodePeers accepts both the compact string form and the original list of
// dictionaries.
func decodePeers(raw bencode.Bytes) ([]netip.AddrPort, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	if raw[0] == 'l' {
		var list []httpPeer
		if err := bencode.Unmarshal(raw, &list); err != nil {
			return nil, errors.Wrap(err, "tracker: decode peer list")
		}
		peers := make([]netip.AddrPort, 0, len(list))
		for _, p := range list {
			addr, err := netip.ParseAddr(p.IP)
			if err != nil {
				// Hostnames are allowed here but not worth a lookup.
				continue
			}
			peers = append(peers, netip.AddrPortFrom(addr.Unmap(), p.Port))
		}
		return peers, nil
	}

	var compact string
	if err := bencode.Unmarshal(raw, &compact); err != nil {
		return nil, errors.Wrap(err, "tracker: decode compact peers")
	}
	return parseCompactPeers([]byte(compact), compactIPv4Len)
}
