package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/pkg/cast"
)

var (
	// ErrTrackerRejected wraps a "failure reason" the tracker returned;
	// there is no other peer source, so callers treat it as fatal.
	ErrTrackerRejected = errors.New("tracker: announce rejected")

	ErrBadResponse = errors.New("tracker: malformed announce response")
)

// Client announces to a single HTTP tracker and decodes the peer list it
// returns.
type Client struct {
	announce *url.URL
	http     *http.Client
	log      *slog.Logger

	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
	left     int64
}

// New builds a tracker client for the given announce URL.
func New(
	announce string,
	infoHash, peerID [sha1.Size]byte,
	left int64,
	log *slog.Logger,
) (*Client, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported announce scheme %q", u.Scheme)
	}

	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	return &Client{
		announce: u,
		http:     &http.Client{Transport: transport, Timeout: 30 * time.Second},
		log:      log.With("src", "tracker"),
		infoHash: infoHash,
		peerID:   peerID,
		left:     left,
	}, nil
}

// GetPeers announces event=started and returns the peer addresses the
// tracker handed back, in either compact or dictionary form.
func (c *Client) GetPeers(ctx context.Context) ([]netip.AddrPort, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.buildAnnounceURL(), nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "burrow/1.0")

	start := time.Now()
	c.log.Info(
		"announce.begin",
		slog.String("url", c.announce.Redacted()),
		slog.String("info_hash", hex.EncodeToString(c.infoHash[:])),
		slog.Int64("left", c.left),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("announce.error", slog.String("err", err.Error()))
		return nil, fmt.Errorf("tracker: announce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn("announce.http_status", slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf(
			"tracker: announce status %d: %s", resp.StatusCode, body,
		)
	}

	peers, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		c.log.Warn("announce.decode.error", slog.String("err", err.Error()))
		return nil, err
	}

	peers = dropLocal(peers, localAddrs())

	c.log.Info(
		"announce.ok",
		slog.Duration("latency", time.Since(start)),
		slog.Int("peers", len(peers)),
	)

	return peers, nil
}

func (c *Client) buildAnnounceURL() string {
	cfg := config.Load()

	u := *c.announce
	q := u.Query()
	q.Set("info_hash", string(c.infoHash[:]))
	q.Set("peer_id", string(c.peerID[:]))
	q.Set("port", strconv.Itoa(int(cfg.Port)))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", strconv.FormatInt(c.left, 10))
	q.Set("compact", "1")
	q.Set("event", "started")
	if cfg.NumWant > 0 {
		q.Set("numwant", strconv.FormatUint(uint64(cfg.NumWant), 10))
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func parseAnnounceResponse(r io.Reader) ([]netip.AddrPort, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	dict, err := cast.ToDict(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: top-level %v", ErrBadResponse, err)
	}

	if reason, ok := dict["failure reason"]; ok {
		msg, _ := cast.ToString(reason)
		return nil, fmt.Errorf("%w: %s", ErrTrackerRejected, msg)
	}

	peersVal, ok := dict["peers"]
	if !ok {
		return nil, fmt.Errorf("%w: no peers key", ErrBadResponse)
	}

	switch pv := peersVal.(type) {
	case string:
		return parseCompactPeers([]byte(pv))
	case []any:
		return parseDictPeers(pv)
	default:
		return nil, fmt.Errorf("%w: peers is %T", ErrBadResponse, peersVal)
	}
}

// parseCompactPeers splits 6-byte records: 4 bytes IPv4 followed by a
// big-endian port.
func parseCompactPeers(b []byte) ([]netip.AddrPort, error) {
	const stride = 6

	if len(b)%stride != 0 {
		return nil, fmt.Errorf(
			"%w: compact peers length %d not a multiple of %d",
			ErrBadResponse, len(b), stride,
		)
	}

	out := make([]netip.AddrPort, 0, len(b)/stride)
	for i := 0; i < len(b); i += stride {
		addr := netip.AddrFrom4([4]byte(b[i : i+4]))
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, netip.AddrPortFrom(addr, port))
	}

	return out, nil
}

func parseDictPeers(entries []any) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(entries))

	for i, e := range entries {
		d, err := cast.ToDict(e)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %d: %v", ErrBadResponse, i, err)
		}

		ipStr, err := cast.ToString(d["ip"])
		if err != nil {
			return nil, fmt.Errorf("%w: peer %d ip: %v", ErrBadResponse, i, err)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %d ip %q", ErrBadResponse, i, ipStr)
		}

		port, err := cast.ToInt(d["port"])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: peer %d port", ErrBadResponse, i)
		}

		out = append(out, netip.AddrPortFrom(addr, uint16(port)))
	}

	return out, nil
}

// localAddrs collects this host's unicast addresses so the client does not
// dial itself out of the tracker's list.
func localAddrs() map[netip.Addr]struct{} {
	set := make(map[netip.Addr]struct{})

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return set
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipNet.IP); ok {
			set[addr.Unmap()] = struct{}{}
		}
	}

	return set
}

func dropLocal(peers []netip.AddrPort, local map[netip.Addr]struct{}) []netip.AddrPort {
	out := peers[:0]
	for _, p := range peers {
		if _, self := local[p.Addr().Unmap()]; self {
			continue
		}
		out = append(out, p)
	}

	return out
}
