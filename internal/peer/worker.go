package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/internal/protocol"
	"github.com/prxssh/burrow/internal/session"
	"github.com/prxssh/burrow/pkg/bitfield"
	"github.com/prxssh/burrow/pkg/retry"
)

// Worker drives one TCP session with one remote peer and funnels received
// blocks into the shared session.
//
// Connection lifecycle: dial, 68-byte handshake, optional bitfield, then the
// message loop. Requests flow only while the remote is not choking us and at
// most MaxInflightPerPeer requests are outstanding. The worker owns a
// two-level cursor (current assignment, block index) refilled from the
// session when exhausted.
type Worker struct {
	addr    netip.AddrPort
	session *session.Session
	log     *slog.Logger

	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte

	conn net.Conn

	peerChoking  bool
	amInterested bool
	have         bitfield.Bitfield

	asn      *session.Assignment
	cursor   int
	inflight int
}

// NewWorker builds a worker for one tracker-advertised address.
func NewWorker(
	addr netip.AddrPort,
	s *session.Session,
	infoHash, peerID [sha1.Size]byte,
	log *slog.Logger,
) *Worker {
	if log == nil {
		log = slog.Default()
	}

	return &Worker{
		addr:     addr,
		session:  s,
		log:      log.With("peer", addr.String()),
		infoHash: infoHash,
		peerID:   peerID,
	}
}

// isFatal classifies errors that make this remote useless: a wrong torrent,
// a foreign protocol, or a malformed delivery. Everything else (dial
// failures, timeouts, EOF) is transient and worth a reconnect.
func isFatal(err error) bool {
	return errors.Is(err, protocol.ErrInfoHashMismatch) ||
		errors.Is(err, protocol.ErrProtocolMismatch) ||
		errors.Is(err, session.ErrProtocolViolation)
}

// Run dials and downloads until the session completes, the retry budget is
// exhausted, or the peer proves fatal. Per-peer failures are absorbed here;
// the return value is non-nil only for context cancellation, so one bad peer
// never takes down the fleet.
func (w *Worker) Run(ctx context.Context) error {
	cfg := config.Load()

	err := retry.Do(ctx, w.download,
		retry.WithMaxAttempts(cfg.MaxPeerRetries),
		retry.WithInitialDelay(cfg.RetryInitialDelay),
		retry.WithMaxDelay(cfg.RetryMaxDelay),
		retry.WithRetryIf(func(err error) bool { return !isFatal(err) }),
		retry.WithOnRetry(func(attempt int, err error, next time.Duration) {
			w.log.Warn(
				"peer.retry",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
				slog.String("err", err.Error()),
			)
		}),
	)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		w.log.Warn("peer.gone", slog.String("err", err.Error()))
		return nil
	}
}

// download runs one connection attempt end to end. A nil return means the
// session finished; any error, including a remote hang-up, reports why the
// connection died.
func (w *Worker) download(ctx context.Context) error {
	cfg := config.Load()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", w.addr.String())
	if err != nil {
		return err
	}
	w.conn = conn
	defer w.close()

	// Unblock conn reads when the fleet is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	remote, err := protocol.NewHandshake(w.infoHash, w.peerID).Exchange(conn)
	if err != nil {
		w.log.Warn("peer.handshake.failed", slog.String("err", err.Error()))
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	w.log.Info(
		"peer.handshake.ok",
		slog.String("remote_id", string(remote.PeerID[:8])),
	)

	w.peerChoking = true
	w.amInterested = false
	w.have = bitfield.New(w.session.NumPieces())
	w.resetCursor()

	// The remote's first message may be a bitfield; interest is declared
	// either way.
	if err := w.sendInterested(); err != nil {
		return err
	}

	return w.messageLoop(ctx)
}

func (w *Worker) messageLoop(ctx context.Context) error {
	cfg := config.Load()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-w.session.Done():
			return nil
		default:
		}

		// Silence beyond the idle window drops the connection;
		// keep-alives land here and reset it.
		_ = w.conn.SetReadDeadline(time.Now().Add(cfg.ReadIdleTimeout))
		msg, err := protocol.ReadMessage(w.conn)
		if err != nil {
			return err
		}

		if protocol.IsKeepAlive(msg) {
			w.log.Debug("peer.keepalive")
			continue
		}

		if err := w.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (w *Worker) handleMessage(msg *protocol.Message) error {
	switch msg.ID {
	case protocol.Choke:
		w.log.Debug("peer.msg", slog.String("type", "choke"))
		w.peerChoking = true

	case protocol.Unchoke:
		w.log.Debug("peer.msg", slog.String("type", "unchoke"))
		w.peerChoking = false
		return w.pumpRequests()

	case protocol.Interested, protocol.NotInterested:
		// Upload interest is noted only; this client does not seed.
		w.log.Debug("peer.msg", slog.String("type", msg.ID.String()))

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			w.log.Debug("peer.msg.malformed", slog.String("type", "have"))
			return nil
		}
		w.have.Set(int(index))
		return w.pumpRequests()

	case protocol.Bitfield:
		// Install as-is; Has() treats bits past P as absent and pads
		// a short field with zeros.
		w.have = bitfield.FromBytes(msg.Payload)
		w.log.Debug(
			"peer.msg",
			slog.String("type", "bitfield"),
			slog.Int("count", w.have.Count()),
		)
		return w.pumpRequests()

	case protocol.Piece:
		return w.handlePiece(msg)

	case protocol.Request, protocol.Cancel:
		w.log.Debug("peer.msg.ignored", slog.String("type", msg.ID.String()))

	default:
		w.log.Debug("peer.msg.unknown", slog.Int("id", int(msg.ID)))
	}

	return nil
}

func (w *Worker) handlePiece(msg *protocol.Message) error {
	index, begin, block, ok := msg.ParsePiece()
	if !ok {
		w.log.Debug("peer.msg.malformed", slog.String("type", "piece"))
		return nil
	}

	if w.inflight > 0 {
		w.inflight--
	}

	if err := w.session.DeliverBlock(int(index), int(begin), block); err != nil {
		w.log.Warn(
			"peer.block.rejected",
			slog.Uint64("piece", uint64(index)),
			slog.Uint64("begin", uint64(begin)),
			slog.String("err", err.Error()),
		)
		return err
	}

	w.log.Debug(
		"peer.block",
		slog.Uint64("piece", uint64(index)),
		slog.Uint64("begin", uint64(begin)),
		slog.Int("len", len(block)),
	)

	if w.asn != nil && w.cursor >= len(w.asn.Blocks) && w.inflight == 0 {
		// Assignment fully delivered; its piece is either verified or
		// already reset by the session.
		w.asn = nil
	}

	return w.pumpRequests()
}

// pumpRequests tops the pipeline up to the per-peer window while the remote
// allows it, refilling the piece cursor from the session as needed. Running
// dry is not an error: the worker idles until a have or unchoke arrives.
func (w *Worker) pumpRequests() error {
	cfg := config.Load()

	for !w.peerChoking && w.inflight < cfg.MaxInflightPerPeer {
		block, ok := w.nextBlock()
		if !ok {
			return nil
		}

		req := protocol.MessageRequest(
			uint32(block.Piece), uint32(block.Begin), uint32(block.Length),
		)
		if err := protocol.WriteMessage(w.conn, req); err != nil {
			return err
		}
		w.inflight++

		w.log.Debug(
			"peer.request",
			slog.Int("piece", block.Piece),
			slog.Int("begin", block.Begin),
			slog.Int("len", block.Length),
		)
	}

	return nil
}

// nextBlock advances the two-level cursor: next block of the current
// assignment, else a fresh assignment from the session.
func (w *Worker) nextBlock() (session.Block, bool) {
	if w.asn == nil || w.cursor >= len(w.asn.Blocks) {
		if w.asn != nil && w.cursor >= len(w.asn.Blocks) {
			// All blocks requested but not yet delivered; wait for
			// the inflight one rather than grabbing a second piece.
			return session.Block{}, false
		}

		asn, ok := w.session.NextRequest(w.have)
		if !ok {
			return session.Block{}, false
		}
		w.asn = &asn
		w.cursor = 0

		w.log.Debug(
			"peer.assignment",
			slog.Int("piece", asn.Piece),
			slog.Int("blocks", len(asn.Blocks)),
		)
	}

	block := w.asn.Blocks[w.cursor]
	w.cursor++

	return block, true
}

func (w *Worker) sendInterested() error {
	if w.amInterested {
		return nil
	}

	if err := protocol.WriteMessage(w.conn, protocol.MessageInterested()); err != nil {
		return err
	}
	w.amInterested = true

	return nil
}

// close tears the connection down and returns any unfinished assignment to
// the session so another peer can claim it.
func (w *Worker) close() {
	if w.asn != nil {
		w.session.Abandon(w.asn.Piece)
		w.asn = nil
	}
	w.inflight = 0

	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}

	w.log.Debug("peer.closed")
}

func (w *Worker) resetCursor() {
	w.asn = nil
	w.cursor = 0
	w.inflight = 0
}
