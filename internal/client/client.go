package client

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/internal/meta"
	"github.com/prxssh/burrow/internal/peer"
	"github.com/prxssh/burrow/internal/session"
	"github.com/prxssh/burrow/internal/storage"
	"github.com/prxssh/burrow/internal/tracker"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// ErrNoPeers is returned when the tracker answered but offered no usable
// peer addresses.
var ErrNoPeers = errors.New("client: tracker returned no peers")

// Client runs complete downloads. One peer ID is generated per client and
// reused for every announce and handshake it performs.
type Client struct {
	peerID [sha1.Size]byte
	log    *slog.Logger
}

func New(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		peerID: generatePeerID(),
		log:    log.With("src", "client"),
	}
}

// generatePeerID builds an Azureus-style peer ID: the configured 8-byte
// client prefix followed by 12 random hex characters.
func generatePeerID() [sha1.Size]byte {
	var id [sha1.Size]byte

	n := copy(id[:], config.Load().ClientIDPrefix)
	u := uuid.New()
	copy(id[n:], hex.EncodeToString(u[:]))

	return id
}

// Download fetches the torrent described by torrentPath into outDir and
// blocks until every piece is verified on disk or a fatal error occurs.
func (c *Client) Download(ctx context.Context, torrentPath, outDir string) error {
	m, err := meta.Load(torrentPath)
	if err != nil {
		return err
	}

	log := c.log.With("torrent", m.Name)
	log.Info(
		"download.begin",
		slog.String("info_hash", hex.EncodeToString(m.InfoHash[:])),
		slog.Int64("size", m.TotalSize()),
		slog.Int("pieces", m.NumPieces()),
		slog.Int64("piece_length", m.PieceLength),
	)

	trk, err := tracker.New(m.Announce, m.InfoHash, c.peerID, m.TotalSize(), log)
	if err != nil {
		return err
	}

	peers, err := trk.GetPeers(ctx)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return ErrNoPeers
	}

	if outDir == "" {
		outDir = config.Load().DownloadDir
	}
	outPath, err := storage.UniquePath(outDir, m.Name)
	if err != nil {
		return err
	}
	writer, err := storage.NewWriter(outPath, log)
	if err != nil {
		return err
	}

	s := session.New(m, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)

	// Completion pulls the plug on every blocked peer read.
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-egCtx.Done():
		}
	}()

	var fleet sync.WaitGroup
	for _, addr := range peers {
		w := peer.NewWorker(addr, s, m.InfoHash, c.peerID, log)

		fleet.Add(1)
		go func() {
			defer fleet.Done()
			_ = w.Run(egCtx)
		}()
	}

	eg.Go(func() error {
		fleet.Wait()
		if s.IsComplete() {
			return nil
		}
		if err := egCtx.Err(); err != nil {
			return err
		}
		return fmt.Errorf(
			"client: all %d peers exhausted with %d/%d pieces verified",
			len(peers), s.VerifiedPieces(), s.NumPieces(),
		)
	})

	eg.Go(func() error {
		return writer.Run(egCtx, s.Output())
	})

	eg.Go(func() error {
		return trackProgress(egCtx, s, m.TotalSize())
	})

	err = eg.Wait()
	if closeErr := writer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil && !(errors.Is(err, context.Canceled) && s.IsComplete()) {
		return err
	}

	log.Info(
		"download.done",
		slog.String("file", writer.Path()),
		slog.Int64("hash_failures", s.HashFailures()),
	)

	return nil
}

// trackProgress renders a byte-accurate progress bar until the download
// finishes or the group dies.
func trackProgress(ctx context.Context, s *session.Session, total int64) error {
	bar := progressbar.DefaultBytes(total, "downloading")

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			_ = bar.Set64(total)
			_ = bar.Finish()
			return nil
		case <-ticker.C:
			_ = bar.Set64(s.BytesCompleted())
		}
	}
}
