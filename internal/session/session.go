package session

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/internal/meta"
	"github.com/prxssh/burrow/internal/storage"
	"github.com/prxssh/burrow/pkg/bitfield"
)

// Block is a fixed-size subrange of one piece, the unit of a single wire
// request.
type Block struct {
	Piece  int
	Begin  int
	Length int
}

// Assignment is the block plan for one piece handed to exactly one peer
// worker. The worker owns the cursor through Blocks; the session only tracks
// deliveries.
type Assignment struct {
	Piece  int
	Blocks []Block
}

// ErrProtocolViolation marks a malformed delivery: unknown piece, unknown
// block offset, or wrong payload length. The offending peer is terminated;
// the session is unaffected.
var ErrProtocolViolation = errors.New("session: protocol violation")

type pieceState struct {
	index   int
	length  int
	blocks  []Block
	got     bitfield.Bitfield // arrived blocks, by block index
	payload []byte
}

func (p *pieceState) reset() {
	p.got.Reset()
	for i := range p.payload {
		p.payload[i] = 0
	}
}

// Session owns the shared download state: the authoritative piece table, the
// in-progress and received sets, and the queue of verified records awaiting
// persistence.
//
// All mutation happens under one mutex so the one-piece-one-owner invariant
// holds across concurrent peer workers.
type Session struct {
	meta    *meta.Metainfo
	log     *slog.Logger
	reqSize int

	mu         sync.Mutex
	pieces     []*pieceState
	inProgress map[int]struct{}
	received   bitfield.Bitfield
	receivedN  int

	out      chan storage.Record
	done     chan struct{}
	doneOnce sync.Once

	bytesDone    atomic.Int64
	hashFailures atomic.Int64
}

// New builds a session for m. The output queue is buffered to hold every
// piece so verification never blocks on the writer.
func New(m *meta.Metainfo, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}

	numPieces := m.NumPieces()
	reqSize := config.Load().RequestSize

	pieces := make([]*pieceState, numPieces)
	for i := range pieces {
		plen := int(m.PieceLengthAt(i))
		blockCount := (plen + reqSize - 1) / reqSize

		blocks := make([]Block, blockCount)
		for b := range blocks {
			length := reqSize
			if b == blockCount-1 {
				length = plen - (blockCount-1)*reqSize
			}
			blocks[b] = Block{Piece: i, Begin: b * reqSize, Length: length}
		}

		pieces[i] = &pieceState{
			index:   i,
			length:  plen,
			blocks:  blocks,
			got:     bitfield.New(blockCount),
			payload: make([]byte, plen),
		}
	}

	return &Session{
		meta:       m,
		log:        log.With("src", "session"),
		reqSize:    reqSize,
		pieces:     pieces,
		inProgress: make(map[int]struct{}),
		received:   bitfield.New(numPieces),
		out:        make(chan storage.Record, numPieces),
		done:       make(chan struct{}),
	}
}

// Output is the verified-record queue consumed by the file writer. It is
// closed when the last piece verifies.
func (s *Session) Output() <-chan storage.Record { return s.out }

// Done is closed when every piece has been received and verified.
func (s *Session) Done() <-chan struct{} { return s.done }

// NextRequest hands out the first piece the peer advertises that nobody is
// fetching and nobody has finished, scanning in index order. The piece moves
// to in-progress; the caller iterates the returned block plan and reports
// each block through DeliverBlock.
func (s *Session) NextRequest(have bitfield.Bitfield) (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pieces {
		if s.received.Has(p.index) {
			continue
		}
		if _, busy := s.inProgress[p.index]; busy {
			continue
		}
		if !have.Has(p.index) {
			continue
		}

		s.inProgress[p.index] = struct{}{}

		return Assignment{
			Piece:  p.index,
			Blocks: append([]Block(nil), p.blocks...),
		}, true
	}

	return Assignment{}, false
}

// DeliverBlock records one arrived block. A malformed delivery returns an
// error wrapping ErrProtocolViolation. Completion of a piece triggers the
// SHA-1 check: a match enqueues the payload for persistence, a mismatch
// resets the piece and leaves it eligible again. A bad hash is not an error
// to the caller.
func (s *Session) DeliverBlock(pieceIdx, begin int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return fmt.Errorf("%w: piece %d out of range", ErrProtocolViolation, pieceIdx)
	}
	p := s.pieces[pieceIdx]

	if begin < 0 || begin%s.reqSize != 0 || begin/s.reqSize >= len(p.blocks) {
		return fmt.Errorf(
			"%w: piece %d has no block at offset %d",
			ErrProtocolViolation, pieceIdx, begin,
		)
	}
	blockIdx := begin / s.reqSize

	if len(data) != p.blocks[blockIdx].Length {
		return fmt.Errorf(
			"%w: piece %d block %d length %d, want %d",
			ErrProtocolViolation, pieceIdx, blockIdx, len(data), p.blocks[blockIdx].Length,
		)
	}

	if s.received.Has(pieceIdx) {
		// Late duplicate from an abandoned assignment; the piece is
		// already verified and flushed.
		s.log.Debug("session.block.stale", slog.Int("piece", pieceIdx))
		return nil
	}

	// A duplicate of a pending block overwrites silently: honest peers
	// send identical bytes and the hash check settles the rest.
	copy(p.payload[begin:], data)
	p.got.Set(blockIdx)

	if !p.got.All(len(p.blocks)) {
		return nil
	}

	s.finishPiece(p)
	return nil
}

// finishPiece verifies a completed piece and routes it. Callers hold s.mu.
func (s *Session) finishPiece(p *pieceState) {
	delete(s.inProgress, p.index)

	if sha1.Sum(p.payload) != s.meta.PieceHash(p.index) {
		s.hashFailures.Add(1)
		s.log.Warn("session.piece.hash_mismatch", slog.Int("piece", p.index))
		p.reset()
		return
	}

	s.received.Set(p.index)
	s.receivedN++
	s.bytesDone.Add(int64(p.length))

	s.out <- storage.Record{
		Offset: int64(p.index) * s.meta.PieceLength,
		Data:   append([]byte(nil), p.payload...),
	}

	s.log.Info(
		"session.piece.verified",
		slog.Int("piece", p.index),
		slog.Int("received", s.receivedN),
		slog.Int("total", len(s.pieces)),
	)

	if s.receivedN == len(s.pieces) {
		s.doneOnce.Do(func() {
			close(s.out)
			close(s.done)
		})
	}
}

// Abandon returns an unfinished assignment to the eligible pool. Workers call
// it on the piece they hold when the connection dies so another peer can pick
// it up.
func (s *Session) Abandon(pieceIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inProgress[pieceIdx]; !busy {
		return
	}

	delete(s.inProgress, pieceIdx)
	s.pieces[pieceIdx].reset()
	s.log.Debug("session.piece.abandoned", slog.Int("piece", pieceIdx))
}

// IsComplete reports whether every piece has verified.
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.receivedN == len(s.pieces)
}

// BytesCompleted returns the number of verified payload bytes so far.
func (s *Session) BytesCompleted() int64 { return s.bytesDone.Load() }

// HashFailures returns how many completed pieces failed verification.
func (s *Session) HashFailures() int64 { return s.hashFailures.Load() }

// NumPieces returns the piece count P.
func (s *Session) NumPieces() int { return len(s.pieces) }

// VerifiedPieces returns how many pieces have been received and verified.
func (s *Session) VerifiedPieces() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.receivedN
}
