package peer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/internal/meta"
	"github.com/prxssh/burrow/internal/protocol"
	"github.com/prxssh/burrow/internal/session"
)

func TestMain(m *testing.M) {
	config.Init()
	config.Update(func(c *config.Config) {
		c.RetryInitialDelay = time.Millisecond
		c.RetryMaxDelay = 5 * time.Millisecond
	})
	os.Exit(m.Run())
}

func buildMeta(t *testing.T, pieceLen int64, payload []byte) *meta.Metainfo {
	t.Helper()

	var hashes bytes.Buffer
	for off := int64(0); off < int64(len(payload)); off += pieceLen {
		end := min(off+pieceLen, int64(len(payload)))
		h := sha1.Sum(payload[off:end])
		hashes.Write(h[:])
	}

	info := fmt.Sprintf(
		"d6:lengthi%de4:name4:blob12:piece lengthi%de6:pieces%d:%s",
		len(payload), pieceLen, hashes.Len(), hashes.String(),
	) + "e"
	raw := "d8:announce18:http://t.example/a4:info" + info + "e"

	m, err := meta.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("meta.Parse: %v", err)
	}
	return m
}

type seeder struct {
	payload   []byte
	pieceLen  int
	infoHash  [sha1.Size]byte
	corruptN  int // serve garbage for the first corruptN piece requests
	numPieces int
}

// serve impersonates a well-behaved remote: handshake, full bitfield,
// unchoke, then answer each request from payload.
func (sd *seeder) serve(t *testing.T, conn net.Conn) {
	t.Helper()
	defer conn.Close()

	var their protocol.Handshake
	if _, err := their.ReadFrom(conn); err != nil {
		return
	}

	var peerID [sha1.Size]byte
	copy(peerID[:], "-SEED00-000000000000")
	reply := protocol.NewHandshake(sd.infoHash, peerID)
	if _, err := reply.WriteTo(conn); err != nil {
		return
	}

	bits := make([]byte, (sd.numPieces+7)/8)
	for i := 0; i < sd.numPieces; i++ {
		bits[i/8] |= 1 << (7 - i%8)
	}
	if err := protocol.WriteMessage(conn, protocol.MessageBitfield(bits)); err != nil {
		return
	}
	if err := protocol.WriteMessage(conn, protocol.MessageUnchoke()); err != nil {
		return
	}

	served := 0
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg == nil || msg.ID != protocol.Request {
			continue
		}

		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			return
		}

		off := int(index)*sd.pieceLen + int(begin)
		block := sd.payload[off : off+int(length)]
		if served < sd.corruptN {
			block = bytes.Repeat([]byte{0xFF}, int(length))
		}
		served++

		if err := protocol.WriteMessage(conn, protocol.MessagePiece(index, begin, block)); err != nil {
			return
		}
	}
}

func startSeeder(t *testing.T, sd *seeder) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go sd.serve(t, conn)
		}
	}()

	return netip.MustParseAddrPort(ln.Addr().String())
}

func localIdentity() (infoHash, peerID [sha1.Size]byte) {
	copy(infoHash[:], bytes.Repeat([]byte{0x11}, sha1.Size))
	copy(peerID[:], "-BW0001-aaaaaaaaaaaa")
	return
}

func TestWorkerDownloadsSinglePiece(t *testing.T) {
	payload := make([]byte, 16384)
	m := buildMeta(t, 16384, payload)
	s := session.New(m, nil)

	_, peerID := localIdentity()
	addr := startSeeder(t, &seeder{
		payload:   payload,
		pieceLen:  16384,
		infoHash:  m.InfoHash,
		numPieces: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := NewWorker(addr, s, m.InfoHash, peerID, nil)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !s.IsComplete() {
		t.Fatal("session incomplete after worker run")
	}

	rec := <-s.Output()
	if rec.Offset != 0 || !bytes.Equal(rec.Data, payload) {
		t.Fatalf("record = (%d, %d bytes)", rec.Offset, len(rec.Data))
	}
}

func TestWorkerRecoversFromCorruptPiece(t *testing.T) {
	payload := make([]byte, 16384)
	m := buildMeta(t, 16384, payload)
	s := session.New(m, nil)

	_, peerID := localIdentity()
	addr := startSeeder(t, &seeder{
		payload:   payload,
		pieceLen:  16384,
		infoHash:  m.InfoHash,
		numPieces: 1,
		corruptN:  1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := NewWorker(addr, s, m.InfoHash, peerID, nil)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !s.IsComplete() {
		t.Fatal("session incomplete after retried piece")
	}
	if s.HashFailures() != 1 {
		t.Fatalf("HashFailures = %d, want exactly 1", s.HashFailures())
	}
}

func TestWorkerClosesOnWrongInfoHash(t *testing.T) {
	payload := make([]byte, 16384)
	m := buildMeta(t, 16384, payload)
	s := session.New(m, nil)

	var wrong [sha1.Size]byte
	copy(wrong[:], bytes.Repeat([]byte{0xEE}, sha1.Size))

	_, peerID := localIdentity()
	addr := startSeeder(t, &seeder{
		payload:   payload,
		pieceLen:  16384,
		infoHash:  wrong,
		numPieces: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Fatal per-peer error is absorbed: Run returns nil, session unmoved.
	w := NewWorker(addr, s, m.InfoHash, peerID, nil)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.IsComplete() || s.BytesCompleted() != 0 {
		t.Fatal("session advanced despite handshake mismatch")
	}
}

func TestWorkerGivesUpAfterRetryBudget(t *testing.T) {
	payload := make([]byte, 16384)
	m := buildMeta(t, 16384, payload)
	s := session.New(m, nil)

	// A listener that is immediately closed: every dial fails fast.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	_, peerID := localIdentity()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	w := NewWorker(addr, s, m.InfoHash, peerID, nil)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("retry budget did not bound the attempts")
	}
}
