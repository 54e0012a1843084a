package protocol

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func testHashes() (infoHash, peerID [sha1.Size]byte) {
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, sha1.Size))
	copy(peerID[:], "-BW0001-abcdefghijkl")
	return
}

func TestHandshakeMarshalRoundTrip(t *testing.T) {
	infoHash, peerID := testHashes()
	h := NewHandshake(infoHash, peerID)

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != HandshakeLen {
		t.Fatalf("len = %d, want %d", len(b), HandshakeLen)
	}
	if b[0] != 19 || string(b[1:20]) != "BitTorrent protocol" {
		t.Fatalf("bad preamble: %q", b[:20])
	}

	var got Handshake
	if _, err := got.ReadFrom(bytes.NewReader(b)); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got.Pstr != h.Pstr || got.InfoHash != h.InfoHash || got.PeerID != h.PeerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshakeShortRead(t *testing.T) {
	infoHash, peerID := testHashes()
	b, _ := NewHandshake(infoHash, peerID).MarshalBinary()

	var got Handshake
	if _, err := got.ReadFrom(bytes.NewReader(b[:30])); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("short read = %v, want ErrShortHandshake", err)
	}
}

// remoteEnd answers the local handshake on conn with a reply carrying the
// given info-hash.
func remoteEnd(t *testing.T, conn net.Conn, replyHash [sha1.Size]byte) {
	t.Helper()

	go func() {
		var incoming Handshake
		if _, err := incoming.ReadFrom(conn); err != nil {
			return
		}

		_, peerID := testHashes()
		reply := NewHandshake(replyHash, peerID)
		_, _ = reply.WriteTo(conn)
	}()
}

func TestExchangeValidatesInfoHash(t *testing.T) {
	infoHash, peerID := testHashes()

	t.Run("matching", func(t *testing.T) {
		local, remote := net.Pipe()
		defer local.Close()
		defer remote.Close()

		remoteEnd(t, remote, infoHash)

		_ = local.SetDeadline(time.Now().Add(2 * time.Second))
		got, err := NewHandshake(infoHash, peerID).Exchange(local)
		if err != nil {
			t.Fatalf("Exchange: %v", err)
		}
		if got.InfoHash != infoHash {
			t.Fatalf("remote info hash = %x", got.InfoHash)
		}
	})

	t.Run("mismatched", func(t *testing.T) {
		local, remote := net.Pipe()
		defer local.Close()
		defer remote.Close()

		var wrong [sha1.Size]byte
		copy(wrong[:], bytes.Repeat([]byte{0xEE}, sha1.Size))
		remoteEnd(t, remote, wrong)

		_ = local.SetDeadline(time.Now().Add(2 * time.Second))
		_, err := NewHandshake(infoHash, peerID).Exchange(local)
		if !errors.Is(err, ErrInfoHashMismatch) {
			t.Fatalf("Exchange = %v, want ErrInfoHashMismatch", err)
		}
	})
}

func TestExchangeRejectsForeignProtocol(t *testing.T) {
	infoHash, peerID := testHashes()

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		_, _ = io.CopyN(io.Discard, remote, int64(HandshakeLen))

		bad := &Handshake{Pstr: "Gopher exchange 1.0", InfoHash: infoHash}
		_, _ = bad.WriteTo(remote)
	}()

	_ = local.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := NewHandshake(infoHash, peerID).Exchange(local)
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("Exchange = %v, want ErrProtocolMismatch", err)
	}
}
