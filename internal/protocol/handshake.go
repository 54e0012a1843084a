package protocol

import (
	"crypto/sha1"
	"errors"
	"io"
)

const (
	pstr      = "BitTorrent protocol"
	reservedN = 8

	// HandshakeLen is the full wire size of a canonical handshake:
	// 1 + len(pstr) + 8 reserved + 20 info-hash + 20 peer-id.
	HandshakeLen = 1 + len(pstr) + reservedN + sha1.Size + sha1.Size
)

// Handshake is the fixed greeting that opens every peer connection.
//
// Wire format: <pstrlen:1><pstr><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
)

// NewHandshake returns a canonical handshake for infoHash signed with the
// local peerID. Reserved bytes are zero; no extensions are advertised.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     pstr,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// MarshalBinary encodes the handshake into its wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, 1+len(h.Pstr)+reservedN+sha1.Size+sha1.Size)
	buf[0] = byte(len(h.Pstr))
	off := 1
	off += copy(buf[off:], h.Pstr)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

// ReadFrom reads and decodes one complete handshake from r, blocking until
// all bytes arrive.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}

	pstrlen := int(hdr[0])
	if pstrlen == 0 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedN+sha1.Size+sha1.Size)
	n, err := io.ReadFull(r, rest)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return int64(1 + n), ErrShortHandshake
		}
		return int64(1 + n), err
	}

	h.Pstr = string(rest[:pstrlen])
	off := pstrlen
	off += copy(h.Reserved[:], rest[off:])
	off += copy(h.InfoHash[:], rest[off:])
	copy(h.PeerID[:], rest[off:])

	return int64(1 + n), nil
}

// WriteTo writes the handshake's wire bytes to w.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// Exchange sends the local handshake on rw, reads the remote reply, and
// validates the protocol string and info-hash. It returns the remote
// handshake so the caller can log the peer id.
func (h *Handshake) Exchange(rw io.ReadWriter) (Handshake, error) {
	if _, err := h.WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	var remote Handshake
	if _, err := remote.ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if remote.Pstr != pstr {
		return Handshake{}, ErrProtocolMismatch
	}
	if remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}

	return remote, nil
}
