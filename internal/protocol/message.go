package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a peer wire message type.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single length-prefixed peer wire message.
//
// Wire format:
//
//	keep-alive: <length=0:4>
//	otherwise:  <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

// maxFrameLen bounds a single frame; the largest legal message is a piece
// carrying one block (9 bytes of header + 16 KiB), anything far beyond that
// is a corrupt or hostile stream.
const maxFrameLen = 1 << 17

var (
	ErrShortMessage = errors.New("protocol: short message")
	ErrFrameTooLong = errors.New("protocol: frame length exceeds limit")
	ErrBadPayload   = errors.New("protocol: invalid payload size for message")
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

func MessageRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return &Message{ID: Request, Payload: payload}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)

	return &Message{ID: Piece, Payload: payload}
}

func MessageCancel(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return &Message{ID: Cancel, Payload: payload}
}

// ParseHave returns the piece index of a have message; ok is false if the
// payload is not exactly 4 bytes.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest splits a request payload into index, begin, and length; ok is
// false if the payload is not exactly 12 bytes.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || m.ID != Request || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece splits a piece payload into index, begin, and the block bytes;
// ok is false if fewer than 8 header bytes are present. The returned block
// aliases the message payload.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// Validate checks fixed-size payload invariants for the message id.
func (m *Message) Validate() error {
	if m == nil {
		return nil
	}

	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrBadPayload
		}
	case Have:
		if len(m.Payload) != 4 {
			return ErrBadPayload
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return ErrBadPayload
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayload
		}
	}

	return nil
}

// MarshalBinary encodes the message, keep-alive included, into wire bytes.
func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	// length prefix counts id + payload, not itself.
	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary decodes one complete frame from b. Keep-alive decodes to
// the zero Message; use ReadMessage for the nil-pointer convention.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if length > maxFrameLen {
		return ErrFrameTooLong
	}
	if uint32(len(b)) < 4+length {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	m.Payload = append([]byte(nil), b[5:4+length]...)

	return nil
}

// ReadMessage reads exactly one frame from r. It blocks until the frame is
// complete, so partial reads on the underlying stream are never lost, and
// returns nil for a keep-alive.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxFrameLen {
		return nil, ErrFrameTooLong
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrShortMessage
		}
		return nil, err
	}

	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// WriteMessage writes m (nil = keep-alive) to w as one frame.
func WriteMessage(w io.Writer, m *Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}
