package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danferreira/swarmwire/internal/bitfield"
	"github.com/danferreira/swarmwire/internal/protocol"
)

type MessageID uint8

const (
	MessageChoke         MessageID = 0
	MessageUnchoke       MessageID = 1
	MessageInterested    MessageID = 2
	MessageNotInterested MessageID = 3
	MessageHave          MessageID = 4
	MessageBitfield      MessageID = 5
	MessageRequest       MessageID = 6
	MessagePiece         MessageID = 7
	MessageCancel        MessageID = 8
	MessagePort          MessageID = 9
)

// MaxLength bounds the length prefix we accept from a peer.
const MaxLength = 1 << 21

var names = map[MessageID]string{
	MessageChoke:         "choke",
	MessageUnchoke:       "unchoke",
	MessageInterested:    "interested",
	MessageNotInterested: "not interested",
	MessageHave:          "have",
	MessageBitfield:      "bitfield",
	MessageRequest:       "request",
	MessagePiece:         "piece",
	MessageCancel:        "cancel",
	MessagePort:          "port",
}

func (id MessageID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is a decoded peer wire message. Only the fields relevant to ID are
// set. A nil *Message is a keep-alive.
type Message struct {
	ID       MessageID
	Index    uint32
	Begin    uint32
	Length   uint32
	Block    []byte
	Bitfield bitfield.Bitfield
	Port     uint16
}

func NewChoke() *Message         { return &Message{ID: MessageChoke} }
func NewUnchoke() *Message       { return &Message{ID: MessageUnchoke} }
func NewInterested() *Message    { return &Message{ID: MessageInterested} }
func NewNotInterested() *Message { return &Message{ID: MessageNotInterested} }

func NewHave(index int) *Message {
	return &Message{ID: MessageHave, Index: uint32(index)}
}

func NewBitfield(bf bitfield.Bitfield) *Message {
	return &Message{ID: MessageBitfield, Bitfield: bf}
}

func NewRequest(index, begin, length int) *Message {
	return &Message{ID: MessageRequest, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

func NewCancel(index, begin, length int) *Message {
	return &Message{ID: MessageCancel, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

func NewPiece(index, begin int, data []byte) *Message {
	return &Message{ID: MessagePiece, Index: uint32(index), Begin: uint32(begin), Block: data}
}

func NewPort(port uint16) *Message {
	return &Message{ID: MessagePort, Port: port}
}

func (m *Message) payload() []byte {
	switch m.ID {
	case MessageHave:
		return binary.BigEndian.AppendUint32(nil, m.Index)
	case MessageBitfield:
		return m.Bitfield
	case MessageRequest, MessageCancel:
		buf := make([]byte, 12)
		binary.BigEndian.PutUint32(buf[0:4], m.Index)
		binary.BigEndian.PutUint32(buf[4:8], m.Begin)
		binary.BigEndian.PutUint32(buf[8:12], m.Length)
		return buf
	case MessagePiece:
		buf := make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(buf[0:4], m.Index)
		binary.BigEndian.PutUint32(buf[4:8], m.Begin)
		copy(buf[8:], m.Block)
		return buf
	case MessagePort:
		return binary.BigEndian.AppendUint16(nil, m.Port)
	}
	return nil
}

// Serialize encodes m with its length prefix. The prefix is always derived
// from the payload built here.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}

	payload := m.payload()
	length := uint32(len(payload) + 1) // +1 for id
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], payload)
	return buf
}

func (m *Message) Write(w io.Writer) error {
	_, err := w.Write(m.Serialize())
	return err
}

func (m *Message) String() string {
	if m == nil {
		return "keep-alive"
	}

	switch m.ID {
	case MessageHave:
		return fmt.Sprintf("have(%d)", m.Index)
	case MessageBitfield:
		return fmt.Sprintf("bitfield(%d bytes)", len(m.Bitfield))
	case MessageRequest, MessageCancel:
		return fmt.Sprintf("%s(%d, %d, %d)", m.ID, m.Index, m.Begin, m.Length)
	case MessagePiece:
		return fmt.Sprintf("piece(%d, %d, %d bytes)", m.Index, m.Begin, len(m.Block))
	case MessagePort:
		return fmt.Sprintf("port(%d)", m.Port)
	}
	return m.ID.String()
}

// Read reads exactly one frame from reader. A clean EOF before any byte of the
// frame is returned as io.EOF; a frame cut short is a ProtocolError.
func Read(reader io.Reader) (*Message, error) {
	msgLen := make([]byte, 4)
	if _, err := io.ReadFull(reader, msgLen); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &protocol.ProtocolError{Op: "read", Err: fmt.Errorf("buffer is too short: %w", err)}
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(msgLen)

	if length == 0 {
		return nil, nil
	}

	if length > MaxLength {
		return nil, protocol.NewProtocolError("read", "message length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &protocol.ProtocolError{Op: "read", Err: fmt.Errorf("payload is too short: %w", err)}
		}
		return nil, err
	}

	return decode(MessageID(payload[0]), payload[1:])
}

// Unmarshal decodes a single complete frame held in buf.
func Unmarshal(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, protocol.NewProtocolError("unmarshal", "buffer is too short: %d bytes", len(buf))
	}

	r := bytes.NewReader(buf)
	m, err := Read(r)
	if err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		return nil, protocol.NewProtocolError("unmarshal", "%d trailing bytes", r.Len())
	}

	return m, nil
}

func decode(id MessageID, payload []byte) (*Message, error) {
	m := &Message{ID: id}

	switch id {
	case MessageChoke, MessageUnchoke, MessageInterested, MessageNotInterested:
		if len(payload) != 0 {
			return nil, invalidPayload(id, len(payload))
		}
	case MessageHave:
		if len(payload) != 4 {
			return nil, invalidPayload(id, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case MessageBitfield:
		m.Bitfield = bitfield.Bitfield(payload).Clone()
	case MessageRequest, MessageCancel:
		if len(payload) != 12 {
			return nil, invalidPayload(id, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case MessagePiece:
		if len(payload) < 8 {
			return nil, invalidPayload(id, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = payload[8:]
	case MessagePort:
		if len(payload) != 2 {
			return nil, invalidPayload(id, len(payload))
		}
		m.Port = binary.BigEndian.Uint16(payload)
	default:
		return nil, protocol.NewProtocolError("decode", "unknown message id %d", uint8(id))
	}

	return m, nil
}

func invalidPayload(id MessageID, n int) error {
	return protocol.NewProtocolError("decode", "invalid payload length %d for %s", n, id)
}
