package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/danferreira/swarmwire/internal/protocol"
)

// Size is the length of an encoded handshake: pstrlen, pstr, 8 reserved
// bytes, info hash and peer id.
const Size = 1 + len(protocol.Identifier) + 8 + 20 + 20

type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     protocol.Identifier,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, Size)
	buf[0] = byte(len(protocol.Identifier))
	curr := 1
	curr += copy(buf[curr:], protocol.Identifier)
	curr += copy(buf[curr:], make([]byte, 8)) // Reserved for Flags
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

func (h *Handshake) Write(writer io.Writer) error {
	_, err := writer.Write(h.Serialize())
	return err
}

// Verify checks the peer's handshake against the torrent we asked for and,
// when discovery advertised one, the peer id we expected.
func (h *Handshake) Verify(infoHash, expectedPeerID [20]byte) error {
	if !bytes.Equal(infoHash[:], h.InfoHash[:]) {
		return protocol.NewProtocolError("handshake", "info hash mismatch: got %x", h.InfoHash)
	}

	if expectedPeerID != [20]byte{} && expectedPeerID != h.PeerID {
		return protocol.NewProtocolError("handshake", "peer id mismatch: got %q", h.PeerID[:])
	}

	return nil
}

func Decode(buf []byte) (*Handshake, error) {
	if len(buf) != Size {
		return nil, protocol.NewProtocolError("handshake", "invalid handshake length %d", len(buf))
	}

	if int(buf[0]) != len(protocol.Identifier) {
		return nil, protocol.NewProtocolError("handshake", "invalid protocol length %d", buf[0])
	}

	pstr := string(buf[1 : 1+len(protocol.Identifier)])
	if pstr != protocol.Identifier {
		return nil, protocol.NewProtocolError("handshake", "invalid protocol identifier %q", pstr)
	}

	h := &Handshake{Pstr: pstr}
	curr := 1 + len(protocol.Identifier) + 8
	curr += copy(h.InfoHash[:], buf[curr:])
	copy(h.PeerID[:], buf[curr:])

	return h, nil
}

func Read(reader io.Reader) (*Handshake, error) {
	buf := make([]byte, Size)

	if _, err := io.ReadFull(reader, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &protocol.ProtocolError{Op: "handshake", Err: fmt.Errorf("short handshake: %w", err)}
		}
		return nil, err
	}

	return Decode(buf)
}
