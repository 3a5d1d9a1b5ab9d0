package handshake

import (
	"bytes"
	"io"
	"slices"
	"testing"

	"github.com/danferreira/swarmwire/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize(t *testing.T) {
	h := New(
		[20]byte{20, 19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		[20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
	)

	serialized := h.Serialize()

	assert.Len(t, serialized, 68)
	assert.Equal(t, []byte{19, 66, 105, 116, 84, 111, 114, 114, 101, 110, 116, 32, 112, 114, 111, 116, 111, 99, 111, 108, 0, 0, 0, 0, 0, 0, 0, 0, 20, 19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, serialized)
}

func TestDecode(t *testing.T) {
	infoHash := [20]byte{8}
	peerID := [20]byte{9}
	valid := slices.Concat([]byte{19}, []byte("BitTorrent protocol"), []byte{0, 0, 0, 0, 0, 0, 0, 0}, infoHash[:], peerID[:])

	tests := map[string]struct {
		input      []byte
		output     *Handshake
		shouldFail bool
	}{
		"mal constructed buffer":      {[]byte{0}, nil, true},
		"one byte short":              {valid[:67], nil, true},
		"one byte too long":           {append(slices.Clone(valid), 0), nil, true},
		"invalid protocol length":     {slices.Concat([]byte{18}, valid[1:]), nil, true},
		"invalid protocol identifier": {slices.Concat([]byte{19}, []byte("Some Other protocol"), valid[20:]), nil, true},
		"valid handshake": {valid, &Handshake{
			Pstr:     "BitTorrent protocol",
			InfoHash: infoHash,
			PeerID:   peerID,
		}, false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h, err := Decode(tt.input)

			if tt.shouldFail {
				require.Error(t, err)
				assert.True(t, protocol.IsProtocolError(err))
				assert.Nil(t, h)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.output, h)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	infoHash := [20]byte{0xde, 0xad, 0xbe, 0xef}
	peerID := [20]byte{'-', 'P', '0', '0', '1', '-'}

	h, err := Decode(New(infoHash, peerID).Serialize())
	require.NoError(t, err)

	assert.Equal(t, infoHash, h.InfoHash)
	assert.Equal(t, peerID, h.PeerID)
}

func TestReadShort(t *testing.T) {
	h := New([20]byte{1}, [20]byte{2})
	buff := bytes.NewBuffer(h.Serialize()[:40])

	_, err := Read(buff)

	require.Error(t, err)
	assert.True(t, protocol.IsProtocolError(err))
}

func TestReadClosed(t *testing.T) {
	_, err := Read(bytes.NewReader(nil))

	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, protocol.IsProtocolError(err))
}

func TestWrite(t *testing.T) {
	h := New([20]byte{8}, [20]byte{9})

	buffer := new(bytes.Buffer)
	err := h.Write(buffer)

	assert.Nil(t, err)
	assert.Equal(t, slices.Concat([]byte{19}, []byte("BitTorrent protocol"), []byte{0, 0, 0, 0, 0, 0, 0, 0}, h.InfoHash[:], h.PeerID[:]), buffer.Bytes())

	r, err := Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, h, r)
}

func TestVerify(t *testing.T) {
	infoHash := [20]byte{1}
	peerID := [20]byte{2}
	h := New(infoHash, peerID)

	assert.NoError(t, h.Verify(infoHash, [20]byte{}))
	assert.NoError(t, h.Verify(infoHash, peerID))

	err := h.Verify([20]byte{3}, [20]byte{})
	assert.True(t, protocol.IsProtocolError(err))
	assert.ErrorContains(t, err, "info hash mismatch")

	err = h.Verify(infoHash, [20]byte{4})
	assert.True(t, protocol.IsProtocolError(err))
	assert.ErrorContains(t, err, "peer id mismatch")
}
