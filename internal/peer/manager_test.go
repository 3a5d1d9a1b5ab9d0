package peer

import (
	"net"
	"testing"

	"github.com/danferreira/swarmwire/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSlots(t *testing.T) {
	m := NewManager(2)

	assert.True(t, m.Reserve("10.0.0.1:6881"))
	assert.False(t, m.Reserve("10.0.0.1:6881"), "duplicate address")
	assert.True(t, m.Reserve("10.0.0.2:6881"))
	assert.False(t, m.Reserve("10.0.0.3:6881"), "limit reached")

	assert.Equal(t, 2, m.Len())
	assert.True(t, m.Full())
	assert.Empty(t, m.Connections(), "reserved slots are not connections")

	m.Remove("10.0.0.1:6881")
	assert.False(t, m.Full())
	assert.True(t, m.Reserve("10.0.0.3:6881"))
}

func TestManagerBroadcast(t *testing.T) {
	pm := newTestManager(t, protocol.BlockSize, testData(2*protocol.BlockSize), &memWriter{})

	m := NewManager(5)
	a := newTestConnection(t, pm, nil)
	b := NewConnection(Peer{IP: net.IPv4(10, 0, 0, 2), Port: 6881}, testConfig(), Deps{Pieces: pm})

	require.True(t, m.Reserve(a.Peer().Addr()))
	require.True(t, m.Reserve(b.Peer().Addr()))
	require.True(t, m.Reserve("10.0.0.9:6881"))
	m.Attach(a)
	m.Attach(b)

	assert.Len(t, m.Connections(), 2)

	m.Broadcast(1)

	assert.Equal(t, []int{1}, a.takeHaves())
	assert.Equal(t, []int{1}, b.takeHaves())
}

func TestPool(t *testing.T) {
	p := NewPool(4)

	a := Peer{IP: net.IPv4(10, 0, 0, 1), Port: 1}
	b := Peer{IP: net.IPv4(10, 0, 0, 2), Port: 2}

	assert.Equal(t, 2, p.PushMany([]Peer{a, b}))
	assert.Equal(t, 0, p.PushMany([]Peer{a}))
	assert.Equal(t, 2, p.Len())

	got, ok := p.Pop()
	require.True(t, ok)
	assert.Equal(t, a, got)

	// popped peers stay known
	assert.Equal(t, 0, p.PushMany([]Peer{a}))

	p.Requeue(a)
	p.MarkSeen("10.0.0.3:3")
	assert.Equal(t, 0, p.PushMany([]Peer{{IP: net.IPv4(10, 0, 0, 3), Port: 3}}))

	got, _ = p.Pop()
	assert.Equal(t, b, got)
	got, _ = p.Pop()
	assert.Equal(t, a, got)

	_, ok = p.Pop()
	assert.False(t, ok)
}

func TestUnmarshal(t *testing.T) {
	tests := map[string]struct {
		input   []byte
		addr    string
		wantErr bool
	}{
		"correctly parses peer address": {input: []byte{127, 0, 0, 1, 0x1A, 0xE1}, addr: "127.0.0.1:6881"},
		"fails with invalid address":    {input: []byte{127, 0, 0, 1}, wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := Unmarshal(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, p.Addr())
		})
	}
}

func TestUnmarshalCompact(t *testing.T) {
	peers, err := UnmarshalCompact([]byte{
		127, 0, 0, 1, 0x1A, 0xE1,
		192, 168, 0, 10, 0x1B, 0x39,
	})
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "127.0.0.1:6881", peers[0].Addr())
	assert.Equal(t, "192.168.0.10:6969", peers[1].Addr())

	_, err = UnmarshalCompact([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFromAddr(t *testing.T) {
	p, err := FromAddr("[::1]:51413")
	require.NoError(t, err)
	assert.Equal(t, uint16(51413), p.Port)
	assert.Equal(t, "[::1]:51413", p.Addr())

	_, err = FromAddr("localhost:80")
	assert.Error(t, err)
	_, err = FromAddr("127.0.0.1:99999")
	assert.Error(t, err)
}
