package peer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerID(t *testing.T) {
	peerID, err := NewPeerID("p", "0.0.1")
	require.NoError(t, err)

	assert.Equal(t, 20, len(peerID))
	assert.True(t, strings.HasPrefix(string(peerID[:]), "P001-----"))

	body := peerID[9:]
	seen := make(map[byte]bool)
	for _, c := range body {
		assert.True(t, strings.IndexByte(idChars, c) >= 0, "unexpected char %q", c)
		assert.False(t, seen[c], "repeated char %q", c)
		seen[c] = true
	}

	other, err := NewPeerID("p", "0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, peerID, other)
}

func TestNewPeerIDHeader(t *testing.T) {
	tests := map[string]struct {
		identifier string
		version    string
		prefix     string
		wantErr    bool
	}{
		"hex components":  {"S", "5.8.11", "S58B-----", false},
		"two letter name": {"gt", "1.2", "GT12-----", false},
		"full header":     {"AB", "1.2.3.4", "AB1234---", false},
		"too long":        {"ABC", "1.2.3.4", "", true},
		"not a number":    {"S", "1.x", "", true},
		"component > 15":  {"S", "16", "", true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			id, err := NewPeerID(tt.identifier, tt.version)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.prefix, string(id[:9]))
		})
	}
}
