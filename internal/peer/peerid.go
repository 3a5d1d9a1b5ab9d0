package peer

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

type PeerID = [20]byte

const idChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz.-"

// NewPeerID builds a Shadow style peer id: a six byte header made of the
// client identifier and one hex digit per version component, padded with
// '-', then "---" and eleven distinct characters from idChars.
//
// NewPeerID("S", "5.8.11") starts with "S58B--".
func NewPeerID(identifier, version string) (PeerID, error) {
	var id PeerID

	header := strings.ToUpper(identifier)
	for _, part := range strings.Split(version, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 15 {
			return id, fmt.Errorf("invalid version component %q", part)
		}
		header += strings.ToUpper(strconv.FormatInt(int64(n), 16))
	}

	if len(header) > 6 {
		return id, fmt.Errorf("peer id header %q longer than 6 bytes", header)
	}

	copy(id[:], header+strings.Repeat("-", 6-len(header))+"---")

	perm := rand.Perm(len(idChars))
	for i := 0; i < 11; i++ {
		id[9+i] = idChars[perm[i]]
	}

	return id, nil
}
