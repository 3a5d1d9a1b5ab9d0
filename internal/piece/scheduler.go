package piece

import (
	"cmp"
	"slices"

	"github.com/danferreira/swarmwire/internal/bitfield"
	"github.com/danferreira/swarmwire/internal/protocol"
)

func numBlocks(size int) int {
	return (size + protocol.BlockSize - 1) / protocol.BlockSize
}

// blockLength is BlockSize except for the tail block of a piece.
func blockLength(pieceSize, begin int) int {
	return min(protocol.BlockSize, pieceSize-begin)
}

// NextRequests assigns up to n blocks that the peer behind owner can serve.
// Pieces with at least one block received come first, then the rarest among
// connected peers, then the lowest index; inside a piece the lowest free
// offset wins.
// A block is never assigned to two owners at once.
func (m *Manager) NextRequests(owner string, peerHas bitfield.Bitfield, n int) []Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || n <= 0 {
		return nil
	}

	candidates := m.candidates(peerHas)

	var blocks []Block

	for _, index := range candidates {
		size := m.PieceSize(index)
		p := m.pending[index]

		for b := 0; b < numBlocks(size); b++ {
			begin := b * protocol.BlockSize
			key := BlockKey{Index: index, Begin: begin}

			if p != nil && p.present.Get(b) {
				continue
			}
			if _, ok := m.inFlight[key]; ok {
				continue
			}

			m.inFlight[key] = owner
			blocks = append(blocks, Block{Index: index, Begin: begin, Length: blockLength(size, begin)})

			if len(blocks) == n {
				return blocks
			}
		}
	}

	return blocks
}

func (m *Manager) candidates(peerHas bitfield.Bitfield) []int {
	var out []int
	for i := range m.pieceHashes {
		if m.completed.HasPiece(i) || !peerHas.HasPiece(i) {
			continue
		}
		if p := m.pending[i]; p != nil && p.verified {
			continue
		}
		out = append(out, i)
	}

	slices.SortStableFunc(out, func(a, b int) int {
		pa, pb := m.partial(a), m.partial(b)
		if pa != pb {
			if pa {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(m.availability[a], m.availability[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	return out
}

// partial reports whether some block of index has arrived. Blocks that were
// only requested do not count.
func (m *Manager) partial(index int) bool {
	p := m.pending[index]
	return p != nil && p.received > 0
}
