package piece

import (
	"bytes"
	"crypto/sha1"
	"slices"

	"github.com/danferreira/swarmwire/internal/protocol"
)

// verify runs once every block of p is present. A corrupt piece is thrown
// away whole: blocks carry no hashes, so the bad one cannot be singled out.
// For the same reason only a peer that supplied every block gets a strike.
func (m *Manager) verify(index int, p *pendingPiece) (Result, error) {
	if !checkIntegrity(m.pieceHashes[index], p.data) {
		delete(m.pending, index)

		var peers []string
		for _, c := range p.contributors.ToSlice() {
			peers = append(peers, c.(string))
		}
		slices.Sort(peers)

		if len(peers) == 1 {
			m.strikes[peers[0]]++
		}

		m.logger.Warn("piece failed hash check", "index", index, "peers", peers)
		return PieceCorrupt, &protocol.HashMismatchError{Index: index, Peers: peers}
	}

	p.verified = true
	p.contributors = nil

	return m.write(index, p)
}

func (m *Manager) write(index int, p *pendingPiece) (Result, error) {
	if err := m.writer.WritePiece(index, p.data); err != nil {
		m.logger.Error("error writing piece to disk", "index", index, "error", err)
		return PieceUnwritten, &protocol.StorageError{Index: index, Err: err}
	}

	delete(m.pending, index)
	m.completed.SetPiece(index)
	m.numCompleted++
	m.stats.UpdateDownloaded(int64(p.size))

	m.logger.Debug("piece written to disk", "index", index)

	if m.numCompleted == len(m.pieceHashes) {
		m.logger.Info("all pieces downloaded")
		close(m.done)
	}

	return PieceCompleted, nil
}

// RetryWrites retries every verified piece whose earlier write failed and
// returns the errors of the attempts that failed again.
func (m *Manager) RetryWrites() []error {
	m.mu.Lock()

	var (
		written []int
		errs    []error
	)

	if !m.closed {
		var indexes []int
		for index, p := range m.pending {
			if p.verified {
				indexes = append(indexes, index)
			}
		}
		slices.Sort(indexes)

		for _, index := range indexes {
			res, err := m.write(index, m.pending[index])
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if res == PieceCompleted {
				written = append(written, index)
			}
		}
	}

	m.mu.Unlock()

	for _, index := range written {
		m.notify(index)
	}

	return errs
}

func checkIntegrity(expectedHash [20]byte, data []byte) bool {
	hash := sha1.Sum(data)
	return bytes.Equal(hash[:], expectedHash[:])
}
