package piece

import (
	"github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
)

// BlockKey identifies a block by piece index and byte offset inside the piece.
type BlockKey struct {
	Index int
	Begin int
}

type Block struct {
	Index  int
	Begin  int
	Length int
}

func (b Block) Key() BlockKey {
	return BlockKey{Index: b.Index, Begin: b.Begin}
}

// Writer receives every verified piece exactly once.
type Writer interface {
	WritePiece(index int, data []byte) error
}

type Result uint8

const (
	BlockAccepted Result = iota
	BlockDuplicate
	PieceCompleted
	PieceCorrupt
	PieceUnwritten
)

func (r Result) String() string {
	switch r {
	case BlockAccepted:
		return "accepted"
	case BlockDuplicate:
		return "duplicate"
	case PieceCompleted:
		return "completed"
	case PieceCorrupt:
		return "corrupt"
	case PieceUnwritten:
		return "unwritten"
	}
	return "unknown"
}

// pendingPiece is a piece with at least one block received.
type pendingPiece struct {
	size      int
	numBlocks int
	present   bitmap.Bitmap
	received  int
	data      []byte

	// peers that supplied at least one block
	contributors mapset.Set

	// verified pieces waiting for a successful write
	verified bool
}

func newPendingPiece(size int) *pendingPiece {
	n := numBlocks(size)
	return &pendingPiece{
		size:         size,
		numBlocks:    n,
		present:      bitmap.New(n),
		data:         make([]byte, size),
		contributors: mapset.NewSet(),
	}
}

func (p *pendingPiece) isComplete() bool {
	return p.received == p.numBlocks
}
