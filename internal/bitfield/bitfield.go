package bitfield

import (
	"errors"
	"math/bits"
)

// Bitfield holds one bit per piece, most significant bit first, padded to a
// byte boundary.
type Bitfield []byte

var (
	ErrLength    = errors.New("bitfield has wrong length")
	ErrSpareBits = errors.New("bitfield has spare bits set")
)

func New(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf) {
		return false
	}

	bitOffset := 7 - (index % 8)
	return bf[byteIndex]&(1<<bitOffset) != 0
}

func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8

	if index < 0 || byteIndex >= len(bf) {
		return
	}

	bitOffset := 7 - (index % 8)
	bf[byteIndex] |= (1 << bitOffset)
}

func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}
	return n
}

func (bf Bitfield) Clone() Bitfield {
	if bf == nil {
		return nil
	}
	c := make(Bitfield, len(bf))
	copy(c, bf)
	return c
}

// Pieces returns the indexes of every set bit in ascending order.
func (bf Bitfield) Pieces() []int {
	var out []int
	for i := 0; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			out = append(out, i)
		}
	}
	return out
}

// Validate checks that bf is exactly sized for numPieces and that the padding
// bits after the last piece are clear.
func (bf Bitfield) Validate(numPieces int) error {
	if len(bf) != (numPieces+7)/8 {
		return ErrLength
	}

	for i := numPieces; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			return ErrSpareBits
		}
	}

	return nil
}
