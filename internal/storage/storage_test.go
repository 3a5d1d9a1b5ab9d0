package storage

import (
	"testing"

	"github.com/danferreira/swarmwire/internal/metadata"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMeta(pieceLength int, files ...metadata.FileInfo) *metadata.Metadata {
	m := &metadata.Metadata{Info: metadata.Info{PieceLength: pieceLength, Files: files}}
	n := (m.Info.TotalLength() + int64(pieceLength) - 1) / int64(pieceLength)
	m.Info.Pieces = make([][20]byte, n)
	return m
}

func TestNewStorage(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := metadata.FileInfo{
		Path:   "dir/file_1.txt",
		Length: 100,
	}

	storage, err := NewStorage(fs, newMeta(16, file))
	require.NoError(t, err)

	defer storage.CloseFiles()

	assert.Equal(t, file.Path, storage.Files[0].Path)
	assert.Equal(t, file.Length, storage.Files[0].Length)
	exists, err := afero.Exists(fs, "dir/file_1.txt")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestReadAt(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "read_1.txt", []byte("abcde"), 0644))
	require.NoError(t, afero.WriteFile(fs, "read_2.txt", []byte("fghij"), 0644))

	storage, err := NewStorage(fs, newMeta(5,
		metadata.FileInfo{Path: "read_1.txt", Length: 5},
		metadata.FileInfo{Path: "read_2.txt", Length: 5},
	))
	require.NoError(t, err)

	defer storage.CloseFiles()

	tests := map[string]struct {
		start    int64
		len      int
		expected string
	}{
		"read from first file":           {0, 5, "abcde"},
		"read from second file":          {5, 5, "fghij"},
		"partially read from both files": {3, 5, "defgh"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			buf := make([]byte, tt.len)
			v, err := storage.ReadAt(buf, tt.start)
			assert.NoError(t, err)
			assert.Equal(t, tt.len, v)
			assert.Equal(t, []byte(tt.expected), buf)
		})
	}

	_, err = storage.ReadAt(make([]byte, 4), 8)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWriteAt(t *testing.T) {
	fs := afero.NewMemMapFs()

	storage, err := NewStorage(fs, newMeta(5,
		metadata.FileInfo{Path: "write_1.txt", Length: 5},
		metadata.FileInfo{Path: "write_2.txt", Length: 5},
		metadata.FileInfo{Path: "write_3.txt", Length: 5},
	))
	require.NoError(t, err)

	defer storage.CloseFiles()

	n, err := storage.WriteAt([]byte("cdefghijklmn"), 2)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	buf := make([]byte, 5)
	storage.Files[0].File.ReadAt(buf, 0)
	assert.Equal(t, []byte("\x00\x00cde"), buf)

	buf = make([]byte, 5)
	storage.Files[1].File.ReadAt(buf, 0)
	assert.Equal(t, []byte("fghij"), buf)

	buf = make([]byte, 4)
	storage.Files[2].File.ReadAt(buf, 0)
	assert.Equal(t, []byte("klmn"), buf)
}

func TestWritePieceReadBlock(t *testing.T) {
	fs := afero.NewMemMapFs()

	storage, err := NewStorage(fs, newMeta(8,
		metadata.FileInfo{Path: "t/a", Length: 6},
		metadata.FileInfo{Path: "t/b", Length: 14},
	))
	require.NoError(t, err)

	defer storage.CloseFiles()

	require.NoError(t, storage.WritePiece(1, []byte("01234567")))
	require.NoError(t, storage.WritePiece(2, []byte("abcd")))

	block, err := storage.ReadBlock(1, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), block)

	block, err = storage.ReadBlock(2, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), block)

	// piece 0 was never written and reads back as zeroes
	block, err = storage.ReadBlock(0, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), block)

	_, err = storage.ReadBlock(2, 0, 8)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = storage.ReadBlock(0, 4, 8)
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = storage.WritePiece(3, []byte("x"))
	assert.ErrorIs(t, err, ErrOutOfRange)
}
