package metadata

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTorrent(t *testing.T, info map[string]interface{}) ([]byte, [20]byte) {
	t.Helper()

	var infoBuf bytes.Buffer
	require.NoError(t, bencode.Marshal(&infoBuf, info))

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, map[string]interface{}{
		"announce": "http://localhost:8000/announce",
		"info":     info,
	}))

	return buf.Bytes(), sha1.Sum(infoBuf.Bytes())
}

func TestDecodeSingleFileTorrent(t *testing.T) {
	pieces := strings.Repeat("a", 20) + strings.Repeat("b", 20) + strings.Repeat("c", 20)
	raw, expectedHash := encodeTorrent(t, map[string]interface{}{
		"name":         "file_1.txt",
		"piece length": 32768,
		"length":       70000,
		"pieces":       pieces,
	})

	metadata, err := Decode(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/announce", metadata.Announce.String())
	assert.Equal(t, "file_1.txt", metadata.Info.Name)
	assert.Equal(t, 1, len(metadata.Info.Files))
	assert.Equal(t, 3, metadata.Info.NumPieces())
	assert.Equal(t, 32768, metadata.Info.PieceLength)
	assert.Equal(t, "file_1.txt", metadata.Info.Files[0].Path)
	assert.Equal(t, expectedHash, metadata.InfoHash())

	var b [20]byte
	copy(b[:], strings.Repeat("b", 20))
	assert.Equal(t, b, metadata.Info.Pieces[1])
}

func TestDecodeMultiFileTorrent(t *testing.T) {
	raw, expectedHash := encodeTorrent(t, map[string]interface{}{
		"name":         "files",
		"piece length": 16384,
		"pieces":       strings.Repeat("x", 40),
		"files": []interface{}{
			map[string]interface{}{"length": 10000, "path": []interface{}{"file_1.txt"}},
			map[string]interface{}{"length": 10000, "path": []interface{}{"sub", "file_2.txt"}},
		},
		"private": 1,
	})

	metadata, err := Decode(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "files", metadata.Info.Name)
	assert.Equal(t, 2, len(metadata.Info.Files))
	assert.Equal(t, filepath.Join("files", "file_1.txt"), metadata.Info.Files[0].Path)
	assert.Equal(t, filepath.Join("files", "sub", "file_2.txt"), metadata.Info.Files[1].Path)
	assert.Equal(t, int64(20000), metadata.Info.TotalLength())

	// keys outside our model still count towards the info hash
	assert.Equal(t, expectedHash, metadata.InfoHash())
}

func TestParse(t *testing.T) {
	raw, expectedHash := encodeTorrent(t, map[string]interface{}{
		"name":         "file_1.txt",
		"piece length": 16384,
		"length":       100,
		"pieces":       strings.Repeat("a", 20),
	})

	path := filepath.Join(t.TempDir(), "file.torrent")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	metadata, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, expectedHash, metadata.InfoHash())

	_, err = Parse(filepath.Join(t.TempDir(), "missing.torrent"))
	assert.Error(t, err)
}

func TestDecodeInvalid(t *testing.T) {
	tests := map[string]map[string]interface{}{
		"pieces not multiple of 20": {"name": "a", "piece length": 16384, "length": 100, "pieces": strings.Repeat("a", 21)},
		"too few pieces":            {"name": "a", "piece length": 16384, "length": 20000, "pieces": strings.Repeat("a", 20)},
		"zero piece length":         {"name": "a", "piece length": 0, "length": 100, "pieces": strings.Repeat("a", 20)},
		"zero length":               {"name": "a", "piece length": 16384, "length": 0, "pieces": ""},
	}

	for name, info := range tests {
		t.Run(name, func(t *testing.T) {
			raw, _ := encodeTorrent(t, info)
			_, err := Decode(bytes.NewReader(raw))
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}

	_, err := Decode(strings.NewReader("not bencode"))
	assert.Error(t, err)
}

func TestTotalLength(t *testing.T) {
	metadata := Metadata{
		Info: Info{
			Files: []FileInfo{
				{
					Length: 1024000,
				},
				{
					Length: 512000,
				},
			},
		},
	}

	assert.Equal(t, int64(1536000), metadata.Info.TotalLength())
}

func TestPieceSize(t *testing.T) {
	info := Info{
		PieceLength: 32768,
		Pieces:      make([][20]byte, 3),
		Files:       []FileInfo{{Length: 70000}},
	}

	assert.Equal(t, 32768, info.PieceSize(0))
	assert.Equal(t, 32768, info.PieceSize(1))
	assert.Equal(t, 70000-2*32768, info.PieceSize(2))
}

func TestValidate(t *testing.T) {
	var nilMeta *Metadata
	assert.ErrorIs(t, nilMeta.Validate(), ErrInvalid)

	m := &Metadata{Info: Info{PieceLength: 10, Pieces: make([][20]byte, 2), Files: []FileInfo{{Length: 15}}}}
	assert.NoError(t, m.Validate())
}
