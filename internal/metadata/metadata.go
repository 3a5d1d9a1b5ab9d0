package metadata

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jackpal/bencode-go"
)

// Metadata is the read-only description of a torrent. It is loaded once and
// never mutated afterwards.
type Metadata struct {
	Announce *url.URL
	Info     Info
}

type Info struct {
	Name        string
	Pieces      [][20]byte
	PieceLength int
	Files       []FileInfo
	InfoHash    [20]byte
}

type FileInfo struct {
	Path   string
	Length int64
}

type torrentFile struct {
	Announce string          `bencode:"announce"`
	Info     torrentFileInfo `bencode:"info"`
}

type torrentFileInfo struct {
	Name        string                `bencode:"name"`
	Pieces      string                `bencode:"pieces"`
	PieceLength int                   `bencode:"piece length"`
	Length      int64                 `bencode:"length"`
	Files       []torrentFileInfoFile `bencode:"files"`
}

type torrentFileInfoFile struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

var ErrInvalid = errors.New("invalid metadata")

func Parse(path string) (*Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Decode(file)
}

// Decode reads a bencoded metainfo file. The info hash is computed over the
// re-encoded info dictionary as decoded, so keys we do not model are kept.
func Decode(r io.Reader) (*Metadata, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	tf := torrentFile{}
	if err = bencode.Unmarshal(bytes.NewReader(raw), &tf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	generic, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	dict, ok := generic.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrInvalid)
	}

	info, ok := dict["info"]
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalid)
	}

	var buf bytes.Buffer
	if err = bencode.Marshal(&buf, info); err != nil {
		return nil, err
	}

	announceURL, err := url.Parse(tf.Announce)
	if err != nil {
		return nil, err
	}

	var files []FileInfo

	if len(tf.Info.Files) > 0 {
		for _, file := range tf.Info.Files {
			path := filepath.Join(tf.Info.Name, strings.Join(file.Path, "/"))
			files = append(files, FileInfo{
				Path:   path,
				Length: file.Length,
			})
		}
	} else {
		files = append(files, FileInfo{
			Path:   tf.Info.Name,
			Length: tf.Info.Length,
		})
	}

	if len(tf.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces length %d is not a multiple of 20", ErrInvalid, len(tf.Info.Pieces))
	}

	chunks := slices.Collect(slices.Chunk([]byte(tf.Info.Pieces), 20))
	pieces := make([][20]byte, 0, len(chunks))

	for _, chunk := range chunks {
		var arr [20]byte
		copy(arr[:], chunk)
		pieces = append(pieces, arr)
	}

	m := &Metadata{
		Announce: announceURL,
		Info: Info{
			Name:        tf.Info.Name,
			Pieces:      pieces,
			PieceLength: tf.Info.PieceLength,
			Files:       files,
			InfoHash:    sha1.Sum(buf.Bytes()),
		},
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks that the piece geometry is consistent with the total
// length. Anything failing here cannot be downloaded.
func (m *Metadata) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: missing", ErrInvalid)
	}

	if m.Info.PieceLength <= 0 {
		return fmt.Errorf("%w: piece length %d", ErrInvalid, m.Info.PieceLength)
	}

	total := m.Info.TotalLength()
	if total <= 0 {
		return fmt.Errorf("%w: total length %d", ErrInvalid, total)
	}

	want := int((total + int64(m.Info.PieceLength) - 1) / int64(m.Info.PieceLength))
	if len(m.Info.Pieces) != want {
		return fmt.Errorf("%w: %d piece hashes for %d pieces", ErrInvalid, len(m.Info.Pieces), want)
	}

	return nil
}

func (m *Metadata) InfoHash() [20]byte {
	return m.Info.InfoHash
}

func (t *Info) TotalLength() int64 {
	var total int64
	for _, file := range t.Files {
		total += file.Length
	}

	return total
}

func (t *Info) NumPieces() int {
	return len(t.Pieces)
}

// PieceSize returns the length of piece index; only the last piece may be
// shorter than PieceLength.
func (t *Info) PieceSize(index int) int {
	begin := int64(index) * int64(t.PieceLength)
	end := begin + int64(t.PieceLength)

	if total := t.TotalLength(); end > total {
		end = total
	}

	return int(end - begin)
}
