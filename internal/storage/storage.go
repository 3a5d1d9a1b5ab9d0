package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/danferreira/swarmwire/internal/metadata"
	"github.com/spf13/afero"
)

var ErrOutOfRange = errors.New("range outside of torrent data")

type File struct {
	File   afero.File
	Path   string
	Length int64
}

// Storage maps the flat piece address space of a torrent onto its files.
type Storage struct {
	mu          sync.Mutex
	Files       []File
	pieceLength int64
	totalLength int64
}

func NewStorage(fs afero.Fs, m *metadata.Metadata) (*Storage, error) {
	var sFiles []File

	for _, f := range m.Info.Files {
		dir := filepath.Dir(f.Path)

		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dirs for %s: %w", f.Path, err)
		}
		file, err := fs.OpenFile(f.Path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		sFiles = append(sFiles, File{
			File:   file,
			Path:   f.Path,
			Length: f.Length,
		})
	}

	return &Storage{
		Files:       sFiles,
		pieceLength: int64(m.Info.PieceLength),
		totalLength: m.Info.TotalLength(),
	}, nil
}

// span calls fn for every file region overlapping [start, start+size).
func (s *Storage) span(start int64, size int, fn func(f File, fileOff int64, lo, hi int) error) error {
	if start < 0 || start+int64(size) > s.totalLength {
		return ErrOutOfRange
	}

	var offset int64
	cursor := 0
	end := start + int64(size)

	for _, file := range s.Files {
		if cursor == size {
			break
		}

		nextOffset := offset + file.Length
		if start+int64(cursor) >= nextOffset {
			offset = nextOffset
			continue
		}

		actualStart := start + int64(cursor) - offset
		actualEnd := file.Length
		if end < nextOffset {
			actualEnd = end - offset
		}

		amount := int(actualEnd - actualStart)
		if err := fn(file, actualStart, cursor, cursor+amount); err != nil {
			return err
		}

		cursor += amount
		offset = nextOffset
	}

	return nil
}

func (s *Storage) ReadAt(buf []byte, start int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := s.span(start, len(buf), func(f File, off int64, lo, hi int) error {
		m, err := f.File.ReadAt(buf[lo:hi], off)
		n += m
		// unwritten tails of a sparse file read as zeroes
		if errors.Is(err, io.EOF) {
			clear(buf[lo+m : hi])
			n += hi - lo - m
			return nil
		}
		return err
	})

	return n, err
}

func (s *Storage) WriteAt(data []byte, start int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := s.span(start, len(data), func(f File, off int64, lo, hi int) error {
		m, err := f.File.WriteAt(data[lo:hi], off)
		n += m
		return err
	})

	return n, err
}

// WritePiece stores a verified piece at its position in the torrent.
func (s *Storage) WritePiece(index int, data []byte) error {
	if _, err := s.WriteAt(data, int64(index)*s.pieceLength); err != nil {
		return fmt.Errorf("write piece %d: %w", index, err)
	}
	return nil
}

// ReadBlock returns length bytes starting at begin inside piece index.
func (s *Storage) ReadBlock(index, begin, length int) ([]byte, error) {
	if begin < 0 || length <= 0 || int64(begin+length) > s.pieceLength {
		return nil, fmt.Errorf("read block %d/%d: %w", index, begin, ErrOutOfRange)
	}

	buf := make([]byte, length)
	if _, err := s.ReadAt(buf, int64(index)*s.pieceLength+int64(begin)); err != nil {
		return nil, fmt.Errorf("read block %d/%d: %w", index, begin, err)
	}

	return buf, nil
}

func (s *Storage) CloseFiles() error {
	var err error
	for _, sf := range s.Files {
		e := sf.File.Close()
		if e != nil && err == nil {
			// record the first error encountered
			err = e
		}
	}
	return err
}
