package piece

import (
	"sync"
)

type Snapshot struct {
	Downloaded int64
	Uploaded   int64
	Left       int64
	Size       int64
}

type TorrentStats struct {
	mu         sync.Mutex
	Downloaded int64
	Uploaded   int64
	Left       int64
	Size       int64
}

func NewTorrentStats(size int64) *TorrentStats {
	return &TorrentStats{Left: size, Size: size}
}

func (s *TorrentStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Downloaded: s.Downloaded,
		Uploaded:   s.Uploaded,
		Left:       s.Left,
		Size:       s.Size,
	}
}

func (s *TorrentStats) UpdateDownloaded(amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloaded += amount
	s.Left -= amount
}

func (s *TorrentStats) UpdateUploaded(amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Uploaded += amount
}
