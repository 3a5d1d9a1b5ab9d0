package piece

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/danferreira/swarmwire/internal/bitfield"
	"github.com/danferreira/swarmwire/internal/metadata"
	"github.com/danferreira/swarmwire/internal/protocol"
)

type Option func(*Manager)

// OnComplete registers fn to run after each piece is verified and written.
// fn runs without the manager lock held.
func OnComplete(fn func(index int)) Option {
	return func(m *Manager) { m.onComplete = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the download state shared by every connection. All fields are
// guarded by mu.
type Manager struct {
	mu sync.Mutex

	pieceHashes [][20]byte
	pieceLength int
	torrentSize int64

	completed    bitfield.Bitfield
	numCompleted int
	pending      map[int]*pendingPiece
	inFlight     map[BlockKey]string
	availability []int
	strikes      map[string]int

	writer Writer
	stats  *TorrentStats

	onComplete func(index int)
	logger     *slog.Logger

	done   chan struct{}
	closed bool
}

func NewManager(m *metadata.Metadata, w Writer, opts ...Option) (*Manager, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	numPieces := m.Info.NumPieces()
	mgr := &Manager{
		pieceHashes:  m.Info.Pieces,
		pieceLength:  m.Info.PieceLength,
		torrentSize:  m.Info.TotalLength(),
		completed:    bitfield.New(numPieces),
		pending:      make(map[int]*pendingPiece),
		inFlight:     make(map[BlockKey]string),
		availability: make([]int, numPieces),
		strikes:      make(map[string]int),
		writer:       w,
		stats:        NewTorrentStats(m.Info.TotalLength()),
		logger:       slog.Default(),
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(mgr)
	}

	return mgr, nil
}

func (m *Manager) NumPieces() int {
	return len(m.pieceHashes)
}

func (m *Manager) PieceSize(index int) int {
	begin := int64(index) * int64(m.pieceLength)
	end := begin + int64(m.pieceLength)

	if end > m.torrentSize {
		end = m.torrentSize
	}

	return int(end - begin)
}

// Completed reports whether piece index is verified and written.
func (m *Manager) Completed(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed.HasPiece(index)
}

// Bitfield returns a copy of the completed set.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed.Clone()
}

func (m *Manager) IsDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numCompleted == len(m.pieceHashes)
}

// Done is closed once every piece is completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Stats() Snapshot {
	return m.stats.Snapshot()
}

func (m *Manager) AddUploaded(n int) {
	m.stats.UpdateUploaded(int64(n))
}

// AddAvailability counts every piece in bf as held by one more peer.
func (m *Manager) AddAvailability(bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.availability {
		if bf.HasPiece(i) {
			m.availability[i]++
		}
	}
}

func (m *Manager) RemoveAvailability(bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.availability {
		if bf.HasPiece(i) && m.availability[i] > 0 {
			m.availability[i]--
		}
	}
}

// HavePiece records one more peer holding piece index.
func (m *Manager) HavePiece(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.availability) {
		m.availability[index]++
	}
}

func (m *Manager) Availability(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availability[index]
}

// Release returns the given blocks to the requestable pool if they are still
// assigned to owner.
func (m *Manager) Release(owner string, keys ...BlockKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if o, ok := m.inFlight[k]; ok && o == owner {
			delete(m.inFlight, k)
		}
	}
}

// ReleaseAll drops every in-flight assignment held by owner.
func (m *Manager) ReleaseAll(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, o := range m.inFlight {
		if o == owner {
			delete(m.inFlight, k)
			n++
		}
	}
	return n
}

func (m *Manager) IsAssigned(owner string, key BlockKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.inFlight[key]
	return ok && o == owner
}

// InFlight returns the owner of every outstanding block.
func (m *Manager) InFlight() map[BlockKey]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.inFlight)
}

// Strikes is the number of corrupt pieces owner supplied on its own.
func (m *Manager) Strikes(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strikes[owner]
}

// Close stops the manager. Later calls never touch the writer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.pending = make(map[int]*pendingPiece)
	m.inFlight = make(map[BlockKey]string)
}

// BlockReceived stores a block delivered by owner. A reply for a block that
// is still missing is accepted even if its request was reassigned; a reply
// for a block already present or a completed piece is ignored.
func (m *Manager) BlockReceived(owner string, index, begin int, data []byte) (Result, error) {
	m.mu.Lock()
	res, err := m.blockReceived(owner, index, begin, data)
	m.mu.Unlock()

	if res == PieceCompleted {
		m.notify(index)
	}

	return res, err
}

func (m *Manager) blockReceived(owner string, index, begin int, data []byte) (Result, error) {
	if m.closed {
		return BlockDuplicate, nil
	}

	if index < 0 || index >= len(m.pieceHashes) {
		return 0, protocol.NewProtocolError("piece", "piece index %d out of range", index)
	}

	size := m.PieceSize(index)
	if begin < 0 || begin%protocol.BlockSize != 0 || begin >= size {
		return 0, protocol.NewProtocolError("piece", "invalid block offset %d for piece %d", begin, index)
	}

	if want := blockLength(size, begin); len(data) != want {
		return 0, protocol.NewProtocolError("piece", "block %d/%d has %d bytes, want %d", index, begin, len(data), want)
	}

	key := BlockKey{Index: index, Begin: begin}
	delete(m.inFlight, key)

	if m.completed.HasPiece(index) {
		return BlockDuplicate, nil
	}

	p := m.pending[index]
	if p == nil {
		p = newPendingPiece(size)
		m.pending[index] = p
	}

	b := begin / protocol.BlockSize
	if p.verified || p.present.Get(b) {
		return BlockDuplicate, nil
	}

	copy(p.data[begin:], data)
	p.present.Set(b, true)
	p.received++
	p.contributors.Add(owner)

	if !p.isComplete() {
		return BlockAccepted, nil
	}

	return m.verify(index, p)
}

func (m *Manager) notify(index int) {
	if m.onComplete != nil {
		m.onComplete(index)
	}
}
