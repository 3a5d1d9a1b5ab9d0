package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/danferreira/swarmwire/internal/bitfield"
	"github.com/danferreira/swarmwire/internal/config"
	"github.com/danferreira/swarmwire/internal/handshake"
	"github.com/danferreira/swarmwire/internal/metadata"
	"github.com/danferreira/swarmwire/internal/peer"
	"github.com/danferreira/swarmwire/internal/piece"
	"github.com/danferreira/swarmwire/internal/protocol"
	"github.com/danferreira/swarmwire/internal/tracker"
	"golang.org/x/time/rate"
)

// Store is where verified pieces go and where served blocks come from.
type Store interface {
	piece.Writer
	peer.BlockReader
}

// Discoverer supplies peers; tracker.Tracker is the default.
type Discoverer = tracker.Announcer

type Option func(*Engine)

func WithDiscoverer(d Discoverer, opts ...tracker.Option) Option {
	return func(e *Engine) { e.discovery = tracker.NewManager(d, opts...) }
}

// StopWhenDone makes Run return once every piece is completed instead of
// staying up to serve other peers.
func StopWhenDone() Option {
	return func(e *Engine) { e.stopWhenDone = true }
}

// Engine downloads one torrent from a swarm. It owns the piece manager and
// supervises one connection per peer.
type Engine struct {
	cfg      config.Config
	session  config.Session
	metadata *metadata.Metadata
	store    Store

	pieces    *piece.Manager
	peers     *peer.Manager
	pool      *peer.Pool
	discovery *tracker.Manager
	limiter   *rate.Limiter
	listener  net.Listener

	stopWhenDone bool

	mu       sync.Mutex
	banned   map[string]struct{}
	attempts map[string]int

	wake chan struct{}
	wg   sync.WaitGroup
}

// New validates the metadata and prepares the engine. Invalid metadata is the
// only error that prevents a download from starting.
func New(cfg config.Config, session config.Session, m *metadata.Metadata, store Store, opts ...Option) (*Engine, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	limit := rate.Limit(cfg.DialRate)
	if cfg.DialRate <= 0 {
		limit = rate.Inf
	}

	e := &Engine{
		cfg:      cfg,
		session:  session,
		metadata: m,
		store:    store,
		peers:    peer.NewManager(cfg.MaxPeers),
		pool:     peer.NewPool(cfg.MaxPeers),
		limiter:  rate.NewLimiter(limit, max(cfg.DialBurst, 1)),
		banned:   make(map[string]struct{}),
		attempts: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}

	pieces, err := piece.NewManager(m, store, piece.OnComplete(e.pieceCompleted))
	if err != nil {
		return nil, err
	}
	e.pieces = pieces

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// AddPeers queues peers for dialing. Known addresses are ignored.
func (e *Engine) AddPeers(peers []peer.Peer) {
	if e.pool.PushMany(peers) > 0 {
		e.wakeUp()
	}
}

func (e *Engine) wakeUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the download until ctx is cancelled or, with StopWhenDone, the
// last piece is written. On return every connection has been closed and the
// piece manager accepts no more writes.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer e.shutdown(cancel)

	slog.Info("starting download", "name", e.metadata.Info.Name, "pieces", e.pieces.NumPieces(), "size", e.metadata.Info.TotalLength())

	if e.listener != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.acceptLoop(ctx)
		}()
	}

	if e.discovery != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.discovery.Run(ctx, e.pieces.Stats, e.pool)
		}()
	}

	fill := time.NewTicker(e.cfg.Connection.TickInterval)
	defer fill.Stop()

	writes := time.NewTicker(e.cfg.WriteRetryInterval)
	defer writes.Stop()

	done := e.pieces.Done()

	e.fill(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			slog.Info("download completed", "name", e.metadata.Info.Name)
			if e.stopWhenDone {
				return nil
			}
			done = nil
		case <-writes.C:
			for _, err := range e.pieces.RetryWrites() {
				slog.Warn("piece still not written", "error", err)
			}
		case <-e.wake:
			e.fill(ctx)
		case <-fill.C:
			e.fill(ctx)
		}
	}
}

func (e *Engine) shutdown(cancel context.CancelFunc) {
	cancel()
	if e.listener != nil {
		e.listener.Close()
	}
	e.peers.CloseAll()
	e.wg.Wait()
	e.pieces.Close()
	slog.Info("engine stopped")
}

// fill dials pooled peers until MaxPeers slots are taken.
func (e *Engine) fill(ctx context.Context) {
	for !e.peers.Full() {
		p, ok := e.pool.Pop()
		if !ok {
			return
		}
		if !e.start(ctx, p) {
			return
		}
	}
}

// start reserves a slot for p and dials it in the background. It returns false
// when every slot is taken, in which case p goes back to the pool.
func (e *Engine) start(ctx context.Context, p peer.Peer) bool {
	addr := p.Addr()
	if e.isBanned(addr) || (p.ID != [20]byte{} && p.ID == e.session.PeerID) {
		return true
	}

	if !e.peers.Reserve(addr) {
		// an inbound peer may have taken the last slot since fill checked
		if e.peers.Full() {
			e.pool.Requeue(p)
			return false
		}
		return true
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.outbound(ctx, p)
	}()
	return true
}

func (e *Engine) outbound(ctx context.Context, p peer.Peer) {
	addr := p.Addr()

	if err := e.limiter.Wait(ctx); err != nil {
		e.peers.Remove(addr)
		return
	}

	c := peer.NewConnection(p, e.cfg.Connection, e.deps())

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	err := c.Dial(dialCtx)
	cancel()

	if err == nil {
		e.peers.Attach(c)
		err = c.Run(ctx)
	}

	e.peers.Remove(addr)
	e.connectionFailed(ctx, p, err)
}

// connectionFailed decides what happens to a peer after its connection ended.
// Protocol violations ban the address; socket failures are retried with
// exponential backoff up to MaxRetries times.
func (e *Engine) connectionFailed(ctx context.Context, p peer.Peer, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}

	addr := p.Addr()
	logger := slog.With("peer", addr)

	switch {
	case protocol.IsProtocolError(err):
		logger.Warn("banning peer", "error", err)
		e.ban(addr)

	case protocol.IsConnectionError(err):
		attempt := e.attempt(addr)
		if attempt > e.cfg.MaxRetries {
			logger.Info("giving up on peer", "attempts", attempt-1, "error", err)
			return
		}

		delay := e.cfg.RetryBackoff << (attempt - 1)
		logger.Debug("retrying peer", "attempt", attempt, "in", delay, "error", err)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			timer := time.NewTimer(delay)
			defer timer.Stop()

			select {
			case <-timer.C:
				e.pool.Requeue(p)
				e.wakeUp()
			case <-ctx.Done():
			}
		}()

	default:
		logger.Error("connection failed", "error", err)
	}
}

func (e *Engine) deps() peer.Deps {
	return peer.Deps{
		Session:  e.session,
		InfoHash: e.metadata.InfoHash(),
		Pieces:   e.pieces,
		Storage:  e.store,
	}
}

func (e *Engine) isBanned(addr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.banned[addr]
	return ok
}

func (e *Engine) ban(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.banned[addr] = struct{}{}
}

func (e *Engine) attempt(addr string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[addr]++
	return e.attempts[addr]
}

func (e *Engine) pieceCompleted(index int) {
	e.peers.Broadcast(index)

	if e.discovery != nil && e.pieces.IsDone() {
		e.discovery.Completed()
	}
}

// Listen binds addr for inbound connections and returns the address
// actually bound. Connections are accepted while Run is running.
func (e *Engine) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start listener: %w", err)
	}

	slog.Info("Listening for incoming peers", "addr", ln.Addr().String())
	e.listener = ln

	return ln.Addr(), nil
}

func (e *Engine) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			slog.Error("Error during accepting new conn", "error", err)
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.HandleInbound(ctx, conn); err != nil {
				slog.Debug("inbound connection failed", "addr", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// HandleInbound runs an accepted connection: it reads the remote handshake,
// checks that it names our torrent and then serves the peer until the
// connection ends.
func (e *Engine) HandleInbound(ctx context.Context, conn net.Conn) error {
	p, err := peer.FromAddr(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return err
	}
	addr := p.Addr()

	if e.isBanned(addr) {
		conn.Close()
		return fmt.Errorf("peer %s is banned", addr)
	}

	if err := conn.SetReadDeadline(time.Now().Add(e.cfg.Connection.HandshakeTimeout)); err != nil {
		conn.Close()
		return err
	}

	h, err := handshake.Read(conn)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})

	if h.InfoHash != e.metadata.InfoHash() {
		conn.Close()
		return protocol.NewProtocolError("handshake", "cannot find any torrent with hash %x", h.InfoHash)
	}

	if !e.peers.Reserve(addr) {
		conn.Close()
		return fmt.Errorf("no free slot for %s", addr)
	}
	defer e.peers.Remove(addr)

	e.pool.MarkSeen(addr)

	c := peer.NewConnection(p, e.cfg.Connection, e.deps())
	if err := c.Accept(conn, h); err != nil {
		return err
	}

	e.peers.Attach(c)

	err = c.Run(ctx)
	if protocol.IsProtocolError(err) {
		e.ban(addr)
	}

	return err
}

// Connections lists the peers with an established connection.
func (e *Engine) Connections() []peer.Peer {
	conns := e.peers.Connections()
	out := make([]peer.Peer, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Peer())
	}
	return out
}

func (e *Engine) Stats() piece.Snapshot {
	return e.pieces.Stats()
}

func (e *Engine) Bitfield() bitfield.Bitfield {
	return e.pieces.Bitfield()
}

// Done is closed once every piece is completed.
func (e *Engine) Done() <-chan struct{} {
	return e.pieces.Done()
}

func (e *Engine) Banned(addr string) bool {
	return e.isBanned(addr)
}
