package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danferreira/swarmwire/internal/bitfield"
	"github.com/danferreira/swarmwire/internal/config"
	"github.com/danferreira/swarmwire/internal/handshake"
	"github.com/danferreira/swarmwire/internal/message"
	"github.com/danferreira/swarmwire/internal/piece"
	"github.com/danferreira/swarmwire/internal/protocol"
)

type State int32

const (
	StateConnecting State = iota
	StateHandshakeSent
	StateHandshakeVerified
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateHandshakeVerified:
		return "handshake-verified"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PieceManager is the part of piece.Manager a connection talks to.
type PieceManager interface {
	NumPieces() int
	NextRequests(owner string, peerHas bitfield.Bitfield, n int) []piece.Block
	BlockReceived(owner string, index, begin int, data []byte) (piece.Result, error)
	Release(owner string, keys ...piece.BlockKey)
	ReleaseAll(owner string) int
	IsAssigned(owner string, key piece.BlockKey) bool
	AddAvailability(bf bitfield.Bitfield)
	RemoveAvailability(bf bitfield.Bitfield)
	HavePiece(index int)
	Completed(index int) bool
	IsDone() bool
	Bitfield() bitfield.Bitfield
	Strikes(owner string) int
	AddUploaded(n int)
}

// BlockReader serves blocks of completed pieces to remote peers.
type BlockReader interface {
	ReadBlock(index, begin, length int) ([]byte, error)
}

type Deps struct {
	Session  config.Session
	InfoHash [20]byte
	Pieces   PieceManager
	Storage  BlockReader
}

type request struct {
	block piece.Block
	at    time.Time
}

// Connection drives the protocol with one remote peer. After the handshake,
// Run starts a reader and a writer goroutine; everything else, including the
// peer's bitfield and the outstanding requests, belongs to the Run goroutine.
type Connection struct {
	peer   Peer
	owner  string
	config config.Connection
	deps   Deps
	logger *slog.Logger

	conn   net.Conn
	state  atomic.Int32
	remote [20]byte

	amChoking      atomic.Bool
	amInterested   atomic.Bool
	peerChoking    atomic.Bool
	peerInterested atomic.Bool

	// owned by the Run goroutine
	peerBitfield bitfield.Bitfield
	outstanding  map[piece.BlockKey]request
	received     bool
	peerPort     uint16

	outgoing chan *message.Message
	quit     <-chan struct{}
	cancel   context.CancelFunc

	mu        sync.Mutex
	queued    map[piece.BlockKey]int
	cancelled map[piece.BlockKey]int
	haves     []int
	haveReady chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewConnection(p Peer, cfg config.Connection, deps Deps) *Connection {
	c := &Connection{
		peer:   p,
		owner:  p.Addr(),
		config: cfg,
		deps:   deps,
		logger: slog.With("peer", p.Addr()),

		outstanding: make(map[piece.BlockKey]request),
		outgoing:    make(chan *message.Message, 256),
		queued:      make(map[piece.BlockKey]int),
		cancelled:   make(map[piece.BlockKey]int),
		haveReady:   make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	c.amChoking.Store(true)
	c.peerChoking.Store(true)

	return c
}

func (c *Connection) Peer() Peer {
	return c.peer
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug("state changed", "state", s)
}

// RemotePeerID is the peer id the remote side sent in its handshake.
func (c *Connection) RemotePeerID() [20]byte {
	return c.remote
}

// Done is closed when Run has returned and every outstanding request has
// been released.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Dial opens the TCP connection and exchanges handshakes. The remote
// handshake must name our info hash and, if discovery advertised one, the
// expected peer id.
func (c *Connection) Dial(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.peer.Addr())
	if err != nil {
		c.setState(StateClosed)
		return &protocol.ConnectionError{Addr: c.owner, Err: err}
	}

	c.setConn(conn)

	if err := c.sendHandshake(); err != nil {
		c.abortHandshake()
		return err
	}
	c.setState(StateHandshakeSent)

	h, err := c.receiveHandshake()
	if err != nil {
		c.abortHandshake()
		return err
	}

	if err := h.Verify(c.deps.InfoHash, c.peer.ID); err != nil {
		c.abortHandshake()
		return err
	}

	c.remote = h.PeerID
	c.setState(StateHandshakeVerified)
	c.logger.Info("peer connected")

	return nil
}

// Accept completes the handshake of an inbound connection whose handshake
// has already been read by the listener.
func (c *Connection) Accept(conn net.Conn, theirs *handshake.Handshake) error {
	c.setConn(conn)

	if err := theirs.Verify(c.deps.InfoHash, c.peer.ID); err != nil {
		c.abortHandshake()
		return err
	}

	if err := c.sendHandshake(); err != nil {
		c.abortHandshake()
		return err
	}

	c.remote = theirs.PeerID
	c.setState(StateHandshakeVerified)
	c.logger.Info("peer connected")

	return nil
}

func (c *Connection) abortHandshake() {
	c.conn.Close()
	c.setState(StateClosed)
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) sendHandshake() error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
		return &protocol.ConnectionError{Addr: c.owner, Err: err}
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	h := handshake.New(c.deps.InfoHash, c.deps.Session.PeerID)
	if err := h.Write(c.conn); err != nil {
		return &protocol.ConnectionError{Addr: c.owner, Err: fmt.Errorf("failed to send handshake: %w", err)}
	}

	return nil
}

func (c *Connection) receiveHandshake() (*handshake.Handshake, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
		return nil, &protocol.ConnectionError{Addr: c.owner, Err: err}
	}
	defer c.conn.SetReadDeadline(time.Time{})

	h, err := handshake.Read(c.conn)
	if err != nil {
		if protocol.IsProtocolError(err) {
			return nil, err
		}
		return nil, &protocol.ConnectionError{Addr: c.owner, Err: fmt.Errorf("failed to receive handshake: %w", err)}
	}

	return h, nil
}

// Run exchanges messages until ctx is cancelled, Close is called or the
// connection fails. The returned error is a *protocol.ProtocolError when the
// peer misbehaved and a *protocol.ConnectionError when the socket failed; it
// is nil on a requested shutdown.
func (c *Connection) Run(ctx context.Context) error {
	if c.State() != StateHandshakeVerified {
		return fmt.Errorf("connection is %s, not ready to run", c.State())
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if c.closing.Load() {
		cancel()
	}
	c.quit = ctx.Done()

	c.setState(StateActive)

	if own := c.deps.Pieces.Bitfield(); own.Count() > 0 {
		c.send(message.NewBitfield(own))
	}
	if !c.deps.Pieces.IsDone() {
		c.amInterested.Store(true)
		c.send(message.NewInterested())
	}

	incoming := make(chan *message.Message)
	errs := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(ctx, incoming, errs)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, errs)
	}()

	err := c.loop(ctx, incoming, errs)

	cancel()
	c.conn.Close()
	wg.Wait()

	c.finish()

	if c.closing.Load() {
		return nil
	}

	if err != nil {
		c.logger.Info("connection closed", "error", err)
	}

	return err
}

func (c *Connection) loop(ctx context.Context, incoming <-chan *message.Message, errs <-chan error) error {
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case msg := <-incoming:
			if ctx.Err() != nil {
				return nil
			}
			if err := c.handleMessage(msg); err != nil {
				return err
			}
			c.fillPipeline()
		case <-ticker.C:
			if err := c.checkStrikes(); err != nil {
				return err
			}
			c.expireRequests()
			c.updateInterest()
			c.fillPipeline()
		}
	}
}

func (c *Connection) finish() {
	c.setState(StateClosed)

	released := c.deps.Pieces.ReleaseAll(c.owner)
	c.outstanding = make(map[piece.BlockKey]request)

	if c.peerBitfield != nil {
		c.deps.Pieces.RemoveAvailability(c.peerBitfield)
	}

	c.logger.Debug("connection finished", "released", released)
	c.closeOnce.Do(func() { close(c.done) })
}

// Close stops a running connection. Run returns nil afterwards.
func (c *Connection) Close() {
	c.closing.Store(true)

	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (c *Connection) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// SendHave queues a Have for a piece we just completed. It never blocks.
func (c *Connection) SendHave(index int) {
	c.mu.Lock()
	c.haves = append(c.haves, index)
	c.mu.Unlock()

	select {
	case c.haveReady <- struct{}{}:
	default:
	}
}

func (c *Connection) takeHaves() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.haves
	c.haves = nil
	return h
}

func (c *Connection) readLoop(ctx context.Context, incoming chan<- *message.Message, errs chan<- error) {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout)); err != nil {
			errs <- &protocol.ConnectionError{Addr: c.owner, Err: err}
			return
		}

		msg, err := message.Read(c.conn)
		if err != nil {
			if !protocol.IsProtocolError(err) {
				err = &protocol.ConnectionError{Addr: c.owner, Err: err}
			}
			errs <- err
			return
		}

		select {
		case incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context, errs chan<- error) {
	keepAlive := time.NewTicker(c.config.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		var msg *message.Message

		select {
		case <-ctx.Done():
			return
		case <-c.haveReady:
			for _, index := range c.takeHaves() {
				if err := c.writeMessage(message.NewHave(index)); err != nil {
					errs <- err
					c.cancel()
					return
				}
			}
			continue
		case <-keepAlive.C:
		case msg = <-c.outgoing:
			if msg != nil && c.discard(msg) {
				continue
			}
		}

		if err := c.writeMessage(msg); err != nil {
			errs <- err
			c.cancel()
			return
		}

		if msg != nil && msg.ID == message.MessagePiece {
			c.deps.Pieces.AddUploaded(len(msg.Block))
		}
	}
}

// discard reports whether msg must not go on the wire: requests while the
// peer chokes us and replies the peer cancelled.
func (c *Connection) discard(msg *message.Message) bool {
	switch msg.ID {
	case message.MessageRequest:
		return c.peerChoking.Load()
	case message.MessagePiece:
		key := piece.BlockKey{Index: int(msg.Index), Begin: int(msg.Begin)}

		c.mu.Lock()
		defer c.mu.Unlock()

		decr(c.queued, key)
		if c.cancelled[key] > 0 {
			decr(c.cancelled, key)
			c.logger.Debug("dropping cancelled block", "index", key.Index, "begin", key.Begin)
			return true
		}
	}
	return false
}

func decr(m map[piece.BlockKey]int, key piece.BlockKey) {
	if m[key] <= 1 {
		delete(m, key)
		return
	}
	m[key]--
}

func (c *Connection) writeMessage(msg *message.Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return &protocol.ConnectionError{Addr: c.owner, Err: err}
	}

	if err := msg.Write(c.conn); err != nil {
		return &protocol.ConnectionError{Addr: c.owner, Err: fmt.Errorf("failed to write %s: %w", msg, err)}
	}

	return nil
}

func (c *Connection) send(msg *message.Message) {
	select {
	case c.outgoing <- msg:
	case <-c.quit:
	}
}

func (c *Connection) handleMessage(m *message.Message) error {
	if m == nil {
		c.logger.Debug("keep alive")
		return nil
	}

	first := !c.received
	c.received = true

	switch m.ID {
	case message.MessageChoke:
		c.handleChoke()
	case message.MessageUnchoke:
		c.handleUnchoke()
	case message.MessageInterested:
		c.handleInterested()
	case message.MessageNotInterested:
		c.handleNotInterested()
	case message.MessageHave:
		return c.handleHave(int(m.Index))
	case message.MessageBitfield:
		if !first {
			c.logger.Debug("late bitfield")
		}
		return c.handleBitfield(m.Bitfield)
	case message.MessageRequest:
		c.handleRequest(int(m.Index), int(m.Begin), int(m.Length))
	case message.MessagePiece:
		return c.handlePiece(int(m.Index), int(m.Begin), m.Block)
	case message.MessageCancel:
		c.handleCancel(int(m.Index), int(m.Begin))
	case message.MessagePort:
		c.peerPort = m.Port
		c.logger.Debug("peer announced dht port", "port", m.Port)
	}

	return nil
}

func (c *Connection) handleChoke() {
	c.logger.Debug("peer choked us")
	c.peerChoking.Store(true)
	c.releaseOutstanding()
}

func (c *Connection) handleUnchoke() {
	c.logger.Debug("peer unchoked us")
	c.peerChoking.Store(false)
}

func (c *Connection) handleInterested() {
	c.logger.Debug("peer is interested in us")
	c.peerInterested.Store(true)

	if c.amChoking.Load() {
		c.amChoking.Store(false)
		c.send(message.NewUnchoke())
	}
}

func (c *Connection) handleNotInterested() {
	c.logger.Debug("peer is not interested")
	c.peerInterested.Store(false)
}

func (c *Connection) handleHave(index int) error {
	numPieces := c.deps.Pieces.NumPieces()
	if index < 0 || index >= numPieces {
		return protocol.NewProtocolError("have", "piece index %d out of range", index)
	}

	if c.peerBitfield == nil {
		c.peerBitfield = bitfield.New(numPieces)
	}

	if !c.peerBitfield.HasPiece(index) {
		c.peerBitfield.SetPiece(index)
		c.deps.Pieces.HavePiece(index)
	}

	c.updateInterest()
	return nil
}

// handleBitfield replaces whatever we knew about the peer's pieces.
func (c *Connection) handleBitfield(bf bitfield.Bitfield) error {
	if err := bf.Validate(c.deps.Pieces.NumPieces()); err != nil {
		return &protocol.ProtocolError{Op: "bitfield", Err: err}
	}

	if c.peerBitfield != nil {
		c.deps.Pieces.RemoveAvailability(c.peerBitfield)
	}

	c.peerBitfield = bf.Clone()
	c.deps.Pieces.AddAvailability(c.peerBitfield)
	c.logger.Debug("received bitfield", "pieces", c.peerBitfield.Count())

	c.updateInterest()
	return nil
}

// updateInterest tells the peer whether it has anything we still need.
// updateInterest keeps the interest announced after the handshake until the
// peer's availability is known.
func (c *Connection) updateInterest() {
	if c.peerBitfield == nil {
		return
	}

	want := false
	own := c.deps.Pieces.Bitfield()
	for _, i := range c.peerBitfield.Pieces() {
		if !own.HasPiece(i) {
			want = true
			break
		}
	}

	if want && !c.amInterested.Load() {
		c.amInterested.Store(true)
		c.send(message.NewInterested())
	} else if !want && c.amInterested.Load() {
		c.amInterested.Store(false)
		c.send(message.NewNotInterested())
	}
}

func (c *Connection) handleRequest(index, begin, length int) {
	if c.amChoking.Load() {
		c.logger.Debug("ignoring request from choked peer", "index", index)
		return
	}

	if length <= 0 || length > protocol.BlockSize || !c.deps.Pieces.Completed(index) {
		c.logger.Debug("ignoring request we cannot serve", "index", index, "begin", begin, "length", length)
		return
	}

	data, err := c.deps.Storage.ReadBlock(index, begin, length)
	if err != nil {
		c.logger.Warn("failed to read requested block", "index", index, "begin", begin, "error", err)
		return
	}

	key := piece.BlockKey{Index: index, Begin: begin}
	c.mu.Lock()
	c.queued[key]++
	c.mu.Unlock()

	c.send(message.NewPiece(index, begin, data))
}

func (c *Connection) handleCancel(index, begin int) {
	key := piece.BlockKey{Index: index, Begin: begin}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queued[key] > c.cancelled[key] {
		c.cancelled[key]++
	}
}

func (c *Connection) handlePiece(index, begin int, data []byte) error {
	key := piece.BlockKey{Index: index, Begin: begin}
	delete(c.outstanding, key)

	res, err := c.deps.Pieces.BlockReceived(c.owner, index, begin, data)
	if err != nil {
		var hashErr *protocol.HashMismatchError
		var storageErr *protocol.StorageError

		switch {
		case errors.As(err, &hashErr):
			return c.checkStrikes()
		case errors.As(err, &storageErr):
			// the piece manager keeps the data and retries the write
			return nil
		}
		return err
	}

	if res == piece.PieceCompleted {
		c.logger.Debug("piece completed", "index", index)
	}

	return nil
}

func (c *Connection) checkStrikes() error {
	if c.config.MaxHashFailures <= 0 {
		return nil
	}
	if n := c.deps.Pieces.Strikes(c.owner); n >= c.config.MaxHashFailures {
		return protocol.NewProtocolError("piece", "peer sent data for %d corrupt pieces", n)
	}
	return nil
}

// fillPipeline keeps up to MaxRequests blocks outstanding while the peer
// lets us download.
func (c *Connection) fillPipeline() {
	if c.peerChoking.Load() || !c.amInterested.Load() || c.peerBitfield == nil {
		return
	}

	free := c.config.MaxRequests - len(c.outstanding)
	if free <= 0 {
		return
	}

	now := time.Now()
	for _, b := range c.deps.Pieces.NextRequests(c.owner, c.peerBitfield, free) {
		c.outstanding[b.Key()] = request{block: b, at: now}
		c.send(message.NewRequest(b.Index, b.Begin, b.Length))
	}
}

// expireRequests gives timed out blocks back to the piece manager and
// forgets blocks that were delivered by someone else in the meantime.
func (c *Connection) expireRequests() {
	now := time.Now()

	for key, r := range c.outstanding {
		switch {
		case !c.deps.Pieces.IsAssigned(c.owner, key):
			delete(c.outstanding, key)
		case now.Sub(r.at) > c.config.RequestTimeout:
			c.logger.Debug("request timed out", "index", key.Index, "begin", key.Begin)
			c.deps.Pieces.Release(c.owner, key)
			delete(c.outstanding, key)
		default:
			continue
		}

		c.send(message.NewCancel(r.block.Index, r.block.Begin, r.block.Length))
	}
}

func (c *Connection) releaseOutstanding() {
	if len(c.outstanding) == 0 {
		return
	}

	keys := make([]piece.BlockKey, 0, len(c.outstanding))
	for key := range c.outstanding {
		keys = append(keys, key)
	}

	c.deps.Pieces.Release(c.owner, keys...)
	c.outstanding = make(map[piece.BlockKey]request)
}
