// Package peer runs one session per remote connection and the pool that
// tracks them. A session owns its socket and its wire state; everything
// about pieces and requests is delegated to the coordinator.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"goswarm/internal/piece"
	"goswarm/internal/shared/models"
	"goswarm/internal/wire"
)

const (
	// DefaultRequestWindow is the number of block requests a session keeps
	// outstanding while unchoked, enough to cover the bandwidth-delay
	// product of typical links without hoarding work.
	DefaultRequestWindow = 8

	// DefaultKeepaliveInterval is how long a connection may sit idle before
	// a zero-length frame is sent to keep it open.
	DefaultKeepaliveInterval = 2 * time.Minute

	// DefaultIOTimeout bounds individual socket reads and writes. It sits
	// above the keepalive interval so an idle but healthy peer survives;
	// stalled requests are the coordinator's reaper's problem, not ours.
	DefaultIOTimeout = 5 * time.Minute

	// maxPendingServes caps queued remote block requests; a peer flooding
	// past it is violating the protocol.
	maxPendingServes = 64
)

type State uint8

const (
	Connecting State = iota
	Handshaking
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

// Coordinator is the slice of the piece coordinator a session drives.
type Coordinator interface {
	Bitfield() []byte
	PeerBitfield(id string, raw []byte) bool
	PeerHave(id string, index int) bool
	PeerChoked(id string)
	PeerDisconnected(id string)
	NextRequests(id string, n int) []models.BlockRequest
	BlockReceived(id string, blk models.Block) (piece.Receipt, error)
	HasPiece(index int) bool
	AddUploaded(n int)
	Done() bool
}

// BlockReader serves verified bytes back to remote peers.
type BlockReader interface {
	ReadBlock(index, begin, length int) ([]byte, error)
}

// Hub is what a session needs from the pool: fan-out of have messages and
// routing of end-game cancellations to the sessions that lost the race.
type Hub interface {
	BroadcastHave(index int, origin string)
	Cancel(req models.BlockRequest)
}

type Config struct {
	InfoHash          [20]byte
	PeerID            [20]byte
	Window            int
	KeepaliveInterval time.Duration
	IOTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window == 0 {
		c.Window = DefaultRequestWindow
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	return c
}

type serveKey struct {
	index  int
	begin  int
	length int
}

// Session is the state machine for one remote peer. The inbound message
// loop is the only reader; the serve and keepalive goroutines only write.
type Session struct {
	id      string
	conn    *wire.Conn
	inbound bool
	coord   Coordinator
	blocks  BlockReader
	hub     Hub
	cfg     Config
	log     *slog.Logger

	mu             sync.Mutex
	state          State
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	gotBitfield    bool
	outstanding    int
	pending        map[serveKey]struct{}

	serveCh chan serveKey
	done    chan struct{}
	once    sync.Once
}

// NewSession wraps an established transport connection. The id is the
// remote's ip:port and doubles as the peer's identity everywhere else.
// Inbound marks connections we accepted, which handshake in the reverse
// order.
func NewSession(id string, conn net.Conn, inbound bool, coord Coordinator, blocks BlockReader, hub Hub, cfg Config, log *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		id:          id,
		conn:        wire.NewConn(conn, cfg.IOTimeout),
		inbound:     inbound,
		coord:       coord,
		blocks:      blocks,
		hub:         hub,
		cfg:         cfg,
		log:         log.With(slog.String("peer", id)),
		state:       Connecting,
		amChoking:   true,
		peerChoking: true,
		pending:     make(map[serveKey]struct{}),
		serveCh:     make(chan serveKey, maxPendingServes),
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run handshakes and then pumps inbound messages until the peer, the
// context or an error ends the session. Outstanding work is always handed
// back to the coordinator before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	s.setState(Handshaking)
	local := wire.Handshake{InfoHash: s.cfg.InfoHash, PeerID: s.cfg.PeerID}
	var (
		remote wire.Handshake
		err    error
	)
	if s.inbound {
		remote, err = s.conn.AcceptHandshake(local)
	} else {
		remote, err = s.conn.Handshake(local)
	}
	if err != nil {
		return err
	}
	if remote.InfoHash != s.cfg.InfoHash {
		return fmt.Errorf("%w: info hash mismatch", wire.ErrBadHandshake)
	}

	if err := s.conn.WriteMessage(wire.NewBitfield(s.coord.Bitfield())); err != nil {
		return err
	}
	s.setState(Active)
	s.log.Debug("session active", slog.Bool("inbound", s.inbound))

	go s.serveLoop()
	go s.keepaliveLoop()
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg == nil {
			continue // keepalive
		}
		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

// Close tears the session down from outside the Run loop.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	s.once.Do(func() {
		s.setState(Closed)
		close(s.done)
		s.conn.Close()
		s.coord.PeerDisconnected(s.id)
	})
}

// abort discards a session whose Run loop never started. The id may belong
// to a live session, so the coordinator is not told about a disconnect.
func (s *Session) abort() {
	s.once.Do(func() {
		s.setState(Closed)
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) handle(msg *wire.Message) error {
	switch msg.ID {
	case wire.MsgChoke:
		s.mu.Lock()
		s.peerChoking = true
		s.outstanding = 0
		s.mu.Unlock()
		s.coord.PeerChoked(s.id)
		return nil

	case wire.MsgUnchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		return s.fill()

	case wire.MsgInterested:
		s.mu.Lock()
		s.peerInterested = true
		wasChoking := s.amChoking
		s.amChoking = false
		s.mu.Unlock()
		if wasChoking {
			return s.conn.WriteMessage(&wire.Message{ID: wire.MsgUnchoke})
		}
		return nil

	case wire.MsgNotInterested:
		s.mu.Lock()
		s.peerInterested = false
		wasChoking := s.amChoking
		s.amChoking = true
		s.mu.Unlock()
		if !wasChoking {
			return s.conn.WriteMessage(&wire.Message{ID: wire.MsgChoke})
		}
		return nil

	case wire.MsgHave:
		index, err := wire.ParseHave(msg)
		if err != nil {
			return err
		}
		if err := s.maybeInterested(s.coord.PeerHave(s.id, index)); err != nil {
			return err
		}
		return s.fill()

	case wire.MsgBitfield:
		s.mu.Lock()
		dup := s.gotBitfield
		s.gotBitfield = true
		s.mu.Unlock()
		if dup {
			// the bitfield is sent once after the handshake; a second one
			// would double-count availability
			return fmt.Errorf("%w: repeated bitfield", wire.ErrMalformedMessage)
		}
		if err := s.maybeInterested(s.coord.PeerBitfield(s.id, msg.Payload)); err != nil {
			return err
		}
		return s.fill()

	case wire.MsgRequest:
		index, begin, length, err := wire.ParseRequest(msg)
		if err != nil {
			return err
		}
		if length <= 0 || length > piece.BlockSize {
			return fmt.Errorf("%w: request for %d bytes", wire.ErrMalformedMessage, length)
		}
		return s.enqueueServe(serveKey{index: index, begin: begin, length: length})

	case wire.MsgPiece:
		blk, err := wire.ParsePiece(msg)
		if err != nil {
			return err
		}
		return s.blockReceived(blk)

	case wire.MsgCancel:
		index, begin, length, err := wire.ParseRequest(msg)
		if err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.pending, serveKey{index: index, begin: begin, length: length})
		s.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("%w: unknown message id %d", wire.ErrMalformedMessage, msg.ID)
	}
}

func (s *Session) blockReceived(blk models.Block) error {
	s.mu.Lock()
	if s.outstanding > 0 {
		s.outstanding--
	}
	s.mu.Unlock()

	receipt, err := s.coord.BlockReceived(s.id, blk)
	if err != nil {
		return err // fatal storage failure, the engine stops everything
	}
	for _, cancel := range receipt.Cancels {
		s.hub.Cancel(cancel)
	}
	if receipt.Verified {
		s.hub.BroadcastHave(receipt.Index, s.id)
		if s.coord.Done() {
			s.mu.Lock()
			s.amInterested = false
			s.mu.Unlock()
			if err := s.conn.WriteMessage(&wire.Message{ID: wire.MsgNotInterested}); err != nil {
				return err
			}
		}
	}
	return s.fill()
}

// maybeInterested declares interest the first time the peer turns out to
// have something we need.
func (s *Session) maybeInterested(interesting bool) error {
	if !interesting {
		return nil
	}
	s.mu.Lock()
	was := s.amInterested
	s.amInterested = true
	s.mu.Unlock()
	if was {
		return nil
	}
	return s.conn.WriteMessage(&wire.Message{ID: wire.MsgInterested})
}

// fill tops the pipeline back up to the window while the peer lets us
// download.
func (s *Session) fill() error {
	s.mu.Lock()
	if s.state != Active || s.peerChoking {
		s.mu.Unlock()
		return nil
	}
	n := s.cfg.Window - s.outstanding
	s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	for _, r := range s.coord.NextRequests(s.id, n) {
		if err := s.conn.WriteMessage(wire.NewRequest(r.Index, r.Begin, r.Length)); err != nil {
			return err
		}
		s.mu.Lock()
		s.outstanding++
		s.mu.Unlock()
	}
	return nil
}

// CancelRequest withdraws one of our outstanding requests after another
// peer delivered the block first.
func (s *Session) CancelRequest(req models.BlockRequest) {
	s.mu.Lock()
	if s.outstanding > 0 {
		s.outstanding--
	}
	s.mu.Unlock()
	if err := s.conn.WriteMessage(wire.NewCancel(req.Index, req.Begin, req.Length)); err != nil {
		s.log.Debug("cancel failed", slog.Any("error", err))
	}
}

// SendHave advertises a freshly verified piece to this peer.
func (s *Session) SendHave(index int) {
	if s.State() != Active {
		return
	}
	if err := s.conn.WriteMessage(wire.NewHave(index)); err != nil {
		s.log.Debug("have failed", slog.Any("error", err))
	}
}

func (s *Session) enqueueServe(key serveKey) error {
	s.mu.Lock()
	if len(s.pending) >= maxPendingServes {
		s.mu.Unlock()
		return fmt.Errorf("%w: too many queued requests", wire.ErrMalformedMessage)
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.serveCh <- key:
		return nil
	case <-s.done:
		return nil
	}
}

// serveLoop answers remote block requests off the read loop so a slow disk
// read never stalls inbound traffic. A cancel that lands before the serve
// wins by deleting the pending entry.
func (s *Session) serveLoop() {
	for {
		select {
		case <-s.done:
			return
		case key := <-s.serveCh:
			s.mu.Lock()
			_, wanted := s.pending[key]
			delete(s.pending, key)
			choking := s.amChoking
			s.mu.Unlock()
			if !wanted || choking || !s.coord.HasPiece(key.index) {
				continue
			}
			data, err := s.blocks.ReadBlock(key.index, key.begin, key.length)
			if err != nil {
				s.log.Warn("cannot serve block",
					slog.Int("piece", key.index),
					slog.Any("error", err))
				continue
			}
			if err := s.conn.WriteMessage(wire.NewPiece(key.index, key.begin, data)); err != nil {
				return
			}
			s.coord.AddUploaded(len(data))
		}
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if time.Since(s.conn.LastSent()) < s.cfg.KeepaliveInterval {
				continue
			}
			if err := s.conn.WriteMessage(nil); err != nil {
				return
			}
		}
	}
}
