// Package piece holds the central authority over download state: which
// pieces are missing, in flight or verified, which peer is fetching which
// block, and when the same block may be requested from several peers at
// once to finish the tail of a download.
package piece

import (
	"bytes"
	"crypto/sha1"
	"log/slog"
	"sort"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"goswarm/internal/shared/models"
)

// BlockSize is the transfer unit requested over the wire.
const BlockSize = 16384

const (
	// DefaultEndgameThreshold is the number of non-verified pieces at or
	// below which outstanding blocks become eligible for duplicate
	// assignment to several peers.
	DefaultEndgameThreshold = 8

	// DefaultRequestTimeout bounds how long a block request may stay
	// unanswered before it is released for reassignment.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxTimeouts is how many timed-out requests a single peer may
	// accumulate before it is flagged for disconnection.
	DefaultMaxTimeouts = 4
)

type Status uint8

const (
	Missing Status = iota
	InFlight
	Verified
)

// Store is the slice of the disk manager the coordinator drives: persisting
// verified pieces and refreshing the resume acceleration cache. The
// coordinator holds the handle; the store never calls back.
type Store interface {
	WritePiece(index int, data []byte) error
	SaveProgress(bf []byte) error
}

type Config struct {
	EndgameThreshold int
	RequestTimeout   time.Duration
	MaxTimeouts      int
}

func (c Config) withDefaults() Config {
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = DefaultEndgameThreshold
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxTimeouts == 0 {
		c.MaxTimeouts = DefaultMaxTimeouts
	}
	return c
}

type blockKey struct {
	index int
	begin int
}

type blockState struct {
	length int
	data   []byte // nil until delivered
	from   string // peer that delivered data
}

type pieceState struct {
	status       Status
	availability int
	blocks       []blockState // built lazily on first assignment
	received     int
	contributors mapset.Set // peers whose bytes are in blocks
	suspects     mapset.Set // peers that contributed to a failed hash
}

// Receipt describes what a delivered block changed.
type Receipt struct {
	Accepted bool
	// Verified is set when the delivery completed a piece whose hash
	// matched; the index should be broadcast as a have message.
	Verified bool
	Index    int
	// Cancels are duplicate end-game requests for the same block held by
	// other peers; the pool withdraws them.
	Cancels []models.BlockRequest
}

// Coordinator is the single lock-guarded owner of all piece and request
// state. Sessions call into it; it never reaches into a session.
type Coordinator struct {
	mu sync.Mutex

	desc  models.Descriptor
	store Store
	log   *slog.Logger
	cfg   Config

	pieces    []pieceState
	bitfield  bitmap.Bitmap
	remaining int

	requests map[blockKey][]*models.BlockRequest
	byPeer   map[string]map[blockKey]*models.BlockRequest
	haves    map[string]bitmap.Bitmap
	strikes  map[string]int

	downloaded int64
	uploaded   int64

	fatal error
}

// NewCoordinator builds the piece table, seeding Verified state from the
// disk manager's startup rehash.
func NewCoordinator(desc models.Descriptor, store Store, verified bitmap.Bitmap, cfg Config, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		desc:      desc,
		store:     store,
		log:       log,
		cfg:       cfg.withDefaults(),
		pieces:    make([]pieceState, desc.NumPieces()),
		bitfield:  bitmap.New(desc.NumPieces()),
		remaining: desc.NumPieces(),
		requests:  make(map[blockKey][]*models.BlockRequest),
		byPeer:    make(map[string]map[blockKey]*models.BlockRequest),
		haves:     make(map[string]bitmap.Bitmap),
		strikes:   make(map[string]int),
	}
	for i := range c.pieces {
		c.pieces[i].contributors = mapset.NewSet()
		c.pieces[i].suspects = mapset.NewSet()
		if verified != nil && verified.Get(i) {
			c.pieces[i].status = Verified
			c.bitfield.Set(i, true)
			c.remaining--
		}
	}
	return c
}

// Bitfield returns the client's own availability vector, sized to the piece
// count, for the post-handshake bitfield message.
func (c *Coordinator) Bitfield() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield.Data(true)
}

func (c *Coordinator) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining == 0
}

// Fatal reports the first unrecoverable storage error, if any. Peer and
// tracker failures never land here.
func (c *Coordinator) Fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Counters returns the byte totals reported to trackers.
func (c *Coordinator) Counters() (uploaded, downloaded, left int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	left = 0
	for i := range c.pieces {
		if c.pieces[i].status != Verified {
			left += c.desc.PieceSize(i)
		}
	}
	return c.uploaded, c.downloaded, left
}

// AddUploaded accounts bytes served to remote peers.
func (c *Coordinator) AddUploaded(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploaded += int64(n)
}

// HasPiece reports whether a piece is Verified and therefore servable.
func (c *Coordinator) HasPiece(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return index >= 0 && index < len(c.pieces) && c.pieces[index].status == Verified
}

// PeerBitfield records a peer's full availability vector and reports
// whether the peer has anything we still need.
func (c *Coordinator) PeerBitfield(id string, raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	bf := bitmap.New(c.desc.NumPieces())
	interesting := false
	limit := c.desc.NumPieces()
	if bits := len(raw) * 8; bits < limit {
		limit = bits // tolerate a short bitfield, the rest reads as absent
	}
	for i := 0; i < limit; i++ {
		if bitmap.Get(raw, i) {
			bf.Set(i, true)
			c.pieces[i].availability++
			if c.pieces[i].status != Verified {
				interesting = true
			}
		}
	}
	c.haves[id] = bf
	return interesting
}

// PeerHave records a single-piece availability update.
func (c *Coordinator) PeerHave(id string, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= c.desc.NumPieces() {
		return false
	}
	bf, ok := c.haves[id]
	if !ok {
		bf = bitmap.New(c.desc.NumPieces())
		c.haves[id] = bf
	}
	if !bf.Get(index) {
		bf.Set(index, true)
		c.pieces[index].availability++
	}
	return c.pieces[index].status != Verified
}

// PeerChoked releases a peer's outstanding assignments without touching
// blocks it already delivered; a choke is a pause, not a failure.
func (c *Coordinator) PeerChoked(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePeer(id, false)
}

// PeerDisconnected releases the peer's outstanding assignments, discards
// blocks only that peer had contributed to unfinished pieces, and drops its
// availability, all under one lock so nothing is left orphaned.
func (c *Coordinator) PeerDisconnected(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releasePeer(id, true)
	if bf, ok := c.haves[id]; ok {
		for i := 0; i < c.desc.NumPieces(); i++ {
			if bf.Get(i) {
				c.pieces[i].availability--
			}
		}
		delete(c.haves, id)
	}
	delete(c.strikes, id)
}

// releasePeer removes every outstanding request held by id. When
// dropBlocks is set, data the peer contributed to unfinished pieces is
// discarded too, and affected pieces may revert to Missing.
func (c *Coordinator) releasePeer(id string, dropBlocks bool) {
	for key, req := range c.byPeer[id] {
		c.removeRequest(key, req)
	}
	delete(c.byPeer, id)

	if dropBlocks {
		for i := range c.pieces {
			p := &c.pieces[i]
			if p.status != InFlight || !p.contributors.Contains(id) {
				continue
			}
			for b := range p.blocks {
				if p.blocks[b].from == id {
					p.blocks[b].data = nil
					p.blocks[b].from = ""
					p.received--
				}
			}
			p.contributors.Remove(id)
			c.settlePiece(i)
		}
	} else {
		for i := range c.pieces {
			if c.pieces[i].status == InFlight {
				c.settlePiece(i)
			}
		}
	}
}

// settlePiece reverts a piece to Missing when nothing is outstanding and
// nothing has been received; otherwise it stays InFlight.
func (c *Coordinator) settlePiece(index int) {
	p := &c.pieces[index]
	if p.status != InFlight {
		return
	}
	if p.received > 0 {
		return
	}
	for key := range c.requests {
		if key.index == index {
			return
		}
	}
	p.status = Missing
}

func (c *Coordinator) removeRequest(key blockKey, req *models.BlockRequest) {
	pending := c.requests[key]
	for i, r := range pending {
		if r == req {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(c.requests, key)
	} else {
		c.requests[key] = pending
	}
	if peerReqs, ok := c.byPeer[req.Peer]; ok {
		delete(peerReqs, key)
	}
}

func (c *Coordinator) ensureBlocks(index int) {
	p := &c.pieces[index]
	if p.blocks != nil {
		return
	}
	size := c.desc.PieceSize(index)
	n := int((size + BlockSize - 1) / BlockSize)
	p.blocks = make([]blockState, n)
	for b := range p.blocks {
		length := int64(BlockSize)
		if int64(b+1)*BlockSize > size {
			length = size - int64(b)*BlockSize
		}
		p.blocks[b].length = int(length)
	}
}

// NextRequests assigns up to n blocks to the given peer, rarest piece
// first, blocks in offset order, continuing partially fetched pieces before
// starting new ones. During end-game it may hand out blocks that are
// already assigned elsewhere.
func (c *Coordinator) NextRequests(id string, n int) []models.BlockRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal != nil || c.remaining == 0 || n <= 0 {
		return nil
	}
	bf, ok := c.haves[id]
	if !ok {
		return nil
	}

	candidates := c.candidatePieces(id, bf)
	now := time.Now()
	var out []models.BlockRequest

	issue := func(index, b int) {
		c.ensureBlocks(index)
		p := &c.pieces[index]
		req := &models.BlockRequest{
			Index:    index,
			Begin:    b * BlockSize,
			Length:   p.blocks[b].length,
			Peer:     id,
			IssuedAt: now,
		}
		key := blockKey{index: index, begin: req.Begin}
		c.requests[key] = append(c.requests[key], req)
		if c.byPeer[id] == nil {
			c.byPeer[id] = make(map[blockKey]*models.BlockRequest)
		}
		c.byPeer[id][key] = req
		p.status = InFlight
		out = append(out, *req)
	}

	// normal pass: blocks nobody is fetching
	for _, index := range candidates {
		c.ensureBlocks(index)
		p := &c.pieces[index]
		for b := range p.blocks {
			if len(out) >= n {
				return out
			}
			key := blockKey{index: index, begin: b * BlockSize}
			if p.blocks[b].data != nil || len(c.requests[key]) > 0 {
				continue
			}
			issue(index, b)
		}
	}

	// end-game pass: duplicate outstanding blocks across idle peers so one
	// stalled peer cannot hold the tail of the download hostage
	if len(out) < n && c.remaining <= c.cfg.EndgameThreshold {
		for _, index := range candidates {
			p := &c.pieces[index]
			for b := range p.blocks {
				if len(out) >= n {
					return out
				}
				key := blockKey{index: index, begin: b * BlockSize}
				if p.blocks[b].data != nil {
					continue
				}
				if _, mine := c.byPeer[id][key]; mine {
					continue
				}
				if len(c.requests[key]) == 0 {
					continue // normal pass owns fresh blocks
				}
				issue(index, b)
			}
		}
	}

	return out
}

// candidatePieces orders the peer's advertised, still-needed pieces by
// rarity, ties broken by ascending index. Pieces for which this peer is a
// suspect sort last so a poisoning peer does not get a second try while
// alternatives exist.
func (c *Coordinator) candidatePieces(id string, bf bitmap.Bitmap) []int {
	var cand []int
	for i := 0; i < c.desc.NumPieces(); i++ {
		if c.pieces[i].status == Verified || !bf.Get(i) {
			continue
		}
		cand = append(cand, i)
	}
	sort.SliceStable(cand, func(a, b int) bool {
		pa, pb := cand[a], cand[b]
		sa, sb := c.pieces[pa].suspects.Contains(id), c.pieces[pb].suspects.Contains(id)
		if sa != sb {
			return !sa
		}
		if c.pieces[pa].availability != c.pieces[pb].availability {
			return c.pieces[pa].availability < c.pieces[pb].availability
		}
		return pa < pb
	})
	return cand
}

// BlockReceived accepts a delivered block, cancels losing duplicates, and
// verifies the piece once its last block lands. Only blocks this peer was
// actually assigned are taken; anything else is dropped without touching
// other peers' requests. The only error it returns is a fatal storage
// failure.
func (c *Coordinator) BlockReceived(id string, blk models.Block) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk.Index < 0 || blk.Index >= len(c.pieces) || blk.Begin%BlockSize != 0 {
		return Receipt{}, nil
	}
	p := &c.pieces[blk.Index]
	if p.status == Verified {
		return Receipt{}, nil // late duplicate, already done
	}
	if _, asked := c.byPeer[id][blockKey{index: blk.Index, begin: blk.Begin}]; !asked {
		// unsolicited, or a request we already settled elsewhere
		return Receipt{}, nil
	}
	c.ensureBlocks(blk.Index)
	b := blk.Begin / BlockSize
	if b >= len(p.blocks) || len(blk.Data) != p.blocks[b].length {
		return Receipt{}, nil
	}

	key := blockKey{index: blk.Index, begin: blk.Begin}
	receipt := Receipt{Accepted: p.blocks[b].data == nil, Index: blk.Index}

	// first byte-exact delivery wins; everyone else gets cancelled
	for _, req := range c.requests[key] {
		if req.Peer != id {
			receipt.Cancels = append(receipt.Cancels, *req)
		}
		delete(c.byPeer[req.Peer], key)
	}
	delete(c.requests, key)

	if !receipt.Accepted {
		return receipt, nil
	}

	data := make([]byte, len(blk.Data))
	copy(data, blk.Data)
	p.blocks[b].data = data
	p.blocks[b].from = id
	p.received++
	p.contributors.Add(id)
	c.downloaded += int64(len(data))

	if p.received < len(p.blocks) {
		return receipt, nil
	}

	assembled := c.assemble(blk.Index)
	sum := sha1.Sum(assembled)
	if !bytes.Equal(sum[:], c.desc.PieceHashes[blk.Index][:]) {
		c.log.Warn("piece failed verification",
			slog.Int("piece", blk.Index),
			slog.Any("contributors", p.contributors.ToSlice()))
		p.suspects = p.suspects.Union(p.contributors)
		c.resetPiece(blk.Index)
		return receipt, nil
	}

	if err := c.store.WritePiece(blk.Index, assembled); err != nil {
		// storage failure poisons resumability; stop the engine
		c.fatal = err
		return receipt, err
	}

	p.status = Verified
	p.blocks = nil
	p.contributors = mapset.NewSet()
	c.bitfield.Set(blk.Index, true)
	c.remaining--
	receipt.Verified = true

	if err := c.store.SaveProgress(c.bitfield.Data(true)); err != nil {
		c.log.Warn("failed to refresh progress cache", slog.Any("error", err))
	}
	c.log.Info("piece verified",
		slog.Int("piece", blk.Index),
		slog.Int("remaining", c.remaining))
	return receipt, nil
}

func (c *Coordinator) assemble(index int) []byte {
	p := &c.pieces[index]
	buf := make([]byte, 0, c.desc.PieceSize(index))
	for b := range p.blocks {
		buf = append(buf, p.blocks[b].data...)
	}
	return buf
}

// resetPiece discards everything received for a piece and reverts it to
// Missing, keeping the suspect set so reassignment prefers other peers.
func (c *Coordinator) resetPiece(index int) {
	p := &c.pieces[index]
	p.blocks = nil
	p.received = 0
	p.contributors = mapset.NewSet()
	p.status = Missing

	for key := range c.requests {
		if key.index != index {
			continue
		}
		for _, req := range c.requests[key] {
			delete(c.byPeer[req.Peer], key)
		}
		delete(c.requests, key)
	}
}

// ReapTimeouts releases requests unanswered past the deadline and returns
// the peers that have accumulated enough strikes to be disconnected.
func (c *Coordinator) ReapTimeouts(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := make(map[int]struct{})
	for key, pending := range c.requests {
		kept := pending[:0]
		for _, req := range pending {
			if now.Sub(req.IssuedAt) < c.cfg.RequestTimeout {
				kept = append(kept, req)
				continue
			}
			delete(c.byPeer[req.Peer], key)
			c.strikes[req.Peer]++
			expired[key.index] = struct{}{}
		}
		if len(kept) == 0 {
			delete(c.requests, key)
		} else {
			c.requests[key] = kept
		}
	}
	for index := range expired {
		c.settlePiece(index)
	}

	var slow []string
	for id, n := range c.strikes {
		if n >= c.cfg.MaxTimeouts {
			slow = append(slow, id)
			delete(c.strikes, id)
		}
	}
	sort.Strings(slow)
	return slow
}
