package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"goswarm/internal/shared/models"
)

// DefaultMaxPeers caps concurrent sessions per content.
const DefaultMaxPeers = 30

// Pool is the membership authority for live sessions: one session per peer
// identity, never more than the cap, banned peers kept out. All adds and
// removes go through it.
type Pool struct {
	log *slog.Logger
	cap int

	mu       sync.Mutex
	sessions map[string]*Session
	banned   mapset.Set
	closed   bool
	wg       sync.WaitGroup
}

func NewPool(capacity int, log *slog.Logger) *Pool {
	if capacity <= 0 {
		capacity = DefaultMaxPeers
	}
	return &Pool{
		log:      log,
		cap:      capacity,
		sessions: make(map[string]*Session),
		banned:   mapset.NewSet(),
	}
}

// Add registers the session and starts its Run loop. It refuses duplicates,
// banned peers, and anything past the cap, closing only the rejected
// session's connection; a live session under the same id keeps its state.
func (p *Pool) Add(ctx context.Context, s *Session) bool {
	p.mu.Lock()
	_, dup := p.sessions[s.ID()]
	reject := p.closed || dup || p.banned.Contains(s.ID()) || len(p.sessions) >= p.cap
	if !reject {
		p.sessions[s.ID()] = s
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if reject {
		s.abort()
		return false
	}

	go func() {
		defer p.wg.Done()
		err := s.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Debug("session ended",
				slog.String("peer", s.ID()),
				slog.Any("error", err))
		}
		p.remove(s.ID())
	}()
	return true
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

// Ban excludes the peer from this pool for good and drops its session if
// one is live. Used for peers that keep timing out or poison pieces.
func (p *Pool) Ban(id string) {
	p.mu.Lock()
	p.banned.Add(id)
	s := p.sessions[id]
	p.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Contains reports whether the peer currently has a live session.
func (p *Pool) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[id]
	return ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// BroadcastHave advertises a verified piece to every session except the one
// it arrived on. Writes happen outside the lock; a failing session cleans
// itself up through its own Run loop.
func (p *Pool) BroadcastHave(index int, origin string) {
	p.mu.Lock()
	targets := make([]*Session, 0, len(p.sessions))
	for id, s := range p.sessions {
		if id != origin {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()

	for _, s := range targets {
		s.SendHave(index)
	}
}

// Cancel routes an end-game cancellation to the session that lost the race.
func (p *Pool) Cancel(req models.BlockRequest) {
	p.mu.Lock()
	s := p.sessions[req.Peer]
	p.mu.Unlock()
	if s != nil {
		s.CancelRequest(req)
	}
}

// CloseAll shuts every session down and waits for their Run loops to hand
// outstanding work back to the coordinator.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	p.wg.Wait()
}
