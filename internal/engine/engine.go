// Package engine wires discovery, sessions, the piece coordinator and the
// disk manager into the two top-level operations: downloading a content and
// seeding it back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/spf13/afero"

	"goswarm/internal/disk"
	"goswarm/internal/peer"
	"goswarm/internal/piece"
	"goswarm/internal/shared/models"
	"goswarm/internal/tracker"
)

const (
	DefaultPort = 6881

	// DefaultReapInterval is how often stalled requests are collected and
	// completion is checked.
	DefaultReapInterval = 5 * time.Second

	// stopAnnounceTimeout bounds the final stopped/completed announce so
	// shutdown never hangs on a dead tracker.
	stopAnnounceTimeout = 5 * time.Second
)

// Discoverer is the slice of tracker discovery the engine drives.
type Discoverer interface {
	Discover(ctx context.Context, trackers []string, req tracker.AnnounceRequest) (tracker.Result, error)
}

type Config struct {
	OutputDir string
	Port      uint16
	MaxPeers  int

	RequestWindow     int
	EndgameThreshold  int
	RequestTimeout    time.Duration
	MaxTimeouts       int
	KeepaliveInterval time.Duration
	IOTimeout         time.Duration
	ReapInterval      time.Duration

	// Dial and Listen are seams for tests; they default to the net package.
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	Listen func(network, addr string) (net.Listener, error)
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = peer.DefaultMaxPeers
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.Dial == nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		c.Dial = dialer.DialContext
	}
	if c.Listen == nil {
		c.Listen = net.Listen
	}
	return c
}

// Stats is a point-in-time progress snapshot for callers that render it.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
	Total      int64
	Peers      int
}

type Engine struct {
	desc   models.Descriptor
	cfg    Config
	log    *slog.Logger
	peerID [20]byte

	disk       *disk.Manager
	coord      *piece.Coordinator
	pool       *peer.Pool
	discoverer Discoverer
}

// New opens storage under cfg.OutputDir, rehashes whatever a previous run
// left behind, and builds the coordinator seeded with the surviving pieces.
func New(desc models.Descriptor, fs afero.Fs, disc Discoverer, cfg Config, log *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()

	dm, err := disk.NewManager(fs, desc, cfg.OutputDir, log)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	verified, n, err := dm.VerifyExisting()
	if err != nil {
		dm.Close()
		return nil, fmt.Errorf("verifying existing data: %w", err)
	}
	log.Info("storage ready",
		slog.Int("verified_pieces", n),
		slog.Int("total_pieces", desc.NumPieces()))

	coord := piece.NewCoordinator(desc, dm, verified, piece.Config{
		EndgameThreshold: cfg.EndgameThreshold,
		RequestTimeout:   cfg.RequestTimeout,
		MaxTimeouts:      cfg.MaxTimeouts,
	}, log)

	return &Engine{
		desc:       desc,
		cfg:        cfg,
		log:        log,
		peerID:     generatePeerID(),
		disk:       dm,
		coord:      coord,
		pool:       peer.NewPool(cfg.MaxPeers, log),
		discoverer: disc,
	}, nil
}

func generatePeerID() [20]byte {
	const prefix = "-GS0100-"
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var id [20]byte
	copy(id[:], prefix)
	for i := len(prefix); i < len(id); i++ {
		id[i] = charset[rand.Intn(len(charset))]
	}
	return id
}

func (e *Engine) Stats() Stats {
	up, down, left := e.coord.Counters()
	return Stats{
		Uploaded:   up,
		Downloaded: down,
		Left:       left,
		Total:      e.desc.TotalLength,
		Peers:      e.pool.Len(),
	}
}

// Download runs discovery and the swarm until every piece is verified on
// disk. Peer and tracker failures are survived; only a storage failure or
// the context ends the download early.
func (e *Engine) Download(ctx context.Context) error {
	defer e.disk.Close()
	defer e.pool.CloseAll()

	if e.coord.Done() {
		e.log.Info("content already complete")
		return nil
	}

	res, err := e.discoverer.Discover(ctx, e.desc.Trackers, e.announceReq(tracker.EventStarted))
	if err != nil {
		return fmt.Errorf("initial discovery: %w", err)
	}
	e.dialPeers(ctx, res.Peers)

	reap := time.NewTicker(e.cfg.ReapInterval)
	defer reap.Stop()
	announce := time.NewTicker(res.Interval)
	defer announce.Stop()

	for {
		select {
		case <-ctx.Done():
			e.announceBestEffort(tracker.EventStopped)
			return ctx.Err()

		case <-reap.C:
			if err := e.coord.Fatal(); err != nil {
				e.announceBestEffort(tracker.EventStopped)
				return fmt.Errorf("storage failure: %w", err)
			}
			for _, id := range e.coord.ReapTimeouts(time.Now()) {
				e.log.Warn("dropping unresponsive peer", slog.String("peer", id))
				e.pool.Ban(id)
			}
			if e.coord.Done() {
				e.log.Info("download complete", slog.String("name", e.desc.Name))
				e.announceBestEffort(tracker.EventCompleted)
				return nil
			}

		case <-announce.C:
			res, err := e.discoverer.Discover(ctx, e.desc.Trackers, e.announceReq(tracker.EventNone))
			if err != nil {
				e.log.Warn("re-announce failed", slog.Any("error", err))
				continue
			}
			announce.Reset(res.Interval)
			e.dialPeers(ctx, res.Peers)
		}
	}
}

// Seed accepts inbound sessions and serves verified pieces until the
// context ends. It re-announces on the tracker interval so the swarm keeps
// finding us.
func (e *Engine) Seed(ctx context.Context) error {
	defer e.disk.Close()
	defer e.pool.CloseAll()

	ln, err := e.cfg.Listen("tcp", fmt.Sprintf(":%d", e.cfg.Port))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	go e.acceptLoop(ctx, ln)
	e.log.Info("seeding", slog.String("addr", ln.Addr().String()))

	interval := tracker.DefaultAnnounceInterval
	res, err := e.discoverer.Discover(ctx, e.desc.Trackers, e.announceReq(tracker.EventStarted))
	if err != nil {
		e.log.Warn("initial announce failed", slog.Any("error", err))
	} else {
		interval = res.Interval
	}

	announce := time.NewTicker(interval)
	defer announce.Stop()
	for {
		select {
		case <-ctx.Done():
			e.announceBestEffort(tracker.EventStopped)
			return nil
		case <-announce.C:
			if _, err := e.discoverer.Discover(ctx, e.desc.Trackers, e.announceReq(tracker.EventNone)); err != nil {
				e.log.Warn("re-announce failed", slog.Any("error", err))
			}
		}
	}
}

func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		id := conn.RemoteAddr().String()
		s := peer.NewSession(id, conn, true, e.coord, e.disk, e.pool, e.sessionConfig(), e.log)
		e.pool.Add(ctx, s)
	}
}

func (e *Engine) dialPeers(ctx context.Context, addrs []models.Addr) {
	for _, addr := range addrs {
		if e.pool.Len() >= e.cfg.MaxPeers {
			return
		}
		id := addr.String()
		if e.pool.Contains(id) {
			continue
		}
		go func(id string) {
			conn, err := e.cfg.Dial(ctx, "tcp", id)
			if err != nil {
				e.log.Debug("dial failed", slog.String("peer", id), slog.Any("error", err))
				return
			}
			s := peer.NewSession(id, conn, false, e.coord, e.disk, e.pool, e.sessionConfig(), e.log)
			e.pool.Add(ctx, s)
		}(id)
	}
}

func (e *Engine) sessionConfig() peer.Config {
	return peer.Config{
		InfoHash:          [20]byte(e.desc.InfoHash),
		PeerID:            e.peerID,
		Window:            e.cfg.RequestWindow,
		KeepaliveInterval: e.cfg.KeepaliveInterval,
		IOTimeout:         e.cfg.IOTimeout,
	}
}

func (e *Engine) announceReq(event tracker.Event) tracker.AnnounceRequest {
	up, down, left := e.coord.Counters()
	return tracker.AnnounceRequest{
		InfoHash:   [20]byte(e.desc.InfoHash),
		PeerID:     e.peerID,
		Port:       e.cfg.Port,
		Uploaded:   up,
		Downloaded: down,
		Left:       left,
		Event:      event,
	}
}

// announceBestEffort delivers a lifecycle event on its own deadline, off
// the caller's possibly-cancelled context.
func (e *Engine) announceBestEffort(event tracker.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), stopAnnounceTimeout)
	defer cancel()
	if _, err := e.discoverer.Discover(ctx, e.desc.Trackers, e.announceReq(event)); err != nil {
		e.log.Warn("lifecycle announce failed",
			slog.String("event", event.String()),
			slog.Any("error", err))
	}
}
