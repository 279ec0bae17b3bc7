package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/spf13/afero"

	"goswarm/internal/engine"
	"goswarm/internal/shared/models"
	"goswarm/internal/tracker"
)

const (
	pieceLen  = 4096
	numPieces = 4
)

// staticDiscoverer stands in for the tracker layer: it always returns the
// same peer set, so the two engines find each other without a network
// tracker.
type staticDiscoverer struct {
	peers []models.Addr
}

func (s *staticDiscoverer) Discover(ctx context.Context, trackers []string, req tracker.AnnounceRequest) (tracker.Result, error) {
	return tracker.Result{Peers: s.peers, Interval: time.Hour}, nil
}

type swarmTest struct {
	desc    models.Descriptor
	content []byte

	seeder       *engine.Engine
	seederAddr   models.Addr
	seederCancel context.CancelFunc
	seederDone   chan error

	downloadFs afero.Fs
}

func (s *swarmTest) aSeederHoldingACompleteContent() error {
	s.content = make([]byte, numPieces*pieceLen)
	if _, err := rand.Read(s.content); err != nil {
		return err
	}
	s.desc = models.Descriptor{
		Name:        "payload.bin",
		Trackers:    []string{"http://tracker.example.com/announce"},
		PieceLength: pieceLen,
		TotalLength: int64(len(s.content)),
		Files:       []models.File{{Length: int64(len(s.content)), Path: []string{"payload.bin"}}},
	}
	for i := 0; i < numPieces; i++ {
		s.desc.PieceHashes = append(s.desc.PieceHashes, sha1.Sum(s.content[i*pieceLen:(i+1)*pieceLen]))
	}

	seedFs := afero.NewMemMapFs()
	if err := afero.WriteFile(seedFs, "/seed/payload.bin", s.content, 0644); err != nil {
		return err
	}

	lnCh := make(chan net.Listener, 1)
	cfg := engine.Config{
		OutputDir:    "/seed",
		ReapInterval: 50 * time.Millisecond,
		IOTimeout:    5 * time.Second,
		Listen: func(network, addr string) (net.Listener, error) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err == nil {
				lnCh <- ln
			}
			return ln, err
		},
	}
	seeder, err := engine.New(s.desc, seedFs, &staticDiscoverer{}, cfg, discardLogger())
	if err != nil {
		return err
	}
	s.seeder = seeder

	ctx, cancel := context.WithCancel(context.Background())
	s.seederCancel = cancel
	s.seederDone = make(chan error, 1)
	go func() { s.seederDone <- seeder.Seed(ctx) }()

	select {
	case ln := <-lnCh:
		tcp := ln.Addr().(*net.TCPAddr)
		s.seederAddr = models.Addr{IP: tcp.IP, Port: uint16(tcp.Port)}
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("seeder never started listening")
	}
}

func (s *swarmTest) aPreviousRunLeftPiecesOnDisk(n int) error {
	s.downloadFs = afero.NewMemMapFs()
	partial := make([]byte, len(s.content))
	copy(partial, s.content[:n*pieceLen])
	return afero.WriteFile(s.downloadFs, "/dl/payload.bin", partial, 0644)
}

func (s *swarmTest) iDownloadTheContent() error {
	if s.downloadFs == nil {
		s.downloadFs = afero.NewMemMapFs()
	}
	cfg := engine.Config{
		OutputDir:      "/dl",
		ReapInterval:   50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		IOTimeout:      5 * time.Second,
	}
	dl, err := engine.New(s.desc, s.downloadFs, &staticDiscoverer{peers: []models.Addr{s.seederAddr}}, cfg, discardLogger())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return dl.Download(ctx)
}

func (s *swarmTest) theDownloadedBytesMatch() error {
	got, err := afero.ReadFile(s.downloadFs, "/dl/payload.bin")
	if err != nil {
		return err
	}
	if !bytes.Equal(got, s.content) {
		return fmt.Errorf("downloaded %d bytes differ from the %d original bytes", len(got), len(s.content))
	}
	return nil
}

func (s *swarmTest) theSeederReportsUploadedBytes() error {
	if up := s.seeder.Stats().Uploaded; up == 0 {
		return errors.New("seeder uploaded counter is zero")
	}
	return nil
}

func (s *swarmTest) shutdown() {
	if s.seederCancel != nil {
		s.seederCancel()
		<-s.seederDone
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	s := &swarmTest{}
	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		s.shutdown()
		return c, err
	})
	ctx.Step(`^a seeder holding a complete 4-piece content$`, s.aSeederHoldingACompleteContent)
	ctx.Step(`^a previous run left the first (\d+) pieces on disk$`, s.aPreviousRunLeftPiecesOnDisk)
	ctx.Step(`^I download the content from the swarm$`, s.iDownloadTheContent)
	ctx.Step(`^the downloaded bytes match the original content$`, s.theDownloadedBytesMatch)
	ctx.Step(`^the seeder reports uploaded bytes$`, s.theSeederReportsUploadedBytes)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t, // Testing instance that will run subtests.
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
