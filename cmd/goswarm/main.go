package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"

	"goswarm/internal/decoder"
	"goswarm/internal/engine"
	"goswarm/internal/tracker"
)

func main() {
	var (
		descriptorPath string
		outputDir      string
		port           int
		maxPeers       int
		seed           bool
		createPath     string
		announce       string
		verbose        bool
	)
	flag.StringVar(&descriptorPath, "descriptor", "", "Specify the content descriptor file")
	flag.StringVar(&outputDir, "output", ".", "Specify the output directory")
	flag.IntVar(&port, "port", engine.DefaultPort, "Listen port announced to trackers")
	flag.IntVar(&maxPeers, "max-peers", 0, "Maximum concurrent peer sessions")
	flag.BoolVar(&seed, "seed", false, "Seed the content instead of downloading it")
	flag.StringVar(&createPath, "create", "", "Create a descriptor for the given file or directory and exit")
	flag.StringVar(&announce, "announce", "", "Tracker URL embedded by -create")
	flag.BoolVar(&verbose, "verbose", false, "Log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if createPath != "" {
		if err := runCreate(createPath, announce, logger); err != nil {
			logger.Error("failed to create descriptor", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if descriptorPath == "" {
		fmt.Fprintln(os.Stderr, "either -descriptor or -create is required")
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(descriptorPath)
	if err != nil {
		logger.Error("failed to open descriptor", slog.Any("error", err))
		os.Exit(1)
	}
	desc, err := decoder.NewDecoder().Decode(f)
	f.Close()
	if err != nil {
		logger.Error("failed to decode descriptor", slog.Any("error", err))
		os.Exit(1)
	}

	disc := tracker.NewDiscoverer(tracker.NewClient(&http.Client{Timeout: 15 * time.Second}), logger)
	eng, err := engine.New(desc, afero.NewOsFs(), disc, engine.Config{
		OutputDir: outputDir,
		Port:      uint16(port),
		MaxPeers:  maxPeers,
	}, logger)
	if err != nil {
		logger.Error("failed to start engine", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if seed {
		err = eng.Seed(ctx)
	} else {
		done := renderProgress(eng, desc.TotalLength)
		err = eng.Download(ctx)
		close(done)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("transfer failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// renderProgress polls the engine and feeds a byte progress bar until the
// returned channel is closed.
func renderProgress(eng *engine.Engine, total int64) chan struct{} {
	bar := progressbar.DefaultBytes(total, "downloading")
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				st := eng.Stats()
				bar.Set64(st.Total - st.Left)
				bar.Finish()
				return
			case <-ticker.C:
				st := eng.Stats()
				bar.Set64(st.Total - st.Left)
			}
		}
	}()
	return done
}

func runCreate(path, announce string, logger *slog.Logger) error {
	if announce == "" {
		return fmt.Errorf("-announce is required with -create")
	}
	desc, raw, err := decoder.Create(afero.NewOsFs(), path, announce, 0)
	if err != nil {
		return err
	}
	out := filepath.Base(path) + ".torrent"
	if err := os.WriteFile(out, raw, 0644); err != nil {
		return err
	}
	logger.Info("descriptor created",
		slog.String("path", out),
		slog.String("info_hash", desc.InfoHash.String()),
		slog.Int("pieces", desc.NumPieces()))
	return nil
}
