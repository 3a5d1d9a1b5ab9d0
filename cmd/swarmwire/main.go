package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danferreira/swarmwire/internal/config"
	"github.com/danferreira/swarmwire/internal/engine"
	"github.com/danferreira/swarmwire/internal/metadata"
	"github.com/danferreira/swarmwire/internal/peer"
	"github.com/danferreira/swarmwire/internal/storage"
	"github.com/danferreira/swarmwire/internal/tracker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("swarmwire", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a config file")
	torrentPath := fs.StringP("file", "f", "", "the torrent file")
	seed := fs.Bool("seed", false, "keep serving peers after the download completes")
	fs.String("download-directory", "", "where downloaded files are written")
	fs.Int("listen-port", 0, "port for incoming peer connections")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-format", "", "text or json")
	fs.Int("max-peers", 0, "maximum number of simultaneous peer connections")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		return err
	}

	setupLogger(cfg)

	if *torrentPath == "" {
		fs.Usage()
		return fmt.Errorf("missing torrent file")
	}

	m, err := metadata.Parse(*torrentPath)
	if err != nil {
		return err
	}

	peerID, err := peer.NewPeerID("SW", version)
	if err != nil {
		return err
	}
	session := config.NewSession(peerID, cfg.ListenPort)

	if err := os.MkdirAll(cfg.DownloadDirectory, 0755); err != nil {
		return err
	}

	store, err := storage.NewStorage(afero.NewBasePathFs(afero.NewOsFs(), cfg.DownloadDirectory), m)
	if err != nil {
		return err
	}
	defer store.CloseFiles()

	opts := []engine.Option{engine.WithDiscoverer(tracker.NewTracker(m, session))}
	if !*seed {
		opts = append(opts, engine.StopWhenDone())
	}

	e, err := engine.New(cfg, session, m, store, opts...)
	if err != nil {
		return err
	}

	if cfg.ListenPort > 0 {
		if _, err := e.Listen(fmt.Sprintf(":%d", cfg.ListenPort)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go progress(ctx, e, m.Info.TotalLength())

	return e.Run(ctx)
}

func setupLogger(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func progress(ctx context.Context, e *engine.Engine, size int64) {
	bar := progressbar.DefaultBytes(size, "downloading")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := e.Stats()
			bar.Set64(s.Size - s.Left)
			bar.Describe(fmt.Sprintf("downloading from %d peers", len(e.Connections())))
		}
	}
}
