package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"clipvault/internal/auth"
	"clipvault/internal/clipboard"
	"clipvault/internal/common"
	"clipvault/internal/config"
	"clipvault/internal/database"
	"clipvault/internal/protocol"
	"clipvault/internal/search"
	"clipvault/internal/server"
	"clipvault/internal/service"
)

func main() {
	logger := common.Logger()

	withMonitor := flag.Bool("monitor", false, "also watch the OS clipboard and feed the daemon")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir, err := config.DataDir()
	if err != nil {
		logger.Error("main: failed to resolve data directory", "error", err)
		os.Exit(1)
	}

	configPath := filepath.Join(dataDir, "config.json")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("main: failed to load config", "error", err)
		os.Exit(1)
	}

	repo, err := database.NewRepository(filepath.Join(dataDir, "clipvault.db"), logger)
	if err != nil {
		// A store that cannot open is the one startup failure that is
		// fatal to the whole process.
		logger.Error("main: failed to open store", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	index, err := search.Open(filepath.Join(dataDir, "index.bleve"))
	if err != nil {
		logger.Error("main: failed to open search index", "error", err)
		os.Exit(1)
	}
	defer index.Close()

	entries, err := repo.AllTextEntries(ctx)
	if err != nil {
		logger.Error("main: failed to load items for indexing", "error", err)
		os.Exit(1)
	}
	if err := index.Rebuild(entries); err != nil {
		logger.Error("main: failed to rebuild search index", "error", err)
		os.Exit(1)
	}

	grants, err := auth.NewGrantService(auth.TrustTransport, auth.DefaultGrantTTL)
	if err != nil {
		logger.Error("main: failed to init grant service", "error", err)
		os.Exit(1)
	}

	svc := service.New(service.Options{
		Repo:       repo,
		Index:      index,
		Grants:     grants,
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger,
	})

	srv := server.New(svc, logger)
	if err := srv.Listen(cfg.SocketPath); err != nil {
		logger.Error("main: failed to bind socket", "error", err)
		os.Exit(1)
	}

	svc.Start(ctx)

	if *withMonitor {
		go runMonitor(ctx, cfg, logger)
	}

	logger.Info("main: serving", "socket", cfg.SocketPath, "items_indexed", len(entries))
	if err := srv.Serve(ctx); err != nil {
		logger.Error("main: server failed", "error", err)
		os.Exit(1)
	}
}

// runMonitor connects the clipboard watcher to the daemon over the same
// socket any other client uses. It retries until the socket is accepting.
func runMonitor(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	var client *protocol.Client
	for {
		var err error
		client, err = protocol.Dial(cfg.SocketPath)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	defer client.Close()

	monitor := clipboard.NewMonitor(client, cfg, logger)
	if err := monitor.Start(ctx); err != nil {
		logger.Warn("main: clipboard monitor unavailable", "error", err)
		return
	}
	<-ctx.Done()
}
