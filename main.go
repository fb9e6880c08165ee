package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/collabhq/whiteboard/auth"
	"github.com/collabhq/whiteboard/config"
	"github.com/collabhq/whiteboard/crdt"
	"github.com/collabhq/whiteboard/persist"
	"github.com/collabhq/whiteboard/room"
	"github.com/collabhq/whiteboard/transport"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := persist.Open(ctx, cfg.Persistence, logger)
	if err != nil {
		logger.Error("failed to open persistence store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	redisClient := auth.NewRedisClient(cfg.Auth)
	defer redisClient.Close()

	oracle := auth.New(cfg.Auth, store, redisClient)
	manager := room.NewManager(logger)
	handler := transport.NewHandler(manager, store, oracle, cfg.Persistence.SaveEveryFrames, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", handler.ServeHTTP)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("whiteboard collaboration core listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	flushRooms(shutdownCtx, manager, store, logger)
}

// parseLevel maps a LOG_LEVEL string to its slog.Level, defaulting to Info
// for an empty or unrecognized value.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// flushRooms saves a final snapshot for every board that still has a live
// Room at shutdown time, so in-memory edits since the last periodic save
// are never lost to a process restart.
func flushRooms(ctx context.Context, manager *room.Manager, store persist.Store, logger *slog.Logger) {
	for _, r := range manager.Rooms() {
		var snapshot []byte
		r.WithDocRead(func(doc *crdt.Document) {
			snapshot = doc.Snapshot()
		})
		if err := store.SaveSnapshot(ctx, r.BoardID, snapshot); err != nil {
			logger.Error("final snapshot flush failed", "board_id", r.BoardID, "error", err)
		}
	}
}
