package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eonbridge/eonbridge/pkg/eonnext"
	"github.com/eonbridge/eonbridge/pkg/homeassistant"
	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/poller"
	"github.com/eonbridge/eonbridge/pkg/server"
	"github.com/eonbridge/eonbridge/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	db := storage.Configured()
	ha := homeassistant.Configured()
	api := eonnext.New()
	p := poller.Configured(api, db, ha)

	// init server
	srv := server.Configured(api, db, p)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	// the server owns the encryption key flag, hand it to the poller
	p.SetEncryptionKey(srv.EncryptionKey())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := ha.Connect(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt broker", "error", err)
		os.Exit(1)
	}
	defer ha.Close()

	// run the HTTP API and the poll loop until either fails or we get a signal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return p.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
