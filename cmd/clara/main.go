package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/clara-voice-lab/internal/config"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()
	sugar := logging.Init()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "status" {
		if err := runStatus(context.Background(), cfg.MCPAddr, os.Stdout); err != nil {
			sugar.Errorw("status failed", "mcp_addr", cfg.MCPAddr, "err", err)
			_ = logging.Sync()
			os.Exit(1)
		}
		_ = logging.Sync()
		return
	}

	a := newApp(cfg, deps{})
	con := &console{ctl: a, in: os.Stdin, out: os.Stdout}
	a.arb.OnUtterance(con.utterance)
	a.coord.OnSummary(con.summary)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("clara starting", "version", version, "channel", cfg.Channel.Mode, "speech", cfg.Speech.Engine)
	err = a.run(ctx, con.Run)
	if err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		sugar.Errorw("clara stopped with error", "err", err)
		_ = logging.Sync()
		os.Exit(1)
	}
	sugar.Infow("clara stopped")
	_ = logging.Sync()
}
