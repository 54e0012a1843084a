package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prxssh/burrow/internal/client"
	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/pkg/logging"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <torrent-file> [output-dir]\n", os.Args[0])
		os.Exit(2)
	}

	torrentPath := os.Args[1]
	outDir := ""
	if len(os.Args) > 2 {
		outDir = os.Args[2]
	}

	setupLogger()
	config.Init()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	c := client.New(slog.Default())
	if err := c.Download(ctx, torrentPath, outDir); err != nil {
		slog.Error("download failed", "error", err.Error())
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}
