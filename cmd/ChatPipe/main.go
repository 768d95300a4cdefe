package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/ChatPipe/internal/config"
	"github.com/BTreeMap/ChatPipe/internal/lockfile"
)

var version = "dev"

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	opts, err := config.Parse(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.Version {
		fmt.Printf("chatpipe %s\n", version)
		os.Exit(0)
	}

	initializeLogger(opts)
	if err := opts.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ChatPipe", "version", version, "state_dir", opts.StateDir,
		"platforms", opts.EnabledPlatforms(), "addr", opts.HTTP.Addr)
	if err := run(ctx, opts, nil); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("ChatPipe failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatPipe exited successfully")
}

// initializeLogger installs the process-wide slog handler.
func initializeLogger(opts *config.Options) {
	handlerOpts := &slog.HandlerOptions{Level: opts.SlogLevel()}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	if opts.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}
