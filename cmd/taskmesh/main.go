package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/taskmesh/internal/app"
	"github.com/vk/taskmesh/internal/cli"
)

// bootstrapLogger is installed as slog's process-wide default before any
// flags are parsed, so a failure during cli.Parse itself still has
// somewhere to go. Once App.NewApp builds the configured logger, that one
// takes over for everything run dispatches into.
func bootstrapLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func main() {
	slog.SetDefault(bootstrapLogger())

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		exitWith(err)
	}
}

// exitWith translates a run error into a process exit: a *cli.ExitError
// carries the message and code the CLI layer already decided on, anything
// else is an unhandled failure and exits 1.
func exitWith(err error) {
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, exitErr.Message)
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// run parses args, builds the application, drives it to completion against
// Background, and writes the target's result to outW. Pulled out of main
// so tests can drive it directly without touching process exit codes.
func run(outW io.Writer, args []string) error {
	cfg, shouldExit, err := cli.Parse(args, outW)
	if shouldExit || err != nil {
		return err
	}

	a, err := app.NewApp(outW, cfg)
	if err != nil {
		return err
	}

	result, err := a.Run(context.Background(), cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(outW, "%v\n", result)
	return nil
}
