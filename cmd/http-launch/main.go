// Package main implements the entry point for http-launch, a small
// streaming gateway that accepts raw TCP connections, performs an
// HTTP-style handshake and hands accepted sockets to fan-out sinks fed by a
// live media pipeline.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoutte/http-launch/errors"
	"github.com/jmoutte/http-launch/metric"
	"github.com/jmoutte/http-launch/pipeline"
	"github.com/jmoutte/http-launch/session"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "http-launch"
)

// Exit codes per startup failure class
const (
	exitRuntime    = 1
	exitPipeline   = 2
	exitTransition = 3
	exitListen     = 4
)

const shutdownTimeout = 5 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitRuntime)
		}
	}()

	if len(os.Args) != 2 {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s PORT\n", os.Args[0])
		os.Exit(exitRuntime)
	}

	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port <= 0 || port > 65535 {
		_, _ = fmt.Fprintf(os.Stderr, "Invalid port %q\n", os.Args[1])
		os.Exit(exitRuntime)
	}

	if err := run(port); err != nil {
		slog.Error("Session failed", "error", err)
		os.Exit(exitCode(err))
	}
}

func run(port int) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	metricsRegistry := metric.NewMetricsRegistry()

	p, err := pipeline.New(pipeline.Deps{
		Config:          pipeline.DefaultConfig(),
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "pipeline"),
	})
	if err != nil {
		return err
	}

	s, err := session.New(session.Deps{
		Config:          session.DefaultConfig(port),
		Pipeline:        p,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := s.Run(ctx)

	if err := s.Stop(shutdownTimeout); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}

	return runErr
}

// exitCode maps a failure to its exit code. Startup failure classes get
// distinct codes; everything else is a runtime failure.
func exitCode(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrInvalidPipeline) || errors.IsInvalid(err):
		return exitPipeline
	case stderrors.Is(err, errors.ErrAlreadyStarted) || stderrors.Is(err, errors.ErrNotStarted):
		return exitTransition
	case stderrors.Is(err, errors.ErrListenFailed):
		return exitListen
	default:
		return exitRuntime
	}
}
