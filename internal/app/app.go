package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/taskmesh"
	"github.com/vk/taskmesh/internal/hclconfig"
)

// newLogger builds the isolated *slog.Logger this App logs through. Every
// record carries a "component" attribute so a process embedding more than
// one App (or piping taskmesh's output alongside another system's logs)
// can filter on it; the handler choice (text vs. JSON) and level are the
// two knobs cfg exposes to the CLI.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch formatStr {
	case "json":
		handler = slog.NewJSONHandler(outW, opts)
	default:
		handler = slog.NewTextHandler(outW, opts)
	}

	return slog.New(handler).With("component", "taskmesh")
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	pipeline *taskmesh.Pipeline
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and pipeline.
func NewApp(outW io.Writer, cfg *Config, modules ...Module) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	taskCfg, err := hclconfig.Load(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Configuration loaded and translated into task graph model.", "tasks", len(taskCfg))

	pipeline, err := taskmesh.New(taskCfg, taskmesh.Options{WorkerCount: cfg.WorkerCount})
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	logger.Debug("Pipeline built from task graph model.", "workers", cfg.WorkerCount)

	a := &App{outW: outW, logger: logger, pipeline: pipeline}
	pipeline.Subscribe(taskmesh.EventHandlerFunc(a.handleEvent))

	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(pipeline)
	}
	logger.Debug("All Go modules registered.", "count", len(modules))

	return a, nil
}

// Pipeline returns the application's Pipeline. This is primarily for testing.
func (a *App) Pipeline() *taskmesh.Pipeline {
	return a.pipeline
}

func (a *App) handleEvent(e taskmesh.Event) {
	switch e.Type {
	case taskmesh.EventTaskDispatch:
		a.logger.Debug("Task dispatched.", "task", e.Task, "ctx", e.ContextIdx)
	case taskmesh.EventTaskDone:
		a.logger.Debug("Task finished.", "task", e.Task, "ctx", e.ContextIdx, "worker", e.WorkerIdx)
	case taskmesh.EventContextTerminated:
		if e.Err != nil {
			a.logger.Warn("Execution context terminated with an error.", "ctx", e.ContextIdx, "error", e.Err)
		} else {
			a.logger.Debug("Execution context terminated.", "ctx", e.ContextIdx)
		}
	case taskmesh.EventPoolTerminated:
		a.logger.Debug("Worker pool terminated.")
	case taskmesh.EventError:
		a.logger.Error("Fatal pipeline error.", "error", e.Err)
	}
}
