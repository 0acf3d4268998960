package app

import (
	"context"
	"fmt"
)

// Run drives the pipeline's Process against cfg.Target and blocks until the
// completion callback fires, returning the target's final result.
func (a *App) Run(ctx context.Context, cfg *Config) (any, error) {
	a.logger.Debug("App.Run method started.", "target", cfg.Target)

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	a.logger.Info("Starting pipeline execution.", "target", cfg.Target)
	if err := a.pipeline.Process(cfg.Target, nil, func(result any, err error) {
		done <- outcome{result, err}
	}); err != nil {
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("pipeline processing failed: %w", out.err)
		}
		a.logger.Info("Pipeline finished.", "target", cfg.Target)
		a.logger.Debug("App.Run method finished.")
		return out.result, nil
	case <-ctx.Done():
		a.pipeline.Terminate()
		return nil, ctx.Err()
	}
}

// Terminate tears down the underlying pipeline. Safe to call more than once.
func (a *App) Terminate() {
	a.pipeline.Terminate()
}
