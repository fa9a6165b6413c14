package app

import (
	"context"
	"fmt"
	"time"

	logx "awaymail/pkg/logx"
)

// runStopStep runs fn with its own deadline and reports whether fn returned
// before it. A step that overruns keeps running in the background.
func runStopStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) bool {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return true
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return false
	}
}

// stopEngine closes the coordinator, then the store. The store stays open
// while Close is still running past its budget; process exit releases it.
func (a *App) stopEngine(ctx context.Context, budget time.Duration) (storeClosed bool) {
	if !runStopStep(ctx, a.log, "batch", budget, a.coord.Close) {
		a.log.Warn("storage left open; batch close still running")
		return false
	}
	return runStopStep(ctx, a.log, "storage", time.Second, func(context.Context) error { return a.store.Close() })
}
