// Package event implements the ambient shutdown-hook mechanism used by
// cmd/gatewayd: a single process-wide Cleaner waits for SIGINT/SIGTERM,
// then drains a registered list of Callables (the worker loop, the
// database connection, the listening socket) before flushing the logger
// and terminating the process.
package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/logger"
)

// Callable is a shutdown hook: anything that can run a bounded cleanup
// step given a deadline context.
type Callable interface {
	Invoke(ctx context.Context) error
}

// Cleaner runs every registered Callable once, in registration order,
// when the process receives an interrupt or termination signal.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleaning       bool
	loggerShutdown Callable
}

var cleanerInstance = &Cleaner{}

// NewCleaner returns the process-wide Cleaner singleton.
func NewCleaner() *Cleaner {
	return cleanerInstance
}

// Add registers callable to run on shutdown, in the order registered. A
// no-op once shutdown has already begun.
func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("shutdown already in progress, ignoring late-registered hook")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init starts the signal watcher, exactly once. loggerShutdown runs after
// every registered Callable, regardless of whether any of them failed, so
// the last lines logged during shutdown still reach disk.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		c.loggerShutdown = loggerShutdown

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("received interrupt signal, shutting down gatewayd")

			c.mu.Lock()
			c.cleaning = true // block any further Add once shutdown has begun
			cleanersCopy := make([]Callable, len(c.cleaners))
			copy(cleanersCopy, c.cleaners)
			c.mu.Unlock()

			logger.DebugF("running %d registered shutdown hooks", len(cleanersCopy))

			var errs []error
			for i, callable := range cleanersCopy {
				func(idx int, c Callable) { // fresh defer scope per iteration
					logger.DebugF("invoking shutdown hook #%d (%T)", idx+1, c)
					timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancelFunc()
					if err := c.Invoke(timeoutCtx); err != nil {
						logger.ErrorF("shutdown hook #%d (%T) failed: %v", idx+1, c, err)
						errs = append(errs, err)
					}
				}(i, callable)
			}

			if len(errs) > 0 {
				logger.ErrorF("%d errors occurred during shutdown:", len(errs))
				for i, err := range errs {
					logger.ErrorF("error %d: %v", i+1, err)
				}
			} else {
				logger.Debug("all shutdown hooks completed successfully")
			}
			logger.Info("shutdown complete, gatewayd offline")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "logger shutdown error: %v\n", err)
			}
			syscall.Exit(0)
		}()
	})
}
