package campaign

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// HandleSignals installs the interrupt handler until ctx is done. The first SIGINT or SIGTERM
// shuts the campaign down gracefully, the third exits the process at once.
func (c *Controller) HandleSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 3)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		c.watchSignals(ctx, sigs, os.Exit)
	}()
}

func (c *Controller) watchSignals(ctx context.Context, sigs <-chan os.Signal, exit func(int)) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			count++
			switch count {
			case 1:
				c.logger.Warn("shutting down, waiting for running executions", zap.Stringer("signal", sig))
				c.Interrupt()
			case 2:
				c.logger.Warn("shutdown in progress, interrupt again to exit immediately", zap.Stringer("signal", sig))
			default:
				c.logger.Error("exiting without cleanup", zap.Stringer("signal", sig))
				exit(1)
				return
			}
		}
	}
}
