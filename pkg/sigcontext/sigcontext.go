// Package sigcontext derives contexts that cancel on process signals, so an
// agent asked to stop can wind down a running session instead of dying inside
// a write.
package sigcontext

import (
	"context"
	"os"
	"os/signal"

	"github.com/roehann/cota/pkg/logging"
)

// WithSignalCancel returns a context canceled on receipt of any of the given
// signals. The handler is released after the first signal, or when the
// returned cancel runs; from then on a repeated signal gets the runtime's
// default handling, so a shutdown stuck in the engine can still be terminated
// from outside.
func WithSignalCancel(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sigctx, cancel := context.WithCancel(ctx)

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	go func() {
		defer signal.Stop(sigchan)
		select {
		case sig := <-sigchan:
			logging.New("sigcontext").WithField("signal", sig.String()).Info("canceling on signal")
			cancel()
		case <-sigctx.Done():
		}
	}()

	return sigctx, func() {
		signal.Stop(sigchan)
		cancel()
	}
}
