package osutil

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// exit is replaced in tests.
var exit = os.Exit

// SignalContext returns a context that is cancelled by the first SIGINT or
// SIGTERM. Batch runs stop between members once it is cancelled, so the
// member in progress still completes. A second signal exits immediately
// with status 130. stop releases the signal handler.
func SignalContext() (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			slog.Warn("interrupted, finishing the member in progress (interrupt again to quit)", "signal", sig.String())
			cancel()
		case <-stopped:
			return
		}
		select {
		case <-sigs:
			exit(130)
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(stopped)
			cancel()
		})
	}
}
