// Package shutdown turns termination signals into context cancellation.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// Notify relays the platform's termination signals to ch.
func Notify(ch chan os.Signal) {
	signal.Notify(ch, signals...)
}

// WithSignals returns a context cancelled on the first termination signal.
// A second signal exits the process immediately.
func WithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	released := make(chan struct{})
	Notify(ch)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-released:
			return
		}
		select {
		case <-ch:
			os.Exit(130)
		case <-released:
		}
	}()
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(ch)
			close(released)
		})
		cancel()
	}
}
