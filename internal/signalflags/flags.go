// Package signalflags holds the process-wide atomic booleans the control
// loop consults at defined safe points: graceful stop, fast stop, and
// reload are all raised from a signal handler goroutine and read
// synchronously by the loop, never touched in the middle of a
// state-file write or a monitor transaction.
package signalflags

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Flags are the three signals the control loop reacts to.
type Flags struct {
	stop     atomic.Bool
	fastStop atomic.Bool
	reload   atomic.Bool
}

// New returns a zeroed Flags, ready for Watch.
func New() *Flags {
	return &Flags{}
}

// Watch installs a signal handler translating OS signals into the atomic
// flags: SIGTERM/SIGINT request a graceful stop, SIGQUIT requests a fast
// stop (skip remaining reconciliation, exit without writing half-done
// state), SIGHUP requests a config reload. It returns a stop function
// that releases the underlying os/signal channel.
func (f *Flags) Watch() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-ch:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					f.stop.Store(true)
				case syscall.SIGQUIT:
					f.stop.Store(true)
					f.fastStop.Store(true)
				case syscall.SIGHUP:
					f.reload.Store(true)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func (f *Flags) StopRequested() bool     { return f.stop.Load() }
func (f *Flags) FastStopRequested() bool { return f.fastStop.Load() }

// ReloadRequested reports and clears the reload flag: reload is
// consumed once at the start of the iteration that honors it.
func (f *Flags) ReloadRequested() bool {
	return f.reload.Swap(false)
}

// RequestReload is exposed for tests and for any operator-triggered
// reload that doesn't go through a real SIGHUP (e.g. a CLI subcommand).
func (f *Flags) RequestReload() { f.reload.Store(true) }
