package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
)

var (
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	// atExit functions are run after the tick functions have stopped, either
	// via Cleanup() or on SIGINT/SIGTERM when Enable() has been called.
	atExit     []func()
	atExitMtx  sync.Mutex
	enableOnce sync.Once
)

// Initialize the package.
func init() {
	resetContext()
}

// Reset the context. This is in a non-init function for testing purposes.
func resetContext() {
	// The below should be unnecessary but makes "go vet" happy.
	newContext, newCancel := context.WithCancel(context.Background())
	ctx = newContext
	cancel = newCancel
}

// Repeat runs the tick function immediately and on the given timer. When
// Cancel() is called, the optional cleanup function is run after waiting for
// the tick function to finish.
func Repeat(tickFrequency time.Duration, tick, cleanup func()) {
	wg.Add(1)
	go func() {
		// Returns after gContext is canceled AND tick is finished.
		util.RepeatCtx(tickFrequency, ctx, tick)
		if cleanup != nil {
			cleanup()
		}
		wg.Done()
	}()
}

// AtExit runs the given function after the tick functions registered via
// Repeat() have stopped. Requires Enable() to have been called in order to
// run on SIGINT/SIGTERM.
func AtExit(fn func()) {
	atExitMtx.Lock()
	defer atExitMtx.Unlock()
	atExit = append(atExit, fn)
}

// Cleanup cancels all tick functions registered via Repeat(), then waits for
// them to fully stop running and for their cleanup functions to run, then
// runs any functions registered via AtExit().
func Cleanup() {
	sklog.Warningf("Shutdown request received")
	cancel()
	wg.Wait()
	atExitMtx.Lock()
	defer atExitMtx.Unlock()
	for _, fn := range atExit {
		fn()
	}
	atExit = nil
	sklog.Warningf("Finished clean shutdown procedure.")
}

// Enable causes Cleanup() to run when the process receives SIGINT or SIGTERM,
// after which the process exits.
func Enable() {
	enableOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-ch
			sklog.Infof("Caught %s", sig)
			Cleanup()
			sklog.Flush()
			os.Exit(0)
		}()
	})
}
