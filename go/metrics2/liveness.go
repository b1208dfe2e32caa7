package metrics2

import (
	"sync"
	"time"

	"go.skia.org/swarming/go/util"
)

const (
	MEASUREMENT_LIVENESS     = "liveness"
	LIVENESS_REPORT_FREQUENCY = time.Minute
)

// liveness implements the Liveness interface.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
	stop                 chan struct{}
}

// newLiveness creates a new Liveness metric helper. If reportInGoroutine is
// true, the current value is re-reported once per minute even if Reset is
// never called.
func newLiveness(c Client, name string, reportInGoroutine bool, tagsList ...map[string]string) Liveness {
	// Add the name to the tags.
	tags := util.AddParams(map[string]string{"name": name}, tagsList...)
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(MEASUREMENT_LIVENESS, tags),
		stop:                 make(chan struct{}),
	}
	l.update()
	if reportInGoroutine {
		go func() {
			ticker := time.NewTicker(LIVENESS_REPORT_FREQUENCY)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					l.update()
				case <-l.stop:
					return
				}
			}
		}()
	}
	return l
}

// updateLocked sets the value of the Liveness. Assumes the caller holds a lock.
func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// update sets the value of the Liveness.
func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// Get implements Liveness.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}

// Reset implements Liveness.
func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.updateLocked()
}

// ManualReset implements Liveness.
func (l *liveness) ManualReset(lastSuccessfulUpdate time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = lastSuccessfulUpdate
	l.updateLocked()
}

// Close implements Liveness.
func (l *liveness) Close() {
	close(l.stop)
}

var _ Liveness = (*liveness)(nil)
