package metrics2

import (
	"runtime"
	"strings"
	"time"

	"go.skia.org/swarming/go/util"
)

const (
	MEASUREMENT_TIMER = "timer"
	NAME_FUNC_TIMER   = "func_timer"
)

// timer implements the Timer interface. The duration is observed in seconds
// by a Float64SummaryMetric when Stop() is called.
type timer struct {
	begin time.Time
	m     Float64SummaryMetric
}

// newTimer creates and returns a new started timer.
func newTimer(c Client, name string, _ bool, tagsList ...map[string]string) Timer {
	// Add the name to the tags.
	tags := util.AddParams(map[string]string{"name": name}, tagsList...)
	ret := &timer{
		m: c.GetFloat64SummaryMetric(MEASUREMENT_TIMER, tags),
	}
	ret.Start()
	return ret
}

// Start implements Timer.
func (t *timer) Start() {
	t.begin = time.Now()
}

// Stop implements Timer.
func (t *timer) Stop() time.Duration {
	duration := time.Since(t.begin)
	t.m.Observe(duration.Seconds())
	return duration
}

// FuncTimer is specifically intended for measuring the duration of functions.
// It uses the default client.
//
// The standard way to use FuncTimer is at the top of the func you want to
// measure:
//
//	func myfunc() {
//	    defer metrics2.FuncTimer().Stop()
//	    ...
//	}
func FuncTimer() Timer {
	pc, _, _, _ := runtime.Caller(1)
	f := runtime.FuncForPC(pc)
	split := strings.Split(f.Name(), ".")
	fn := "unknown"
	pkg := "unknown"
	if len(split) >= 2 {
		fn = split[len(split)-1]
		pkg = strings.Join(split[:len(split)-1], ".")
	}
	return NewTimer(NAME_FUNC_TIMER, map[string]string{"package": pkg, "func": fn})
}

var _ Timer = (*timer)(nil)
