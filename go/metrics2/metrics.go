// metrics2 is a client library for recording and reporting application
// metrics. Metrics are identified by a measurement name plus a set of
// key/value tags.
package metrics2

import (
	"time"
)

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	// Delete removes the metric from its Client's registry.
	Delete() error

	// Get returns the current value of the metric.
	Get() int64

	// Update adds a data point to the metric.
	Update(v int64)
}

// Float64Metric is a metric which reports a float64 value.
type Float64Metric interface {
	// Delete removes the metric from its Client's registry.
	Delete() error

	// Get returns the current value of the metric.
	Get() float64

	// Update adds a data point to the metric.
	Update(v float64)
}

// Float64SummaryMetric is a metric which reports a summary of many float64
// values.
type Float64SummaryMetric interface {
	// Observe adds a data point to the metric.
	Observe(v float64)
}

// Counter is a metric which reports a running total.
type Counter interface {
	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Delete removes the counter from metrics.
	Delete() error

	// Get returns the current value in the counter.
	Get() int64

	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Reset sets the counter to zero.
	Reset()
}

// Liveness keeps a time-since-last-successful-update metric.
//
// The unit of the metric is in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert set up that will fire if the time-since-last-successful-update metric
// gets too large.
type Liveness interface {
	// Close stops the internal goroutine. Usually used for testing, since
	// most Liveness metrics live for the duration of the process.
	Close()

	// Get returns the current value of the Liveness.
	Get() int64

	// ManualReset sets the last-successful-update time of the Liveness to
	// a specific value.
	ManualReset(lastSuccessfulUpdate time.Time)

	// Reset should be called when some work has been successfully completed.
	Reset()
}

// Timer is a struct used for measuring elapsed time. Unlike the other metrics
// helpers, Timer does not continuously report data; it reports a single data
// point when Stop() is called.
type Timer interface {
	// Start starts or resets the timer.
	Start()

	// Stop stops the timer and reports the elapsed time.
	Stop() time.Duration
}

// Client represents a set of metrics.
type Client interface {
	// Flush pushes any queued data immediately. Long running apps shouldn't
	// worry about this as the Client will auto-push every so often.
	Flush() error

	// GetCounter creates or retrieves a Counter with the given name and
	// tag set and returns it.
	GetCounter(name string, tagsList ...map[string]string) Counter

	// GetFloat64Metric creates or retrieves a Float64Metric with the given
	// name and tag set and returns it.
	GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric

	// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric
	// with the given name and tag set and returns it.
	GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric

	// GetInt64Metric creates or retrieves an Int64Metric with the given
	// name and tag set and returns it.
	GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric

	// NewLiveness creates a new Liveness metric helper.
	NewLiveness(name string, tagsList ...map[string]string) Liveness

	// NewTimer creates and returns a new started Timer.
	NewTimer(name string, tagsList ...map[string]string) Timer
}

var (
	// DefaultClient is the Client used by the package-level functions below.
	DefaultClient Client = NewPromClient()
)

// GetCounter creates or retrieves a Counter with the given name and tag set
// using the default client and returns it.
func GetCounter(name string, tagsList ...map[string]string) Counter {
	return DefaultClient.GetCounter(name, tagsList...)
}

// GetFloat64Metric creates or retrieves a Float64Metric with the given name
// and tag set using the default client and returns it.
func GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	return DefaultClient.GetFloat64Metric(measurement, tags...)
}

// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric with the
// given name and tag set using the default client and returns it.
func GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric {
	return DefaultClient.GetFloat64SummaryMetric(measurement, tags...)
}

// GetInt64Metric creates or retrieves an Int64Metric with the given name and
// tag set using the default client and returns it.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	return DefaultClient.GetInt64Metric(measurement, tags...)
}

// NewLiveness creates a new Liveness metric helper using the default client.
func NewLiveness(name string, tagsList ...map[string]string) Liveness {
	return DefaultClient.NewLiveness(name, tagsList...)
}

// NewTimer creates and returns a new started Timer using the default client.
func NewTimer(name string, tagsList ...map[string]string) Timer {
	return DefaultClient.NewTimer(name, tagsList...)
}

// Flush pushes any queued data from the default client immediately.
func Flush() error {
	return DefaultClient.Flush()
}
