// Package sklogimpl defines the plug-in point for logging implementations.
// Application code should use the sklog package instead; only logging
// backends and process setup code need this package.
package sklogimpl

// Severity identifies the rank of a log line.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String returns the all-caps name of the Severity, which is the form used
// in metrics tags.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	}
	return "UNKNOWN"
}

// AllSeverities lists every Severity, for building metrics lookup tables.
var AllSeverities = []Severity{Debug, Info, Warning, Error, Fatal}

// Logger is implemented by logging backends. Log emits a single line; depth
// is the number of stack frames between the Log call and the line that
// should be reported as the call site. A Fatal line must end the process
// after it has been written.
type Logger interface {
	Log(depth int, severity Severity, format string, args ...interface{})
	Flush()
}

var (
	logger          Logger
	metricsCallback func(severity Severity)
)

// SetLogger installs the backend used by all subsequent Log calls. Not safe
// for concurrent use; call during process or test setup.
func SetLogger(l Logger) {
	logger = l
}

// SetMetricsCallback installs a function called once per log line with the
// line's severity.
func SetMetricsCallback(cb func(severity Severity)) {
	metricsCallback = cb
}

// Log forwards one line to the installed backend.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	if metricsCallback != nil {
		metricsCallback(severity)
	}
	logger.Log(depth+1, severity, format, args...)
}

// Flush flushes the installed backend.
func Flush() {
	if logger != nil {
		logger.Flush()
	}
}
