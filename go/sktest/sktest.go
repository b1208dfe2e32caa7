// Package sktest provides the TestingT interface, which is a subset of
// testing.T. Test helpers accept TestingT rather than *testing.T so that
// they can be used from other helpers and from generated code.
package sktest

// TestingT is an interface which is compatible with testing.T.
type TestingT interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fail()
	FailNow()
	Failed() bool
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Helper()
	Log(args ...interface{})
	Logf(format string, args ...interface{})
	Name() string
	Skip(args ...interface{})
	SkipNow()
	Skipf(format string, args ...interface{})
	Skipped() bool
}
