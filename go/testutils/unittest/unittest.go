package unittest

import (
	"flag"
	"os"

	"go.skia.org/swarming/go/sktest"
)

const (
	SMALL_TEST  = "small"
	MEDIUM_TEST = "medium"
	LARGE_TEST  = "large"
	MANUAL_TEST = "manual"
)

var (
	small  = flag.Bool(SMALL_TEST, false, "Whether or not to run small tests.")
	medium = flag.Bool(MEDIUM_TEST, false, "Whether or not to run medium tests.")
	large  = flag.Bool(LARGE_TEST, false, "Whether or not to run large tests.")
	manual = flag.Bool(MANUAL_TEST, false, "Whether or not to run manual tests.")

	// DEFAULT_RUN indicates whether the given test type runs by default
	// when no filter flag is specified.
	DEFAULT_RUN = map[string]bool{
		SMALL_TEST:  true,
		MEDIUM_TEST: true,
		LARGE_TEST:  true,
		MANUAL_TEST: true,
	}
)

// ShouldRun determines whether the test should run based on the provided flags.
func ShouldRun(testType string) bool {
	// Fallback if no test filter is specified.
	if !*small && !*medium && !*large && !*manual {
		return DEFAULT_RUN[testType]
	}

	switch testType {
	case SMALL_TEST:
		return *small
	case MEDIUM_TEST:
		return *medium
	case LARGE_TEST:
		return *large
	case MANUAL_TEST:
		return *manual
	}
	return false
}

// SmallTest is a function which should be called at the beginning of a small
// test: A test (under 2 seconds) with no dependencies on external databases,
// networks, etc.
func SmallTest(t sktest.TestingT) {
	if !ShouldRun(SMALL_TEST) {
		t.Skip("Not running small tests.")
	}
}

// MediumTest is a function which should be called at the beginning of an
// medium-sized test: a test (2-15 seconds) which has dependencies on external
// databases, networks, etc.
func MediumTest(t sktest.TestingT) {
	if !ShouldRun(MEDIUM_TEST) {
		t.Skip("Not running medium tests.")
	}
}

// LargeTest is a function which should be called at the beginning of a large
// test: a test (> 15 seconds) with significant reliance on external
// dependencies which makes it too slow or flaky to run as part of the normal
// test suite.
func LargeTest(t sktest.TestingT) {
	if !ShouldRun(LARGE_TEST) {
		t.Skip("Not running large tests.")
	}
}

// ManualTest is a function which should be called at the beginning of tests
// which shouldn't run on the bots due to excessive running time, external
// requirements, etc. These only run when the --manual flag is set.
func ManualTest(t sktest.TestingT) {
	if !ShouldRun(MANUAL_TEST) {
		t.Skip("Not running manual tests.")
	}
}

// RequiresFirestoreEmulator is a function that documents a unittest requires
// the Firestore emulator and checks that the appropriate environment variable
// is set.
func RequiresFirestoreEmulator(t sktest.TestingT) {
	s := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if s == "" {
		t.Skip(`This test requires the Firestore emulator, which you can start with

    gcloud beta emulators firestore start --host-port=localhost:8894

and then set the environment:

    export FIRESTORE_EMULATOR_HOST=localhost:8894

`)
	}
}

// RequiresPubSubEmulator is a function that documents a unittest requires the
// PubSub Emulator and checks that the appropriate environment variable is set.
func RequiresPubSubEmulator(t sktest.TestingT) {
	s := os.Getenv("PUBSUB_EMULATOR_HOST")
	if s == "" {
		t.Skip(`This test requires the PubSub emulator, which you can start with

    docker run -ti -p 8010:8010 google/cloud-sdk:latest gcloud beta emulators pubsub start \
		--project test-project --host-port 0.0.0.0:8010

and then set the environment:

    export PUBSUB_EMULATOR_HOST=localhost:8010

`)
	}
}
