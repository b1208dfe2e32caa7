package store

import (
	"testing"

	"go.skia.org/swarming/go/testutils/unittest"
)

func TestMemoryBotStore(t *testing.T) {
	unittest.SmallTest(t)
	TestBotStore(t, NewMemoryImpl())
}

func TestMemoryBotStoreEvents(t *testing.T) {
	unittest.SmallTest(t)
	TestBotStoreEvents(t, NewMemoryImpl())
}

func TestMemoryBotStoreDeleteKeepsEvents(t *testing.T) {
	unittest.SmallTest(t)
	TestBotStoreDeleteKeepsEvents(t, NewMemoryImpl())
}
