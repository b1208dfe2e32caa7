package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.skia.org/swarming/go/sktest"
	"go.skia.org/swarming/go/testutils/unittest"
)

// newClientForTesting returns a Client connected to the Firestore emulator
// and a cleanup func that closes it.
func newClientForTesting(ctx context.Context, t sktest.TestingT) (*Client, func()) {
	unittest.RequiresFirestoreEmulator(t)
	return NewClientForTesting(ctx, t)
}

func TestAlphaNumID(t *testing.T) {
	unittest.SmallTest(t)

	require.Equal(t, 62, len(alphaNum))
	require.True(t, len(alphaNum) <= math.MaxInt8)

	// If there's a bug in the implementation, this test will be flaky...
	for i := 0; i < 100; i++ {
		id := AlphaNumID()
		require.Equal(t, ID_LEN, len(id))
		for _, char := range id {
			require.True(t, strings.ContainsRune(alphaNum, char))
		}
	}
}

func TestWithTimeout(t *testing.T) {
	unittest.MediumTest(t)

	errTimeout := errors.New("timeout")
	err := withTimeout(context.Background(), 200*time.Millisecond, func(ctx context.Context) error {
		for {
			select {
			case <-time.After(50 * time.Millisecond):
				// ...
			case <-ctx.Done():
				return errTimeout
			}
		}
	})
	require.Equal(t, errTimeout, err)
}

func TestWithTimeoutAndRetries(t *testing.T) {
	unittest.LargeTest(t)
	c, cleanup := newClientForTesting(context.Background(), t)
	defer cleanup()

	maxAttempts := 3
	timeout := 200 * time.Millisecond

	// No retries on success.
	attempted := 0
	err := c.withTimeoutAndRetries(context.Background(), maxAttempts, timeout, func(ctx context.Context) error {
		attempted++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempted)

	// Retry retryable errors.
	attempted = 0
	e := status.Errorf(codes.ResourceExhausted, "Retry Me")
	err = c.withTimeoutAndRetries(context.Background(), maxAttempts, timeout, func(ctx context.Context) error {
		attempted++
		return e
	})
	require.EqualError(t, err, e.Error())
	require.Equal(t, maxAttempts, attempted)

	// No retry for non-retryable errors.
	attempted = 0
	err = c.withTimeoutAndRetries(context.Background(), maxAttempts, timeout, func(ctx context.Context) error {
		attempted++
		return errors.New("some other error")
	})
	require.EqualError(t, err, "some other error")
	require.Equal(t, 1, attempted)
}

func TestWithCancelledContext(t *testing.T) {
	unittest.LargeTest(t)
	c, cleanup := newClientForTesting(context.Background(), t)
	defer cleanup()

	maxAttempts := 3
	timeout := 200 * time.Millisecond

	// No retries on cancelled context.
	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()
	attempted := 0
	err := c.withTimeoutAndRetries(ctx, maxAttempts, timeout, func(ctx context.Context) error {
		attempted++
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 0, attempted)
}

type testEntry struct {
	Id    string
	Index int
	Label string
}

func TestCreateGetSetDelete(t *testing.T) {
	unittest.LargeTest(t)
	ctx := context.Background()
	c, cleanup := newClientForTesting(ctx, t)
	defer cleanup()

	attempts := 3
	timeout := 5 * time.Second
	ref := c.Collection("entries").Doc("one")

	_, err := c.Create(ctx, ref, &testEntry{Id: "one", Index: 1, Label: "a"}, attempts, timeout)
	require.NoError(t, err)

	// Create fails when the document already exists.
	_, err = c.Create(ctx, ref, &testEntry{Id: "one"}, attempts, timeout)
	require.Error(t, err)

	snap, err := c.Get(ctx, ref, attempts, timeout)
	require.NoError(t, err)
	var got testEntry
	require.NoError(t, snap.DataTo(&got))
	require.Equal(t, "a", got.Label)

	_, err = c.Set(ctx, ref, &testEntry{Id: "one", Index: 1, Label: "b"}, attempts, timeout)
	require.NoError(t, err)
	snap, err = c.Get(ctx, ref, attempts, timeout)
	require.NoError(t, err)
	require.NoError(t, snap.DataTo(&got))
	require.Equal(t, "b", got.Label)

	_, err = c.Delete(ctx, ref, attempts, timeout)
	require.NoError(t, err)
	_, err = c.Get(ctx, ref, attempts, timeout)
	require.Error(t, err)
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestIterDocs(t *testing.T) {
	unittest.LargeTest(t)
	ctx := context.Background()
	c, cleanup := newClientForTesting(ctx, t)
	defer cleanup()

	attempts := 3
	timeout := 5 * time.Second
	coll := c.Collection("entries")

	entries := make([]*testEntry, 0, 10)
	for i := 0; i < 10; i++ {
		e := &testEntry{
			Id:    fmt.Sprintf("entry-%02d", i),
			Index: i,
			Label: "x",
		}
		entries = append(entries, e)
		_, err := c.Create(ctx, coll.Doc(e.Id), e, attempts, timeout)
		require.NoError(t, err)
	}

	got := make([]*testEntry, 0, len(entries))
	q := coll.Query.OrderBy("Index", firestore.Asc)
	require.NoError(t, c.IterDocs(ctx, "TestIterDocs", "", q, attempts, timeout, func(doc *firestore.DocumentSnapshot) error {
		var e testEntry
		if err := doc.DataTo(&e); err != nil {
			return err
		}
		got = append(got, &e)
		return nil
	}))
	require.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Index < got[j].Index }))
	require.Equal(t, len(entries), len(got))
	require.Equal(t, entries[0].Id, got[0].Id)
}

func TestRunTransaction(t *testing.T) {
	unittest.LargeTest(t)
	ctx := context.Background()
	c, cleanup := newClientForTesting(ctx, t)
	defer cleanup()

	attempts := 3
	timeout := 5 * time.Second
	ref := c.Collection("entries").Doc("counter")
	_, err := c.Create(ctx, ref, &testEntry{Id: "counter", Index: 0}, attempts, timeout)
	require.NoError(t, err)

	require.NoError(t, c.RunTransaction(ctx, "TestRunTransaction", "", attempts, timeout, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var e testEntry
		if err := snap.DataTo(&e); err != nil {
			return err
		}
		e.Index++
		return tx.Set(ref, &e)
	}))

	snap, err := c.Get(ctx, ref, attempts, timeout)
	require.NoError(t, err)
	var e testEntry
	require.NoError(t, snap.DataTo(&e))
	require.Equal(t, 1, e.Index)
}
