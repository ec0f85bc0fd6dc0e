package keeper

import (
	"testing"
	"time"

	corerpc "github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newUUID() uuid.UUID { return uuid.New() }

func TestTryBeginRequestFirstAttemptOwnsExecution(t *testing.T) {
	k := New(Config{})
	k.Start()
	defer k.Stop()

	id := corerpc.MutationID(newUUID())
	f, err := k.TryBeginRequest(id, false)
	require.Nil(t, err)
	require.Nil(t, f)
}

func TestTryBeginRequestDuplicateNotMarkedRetryFails(t *testing.T) {
	k := New(Config{})
	k.Start()
	defer k.Stop()

	id := corerpc.MutationID(newUUID())
	_, err := k.TryBeginRequest(id, false)
	require.Nil(t, err)

	_, err = k.TryBeginRequest(id, false)
	require.NotNil(t, err)
	require.Equal(t, rpcerror.DuplicateNotMarkedRetry, err.Code)
}

func TestEndRequestFulfillsConcurrentRetryFuture(t *testing.T) {
	k := New(Config{})
	k.Start()
	defer k.Stop()

	id := corerpc.MutationID(newUUID())
	_, err := k.TryBeginRequest(id, false)
	require.Nil(t, err)

	f, err := k.TryBeginRequest(id, true)
	require.Nil(t, err)
	require.NotNil(t, f)

	k.EndRequest(id, &Response{Body: message.Part("ok")})

	resp, ferr := f.Get()
	require.NoError(t, ferr)
	require.Equal(t, message.Part("ok"), resp.Body)
}

func TestTryBeginRequestAfterFinishedReplaysKeptResult(t *testing.T) {
	k := New(Config{})
	k.Start()
	defer k.Stop()

	id := corerpc.MutationID(newUUID())
	_, err := k.TryBeginRequest(id, false)
	require.Nil(t, err)
	k.EndRequest(id, &Response{Body: message.Part("kept")})

	f, err := k.TryBeginRequest(id, true)
	require.Nil(t, err)
	require.NotNil(t, f)
	resp, ferr := f.Get()
	require.NoError(t, ferr)
	require.Equal(t, message.Part("kept"), resp.Body)
}

func TestTryBeginRequestAfterFinishedWithoutRetryFails(t *testing.T) {
	k := New(Config{})
	k.Start()
	defer k.Stop()

	id := corerpc.MutationID(newUUID())
	_, err := k.TryBeginRequest(id, false)
	require.Nil(t, err)
	k.EndRequest(id, &Response{Body: message.Part("kept")})

	_, err = k.TryBeginRequest(id, false)
	require.NotNil(t, err)
	require.Equal(t, rpcerror.DuplicateNotMarkedRetry, err.Code)
}

func TestCancelRequestForwardsErrorWithoutCachingFinished(t *testing.T) {
	k := New(Config{})
	k.Start()
	defer k.Stop()

	id := corerpc.MutationID(newUUID())
	_, err := k.TryBeginRequest(id, false)
	require.Nil(t, err)
	k.CancelRequest(id, rpcerror.NewUnavailable("try again"))

	// A fresh non-retry attempt is accepted again: Cancel never wrote a
	// finished entry.
	_, err = k.TryBeginRequest(id, false)
	require.Nil(t, err)
}

func TestWarmupBlocksRetryUntilDeadline(t *testing.T) {
	k := New(Config{WarmupTime: 50 * time.Millisecond})
	k.Start()
	defer k.Stop()

	id := corerpc.MutationID(newUUID())
	_, err := k.TryBeginRequest(id, true)
	require.NotNil(t, err)
	require.Equal(t, rpcerror.Warmup, err.Code)

	time.Sleep(60 * time.Millisecond)
	_, err = k.TryBeginRequest(id, true)
	require.Nil(t, err)
}

func TestEvictionDropsExpiredFinishedEntries(t *testing.T) {
	k := New(Config{ExpirationTime: 10 * time.Millisecond})
	k.Start()
	defer k.Stop()

	id := corerpc.MutationID(newUUID())
	_, err := k.TryBeginRequest(id, false)
	require.Nil(t, err)
	k.EndRequest(id, &Response{Body: message.Part("kept")})

	time.Sleep(1500 * time.Millisecond)

	_, err = k.TryBeginRequest(id, true)
	require.Nil(t, err) // evicted: treated as a brand new attempt, not a replay
}
