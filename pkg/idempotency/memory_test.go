package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReserveFirstWins(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	isNew, rec, err := s.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, StatusPending, rec.Status)

	isNew, rec, err = s.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, StatusPending, rec.Status)
}

func TestConcurrentReserveExactlyOneWinner(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, _, err := s.Reserve(ctx, "race")
			require.NoError(t, err)
			if isNew {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestAwaitReceivesWinnersResult(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	isNew, _, err := s.Reserve(ctx, "k")
	require.NoError(t, err)
	require.True(t, isNew)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Complete(ctx, "k", []byte(`{"ok":true}`))
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rec, err := s.Await(waitCtx, "k")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.JSONEq(t, `{"ok":true}`, string(rec.Result))
}

func TestFailedRecordIsReExecutable(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	isNew, _, err := s.Reserve(ctx, "k")
	require.NoError(t, err)
	require.True(t, isNew)
	require.NoError(t, s.Fail(ctx, "k", []byte(`{"error":"boom"}`)))

	isNew, rec, err := s.Reserve(ctx, "k")
	require.NoError(t, err)
	require.True(t, isNew, "a failed reservation can be taken over")
	require.Equal(t, StatusPending, rec.Status)
}

func TestTTLExpiry(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore(time.Hour).WithClock(func() time.Time { return now })
	defer s.Close()
	ctx := context.Background()

	_, _, err := s.Reserve(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "k", []byte(`{}`)))

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	now = now.Add(25 * time.Hour)
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found, "expired records are invisible")

	isNew, _, err := s.Reserve(ctx, "k")
	require.NoError(t, err)
	require.True(t, isNew, "expired key is reservable again")
}

func TestAwaitUnknownKey(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	_, err := s.Await(context.Background(), "never-reserved")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestCompleteUnknownKey(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	require.ErrorIs(t, s.Complete(context.Background(), "nope", nil), ErrUnknownKey)
}
