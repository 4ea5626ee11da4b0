package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkpoint struct {
	Account   string `json:"account"`
	Remaining string `json:"remaining"`
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	var got checkpoint
	found, err := s.Get(ctx, "closure:partial:acc_1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	in := checkpoint{Account: "acc_1", Remaining: "75000"}
	require.NoError(t, s.Set(ctx, "closure:partial:acc_1", in, time.Hour))

	found, err = s.Get(ctx, "closure:partial:acc_1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, got)

	// Existence check without decoding.
	found, err = s.Get(ctx, "closure:partial:acc_1", nil)
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.Delete(ctx, "closure:partial:acc_1"))
	found, err = s.Get(ctx, "closure:partial:acc_1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_ExpiredEntriesBehaveAsAbsent(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "k", checkpoint{Account: "acc_1"}, 24*time.Hour))

	now = now.Add(23 * time.Hour)
	found, err := s.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.True(t, found)

	now = now.Add(2 * time.Hour)
	found, err = s.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, found, "an abandoned checkpoint must not outlive its TTL")

	// Rewriting the key revives it with a fresh TTL.
	require.NoError(t, s.Set(ctx, "k", checkpoint{Account: "acc_1"}, time.Hour))
	found, err = s.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryStore_ZeroTTLUsesDefault(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "k", checkpoint{Account: "acc_1"}, 0))

	now = now.Add(DefaultTTL - time.Minute)
	found, err := s.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.True(t, found)

	now = now.Add(2 * time.Minute)
	found, err = s.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, found)
}
