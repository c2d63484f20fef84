package concurrency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/store"
)

func TestCounter_IncrementDecrementNeverGoesNegative(t *testing.T) {
	s := store.NewMockStore()
	var p models.Provider
	require.NoError(t, s.CreateProvider(context.Background(), &p))
	var g models.Group
	require.NoError(t, s.CreateGroup(context.Background(), &g))
	require.NoError(t, s.AddProviderToGroup(context.Background(), p.ID, g.ID, 1))

	c := NewCounter(s)
	ctx := context.Background()

	require.NoError(t, c.Decrement(ctx, p.ID, g.ID))
	status, err := s.ConcurrencyStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, int64(0), status[0].ActiveCalls)

	require.NoError(t, c.Increment(ctx, p.ID, g.ID))
	require.NoError(t, c.Increment(ctx, p.ID, g.ID))
	require.NoError(t, c.Decrement(ctx, p.ID, g.ID))
	status, err = s.ConcurrencyStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status[0].ActiveCalls)
}

func TestCounter_ResetAll(t *testing.T) {
	s := store.NewMockStore()
	var p models.Provider
	require.NoError(t, s.CreateProvider(context.Background(), &p))
	var g models.Group
	require.NoError(t, s.CreateGroup(context.Background(), &g))
	require.NoError(t, s.AddProviderToGroup(context.Background(), p.ID, g.ID, 1))

	c := NewCounter(s)
	ctx := context.Background()
	require.NoError(t, c.Increment(ctx, p.ID, g.ID))
	require.NoError(t, c.ResetAll(ctx))

	status, err := s.ConcurrencyStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status[0].ActiveCalls)
}
