package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only against a real server: REDIS_TEST_ADDR=localhost:6379 go test ./internal/persistence/
func TestRedisRepository_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	repo, err := NewRedisRepository(ctx, addr, "", 15)
	require.NoError(t, err)
	defer repo.Close()

	account := "test-" + time.Now().Format("150405.000000")
	got, err := repo.LoadState(ctx, account)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.SaveState(ctx, sampleState(account)))
	got, err = repo.LoadState(ctx, account)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, *got.State.LastBand)
	assert.True(t, got.State.InFlight)
}
