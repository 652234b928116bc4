package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridvault-bot/internal/models"
)

func sampleState(account string) *models.PersistedState {
	band := 3
	traded := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	return &models.PersistedState{
		AccountID: account,
		State: models.GridState{
			LastBand:      &band,
			InFlight:      true,
			LastTradeTime: &traded,
		},
		Config: models.GridConfig{
			LowerPrice: 90, UpperPrice: 110, Levels: 4,
			AmountPerGrid: 10, SlippageBps: 50, AssetA: "SUI", AssetB: "USDC",
		},
		UpdatedAt: traded.Add(time.Second),
	}
}

func TestBadgerRepository_RoundTrip(t *testing.T) {
	repo, err := NewInMemoryBadgerRepository()
	require.NoError(t, err)
	defer repo.Close()
	ctx := context.Background()

	loaded, err := repo.LoadState(ctx, "acct-1")
	require.NoError(t, err)
	assert.Nil(t, loaded, "missing record must be (nil, nil)")

	want := sampleState("acct-1")
	require.NoError(t, repo.SaveState(ctx, want))

	got, err := repo.LoadState(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.AccountID, got.AccountID)
	assert.Equal(t, *want.State.LastBand, *got.State.LastBand)
	assert.True(t, got.State.InFlight)
	assert.True(t, want.State.LastTradeTime.Equal(*got.State.LastTradeTime))
	assert.Equal(t, want.Config, got.Config)
}

func TestBadgerRepository_AccountsAreIsolated(t *testing.T) {
	repo, err := NewInMemoryBadgerRepository()
	require.NoError(t, err)
	defer repo.Close()
	ctx := context.Background()

	a := sampleState("a")
	b := sampleState("b")
	b.State = models.NewGridState()
	require.NoError(t, repo.SaveState(ctx, a))
	require.NoError(t, repo.SaveState(ctx, b))

	got, err := repo.LoadState(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, got.State.LastBand)
	assert.False(t, got.State.InFlight)

	got, err = repo.LoadState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, *got.State.LastBand)
}

func TestBadgerRepository_OverwritesRecord(t *testing.T) {
	repo, err := NewInMemoryBadgerRepository()
	require.NoError(t, err)
	defer repo.Close()
	ctx := context.Background()

	s := sampleState("acct")
	require.NoError(t, repo.SaveState(ctx, s))
	s.State.InFlight = false
	require.NoError(t, repo.SaveState(ctx, s))

	got, err := repo.LoadState(ctx, "acct")
	require.NoError(t, err)
	assert.False(t, got.State.InFlight)
}

func TestBadgerRepository_RejectsMissingAccount(t *testing.T) {
	repo, err := NewInMemoryBadgerRepository()
	require.NoError(t, err)
	defer repo.Close()

	assert.Error(t, repo.SaveState(context.Background(), &models.PersistedState{}))
}

func TestBadgerRepository_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewBadgerRepository(dir)
	require.NoError(t, err)
	require.NoError(t, repo.SaveState(ctx, sampleState("acct")))
	require.NoError(t, repo.Close())

	repo, err = NewBadgerRepository(dir)
	require.NoError(t, err)
	defer repo.Close()
	got, err := repo.LoadState(ctx, "acct")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, *got.State.LastBand)
}
