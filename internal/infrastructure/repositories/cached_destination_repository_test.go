package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRepo wraps a repository and counts reads hitting the backend.
type countingRepo struct {
	ports.DestinationRepository

	mu    sync.Mutex
	gets  int
	lists int
}

func (r *countingRepo) GetByID(ctx context.Context, id domain.DestinationID) (*domain.DestinationConfig, error) {
	r.mu.Lock()
	r.gets++
	r.mu.Unlock()
	return r.DestinationRepository.GetByID(ctx, id)
}

func (r *countingRepo) ListBySession(ctx context.Context, sessionID domain.SessionID) ([]*domain.DestinationConfig, error) {
	r.mu.Lock()
	r.lists++
	r.mu.Unlock()
	return r.DestinationRepository.ListBySession(ctx, sessionID)
}

func (r *countingRepo) counts() (gets, lists int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets, r.lists
}

func newCachedFixture() (*countingRepo, ports.DestinationRepository) {
	base := &countingRepo{DestinationRepository: memory.NewMemoryDestinationRepository()}
	return base, NewCachedDestinationRepository(base, time.Minute)
}

func sampleConfig(id string, session domain.SessionID) *domain.DestinationConfig {
	return &domain.DestinationConfig{
		ID:        domain.DestinationID(id),
		SessionID: session,
		Platform:  domain.PlatformYouTube,
		RTMPURL:   "rtmp://a.rtmp.youtube.com/live2",
		StreamKey: "yt-key",
		Enabled:   true,
		CreatedAt: time.Now(),
	}
}

func TestCachedGetByIDHitsBackendOnce(t *testing.T) {
	base, repo := newCachedFixture()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, sampleConfig("d1", "s1")))

	for i := 0; i < 3; i++ {
		got, err := repo.GetByID(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, domain.DestinationID("d1"), got.ID)
	}

	gets, _ := base.counts()
	assert.Equal(t, 1, gets)
}

func TestCachedSaveInvalidatesReads(t *testing.T) {
	base, repo := newCachedFixture()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, sampleConfig("d1", "s1")))

	_, err := repo.GetByID(ctx, "d1")
	require.NoError(t, err)
	_, err = repo.ListBySession(ctx, "s1")
	require.NoError(t, err)

	updated := sampleConfig("d1", "s1")
	updated.Enabled = false
	require.NoError(t, repo.Save(ctx, updated))

	got, err := repo.GetByID(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	list, err := repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	gets, lists := base.counts()
	assert.Equal(t, 2, gets)
	assert.Equal(t, 2, lists)
}

func TestCachedDeleteDropsBothKeys(t *testing.T) {
	_, repo := newCachedFixture()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, sampleConfig("d1", "s1")))

	list, err := repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "d1"))

	_, err = repo.GetByID(ctx, "d1")
	assert.ErrorIs(t, err, domain.ErrDestinationNotFound)

	list, err = repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCachedSetEnabledInvalidates(t *testing.T) {
	_, repo := newCachedFixture()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, sampleConfig("d1", "s1")))

	_, err := repo.GetByID(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, repo.SetEnabled(ctx, "d1", false))

	got, err := repo.GetByID(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, repo.SetEnabled(ctx, "missing", true), domain.ErrDestinationNotFound)
}

func TestCachedMissesAreNotCached(t *testing.T) {
	_, repo := newCachedFixture()
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "d1")
	assert.ErrorIs(t, err, domain.ErrDestinationNotFound)

	require.NoError(t, repo.Save(ctx, sampleConfig("d1", "s1")))

	got, err := repo.GetByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DestinationID("d1"), got.ID)
}
