package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/compasshq/compass/internal/profile"
	"github.com/compasshq/compass/plugin/ai/cache"
	"github.com/compasshq/compass/store/db"
)

func newTestStore(t *testing.T, cacheService cache.CacheService) *Store {
	t.Helper()
	database, err := db.NewDB(&profile.Profile{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "compass_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return New(database, cacheService)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, &Session{UserID: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, created.UID)
	assert.Equal(t, "global", created.ContextType)
	assert.Equal(t, "{}", created.AgentMetadata)
	assert.NotZero(t, created.CreatedTs)

	found, err := s.GetSession(ctx, &FindSession{UID: &created.UID})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	missing := "no-such-uid"
	found, err = s.GetSession(ctx, &FindSession{UID: &missing})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSessionPartialUpdate(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, &Session{UserID: 1})
	require.NoError(t, err)

	contextType := "project"
	entityID := "proj_abc"
	count := 4
	updated, err := s.UpdateSession(ctx, &UpdateSession{
		ID:           created.ID,
		ContextType:  &contextType,
		EntityID:     &entityID,
		MessageCount: &count,
	})
	require.NoError(t, err)
	assert.Equal(t, "project", updated.ContextType)
	assert.Equal(t, "proj_abc", updated.EntityID)
	assert.Equal(t, 4, updated.MessageCount)
	assert.Empty(t, updated.Summary, "untouched fields keep their values")
	assert.GreaterOrEqual(t, updated.UpdatedTs, created.UpdatedTs)
}

func TestUpdateSessionMetadataRejectsInvalidJSON(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, &Session{UserID: 1})
	require.NoError(t, err)

	assert.Error(t, s.UpdateSessionMetadata(ctx, created.ID, "{not json"))
	assert.Error(t, s.UpdateSessionMetadata(ctx, created.ID, ""))
	require.NoError(t, s.UpdateSessionMetadata(ctx, created.ID, `{"agent_state":{}}`))

	found, err := s.GetSession(ctx, &FindSession{ID: &created.ID})
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent_state":{}}`, found.AgentMetadata)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	older, err := s.CreateSession(ctx, &Session{UserID: 1, CreatedTs: 100, UpdatedTs: 100})
	require.NoError(t, err)
	newer, err := s.CreateSession(ctx, &Session{UserID: 1, CreatedTs: 200, UpdatedTs: 200})
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, &Session{UserID: 2, CreatedTs: 300, UpdatedTs: 300})
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.UID, sessions[0].UID)
	assert.Equal(t, older.UID, sessions[1].UID)

	sessions, err = s.ListSessions(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionCacheReadThrough(t *testing.T) {
	cacheService := cache.NewService(cache.ServiceConfig{DefaultTTL: time.Minute})
	t.Cleanup(cacheService.Close)
	s := newTestStore(t, cacheService)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, &Session{UserID: 1})
	require.NoError(t, err)

	// The UID lookup is served from cache after the first read.
	_, ok := cacheService.Get(ctx, sessionCachePrefix+created.UID)
	assert.True(t, ok)

	found, err := s.GetSession(ctx, &FindSession{UID: &created.UID})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	// Updates refresh the cached copy.
	summary := "talked about Apollo"
	_, err = s.UpdateSession(ctx, &UpdateSession{ID: created.ID, Summary: &summary})
	require.NoError(t, err)

	found, err = s.GetSession(ctx, &FindSession{UID: &created.UID})
	require.NoError(t, err)
	assert.Equal(t, summary, found.Summary)
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, &Session{UserID: 1})
	require.NoError(t, err)

	// A turn's prepare phase lists history while the user message insert is
	// still in flight; sqlite must serve both without locking errors.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			_, err := s.CreateMessage(gctx, &Message{
				SessionID: session.ID,
				Role:      MessageRoleUser,
				Content:   fmt.Sprintf("message %d", i),
				CreatedTs: int64(i),
			})
			return err
		})
		g.Go(func() error {
			_, err := s.ListMessages(gctx, &FindMessage{SessionID: &session.ID})
			return err
		})
	}
	require.NoError(t, g.Wait())

	messages, err := s.ListMessages(ctx, &FindMessage{SessionID: &session.ID})
	require.NoError(t, err)
	assert.Len(t, messages, 8)
}

func TestMessageOrdering(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, &Session{UserID: 1})
	require.NoError(t, err)

	for i, content := range []string{"first", "second", "third"} {
		_, err := s.CreateMessage(ctx, &Message{
			SessionID: session.ID,
			Role:      MessageRoleUser,
			Content:   content,
			CreatedTs: int64(100 + i),
		})
		require.NoError(t, err)
	}

	messages, err := s.ListMessages(ctx, &FindMessage{SessionID: &session.ID})
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "third", messages[2].Content)

	limit := 2
	messages, err = s.ListMessages(ctx, &FindMessage{SessionID: &session.ID, Limit: &limit})
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}
