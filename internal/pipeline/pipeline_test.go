package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wersvet/chatcore/internal/kv/kvtest"
	"github.com/wersvet/chatcore/internal/mocks"
	"github.com/wersvet/chatcore/internal/models"
)

func newTestPipeline(messages *mocks.MessageRepository, busMock *mocks.Bus) (*Pipeline, *kvtest.Store) {
	store := kvtest.New()
	return New(messages, store, busMock, CacheLimit, false), store
}

func TestCreate_PersistsCachesAndPublishes(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, _ := newTestPipeline(messages, busMock)

	authorID := int64(7)
	persisted := models.Message{ID: 1, RoomID: 42, AuthorID: &authorID, Content: "hi", Kind: models.MessageKindText, CreatedAt: time.Now()}
	messages.On("Create", ctx, int64(42), &authorID, "hi", models.MessageKindText).Return(persisted, nil)
	busMock.On("Publish", ctx, int64(42), mock.Anything, "").Return(nil)

	got, err := p.Create(ctx, 42, &authorID, "hi", models.MessageKindText)
	require.NoError(t, err)
	assert.Equal(t, persisted, got)
	messages.AssertExpectations(t)
	busMock.AssertExpectations(t)
}

func TestCreate_DBFailureNeverTouchesCacheOrBus(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, store := newTestPipeline(messages, busMock)

	authorID := int64(7)
	messages.On("Create", ctx, int64(42), &authorID, "hi", models.MessageKindText).
		Return(models.Message{}, assert.AnError)

	_, err := p.Create(ctx, 42, &authorID, "hi", models.MessageKindText)
	require.Error(t, err)

	exists, _ := store.ListExists(ctx, 42)
	assert.False(t, exists)
	busMock.AssertNotCalled(t, "Publish")
}

func TestRecent_ServesFromCacheWhenFull(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, store := newTestPipeline(messages, busMock)

	base := time.Now()
	for i := int64(1); i <= 5; i++ {
		msg := models.Message{ID: i, RoomID: 1, Content: "m", Kind: models.MessageKindText, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, p.pushCache(ctx, 1, msg))
	}

	got, err := p.Recent(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// chronological order: ascending ids, the three newest (3,4,5)
	assert.Equal(t, []int64{3, 4, 5}, idsOf(got))
	messages.AssertNotCalled(t, "Newest")
	messages.AssertNotCalled(t, "OlderThan")

	length, _ := store.ListLength(ctx, 1)
	assert.Equal(t, int64(5), length)
}

func TestRecent_StitchesCacheAndDBWhenPartial(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, _ := newTestPipeline(messages, busMock)

	base := time.Now()
	cached := models.Message{ID: 10, RoomID: 1, Content: "cached", Kind: models.MessageKindText, CreatedAt: base}
	require.NoError(t, p.pushCache(ctx, 1, cached))

	older := []models.Message{
		{ID: 9, RoomID: 1, Content: "older-9", Kind: models.MessageKindText, CreatedAt: base.Add(-time.Second)},
		{ID: 8, RoomID: 1, Content: "older-8", Kind: models.MessageKindText, CreatedAt: base.Add(-2 * time.Second)},
	}
	messages.On("OlderThan", ctx, int64(1), int64(10), 2).Return(older, nil)

	got, err := p.Recent(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 9, 10}, idsOf(got))
}

func TestRecent_SeedsCacheWhenEmpty(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, store := newTestPipeline(messages, busMock)

	base := time.Now()
	newestFirst := []models.Message{
		{ID: 3, RoomID: 1, Content: "c", Kind: models.MessageKindText, CreatedAt: base.Add(2 * time.Second)},
		{ID: 2, RoomID: 1, Content: "b", Kind: models.MessageKindText, CreatedAt: base.Add(time.Second)},
		{ID: 1, RoomID: 1, Content: "a", Kind: models.MessageKindText, CreatedAt: base},
	}
	messages.On("Newest", ctx, int64(1), 3).Return(newestFirst, nil)

	got, err := p.Recent(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, idsOf(got))

	cachedRaw, err := store.Range(ctx, 1, 3)
	require.NoError(t, err)
	assert.Len(t, cachedRaw, 3)
}

func TestOlder_HasMoreAndCursor(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, _ := newTestPipeline(messages, busMock)

	base := time.Now()
	// limit=2, OlderThan is asked for limit+1=3 and returns exactly that many
	fetched := []models.Message{
		{ID: 5, RoomID: 1, CreatedAt: base.Add(3 * time.Second)},
		{ID: 4, RoomID: 1, CreatedAt: base.Add(2 * time.Second)},
		{ID: 3, RoomID: 1, CreatedAt: base.Add(time.Second)},
	}
	messages.On("OlderThan", ctx, int64(1), int64(6), 2).Return(fetched, nil)

	got, hasMore, cursor, err := p.Older(ctx, 1, 2, 6)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(4), *cursor)
	assert.Equal(t, []int64{4, 5}, idsOf(got))
}

func TestRecentThenOlder_ConcatenationHasNoDuplicates(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, store := newTestPipeline(messages, busMock)

	base := time.Now()
	for i := int64(1); i <= 5; i++ {
		msg := models.Message{ID: i, RoomID: 1, Content: "m", Kind: models.MessageKindText, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, p.pushCache(ctx, 1, msg))
	}
	_ = store

	older := []models.Message{
		{ID: 1, RoomID: 1, CreatedAt: base.Add(time.Second)},
	}
	messages.On("OlderThan", ctx, int64(1), int64(4), 1).Return(older, nil)

	recent, err := p.Recent(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, idsOf(recent))

	cursor := idsOf(recent)[0]
	rest, hasMore, _, err := p.Older(ctx, 1, 1, cursor)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, []int64{1}, idsOf(rest))

	seen := map[int64]bool{}
	for _, id := range append(idsOf(recent), idsOf(rest)...) {
		assert.False(t, seen[id], "id %d appeared twice across recent+older", id)
		seen[id] = true
	}
}

func TestPurgeAuthor_RewritesCacheDroppingOnlyThatAuthor(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, store := newTestPipeline(messages, busMock)

	base := time.Now()
	author7 := int64(7)
	author9 := int64(9)
	seed := []models.Message{
		{ID: 1, RoomID: 1, AuthorID: &author7, Content: "a", Kind: models.MessageKindText, CreatedAt: base},
		{ID: 2, RoomID: 1, AuthorID: &author9, Content: "b", Kind: models.MessageKindText, CreatedAt: base.Add(time.Second)},
		{ID: 3, RoomID: 1, AuthorID: &author7, Content: "c", Kind: models.MessageKindText, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, m := range seed {
		require.NoError(t, p.pushCache(ctx, 1, m))
	}

	require.NoError(t, p.PurgeAuthor(ctx, 1, 7))

	raw, err := store.Range(ctx, 1, CacheLimit)
	require.NoError(t, err)
	require.Len(t, raw, 1)

	got, err := p.cachedMessages(ctx, 1, CacheLimit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
}

func TestPurgeAuthor_NoMatchingMessagesLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, store := newTestPipeline(messages, busMock)

	author9 := int64(9)
	require.NoError(t, p.pushCache(ctx, 1, models.Message{ID: 1, RoomID: 1, AuthorID: &author9, Content: "b", Kind: models.MessageKindText, CreatedAt: time.Now()}))

	require.NoError(t, p.PurgeAuthor(ctx, 1, 7))

	length, err := store.ListLength(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestPurgeAuthor_EmptyCacheIsNoop(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, _ := newTestPipeline(messages, busMock)

	require.NoError(t, p.PurgeAuthor(ctx, 1, 7))
}

func TestCreate_StrictMonotonicAssignsIncreasingTimestampsWithinARoom(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	store := kvtest.New()
	p := New(messages, store, busMock, CacheLimit, true)

	same := time.Now()
	first := models.Message{ID: 1, RoomID: 1, Content: "first", Kind: models.MessageKindText, CreatedAt: same}
	second := models.Message{ID: 2, RoomID: 1, Content: "second", Kind: models.MessageKindText, CreatedAt: same}

	var capturedFirst, capturedSecond time.Time
	messages.On("CreateAt", ctx, int64(1), (*int64)(nil), "first", models.MessageKindText, mock.AnythingOfType("time.Time")).
		Run(func(args mock.Arguments) { capturedFirst = args.Get(5).(time.Time) }).
		Return(first, nil)
	messages.On("CreateAt", ctx, int64(1), (*int64)(nil), "second", models.MessageKindText, mock.AnythingOfType("time.Time")).
		Run(func(args mock.Arguments) { capturedSecond = args.Get(5).(time.Time) }).
		Return(second, nil)
	busMock.On("Publish", ctx, int64(1), mock.Anything, "").Return(nil)

	_, err := p.Create(ctx, 1, nil, "first", models.MessageKindText)
	require.NoError(t, err)
	_, err = p.Create(ctx, 1, nil, "second", models.MessageKindText)
	require.NoError(t, err)

	assert.True(t, capturedSecond.After(capturedFirst))
}

func TestCreate_NonStrictUsesPlainCreate(t *testing.T) {
	ctx := context.Background()
	messages := &mocks.MessageRepository{}
	busMock := &mocks.Bus{}
	p, _ := newTestPipeline(messages, busMock)

	persisted := models.Message{ID: 1, RoomID: 1, Content: "hi", Kind: models.MessageKindText, CreatedAt: time.Now()}
	messages.On("Create", ctx, int64(1), (*int64)(nil), "hi", models.MessageKindText).Return(persisted, nil)
	busMock.On("Publish", ctx, int64(1), mock.Anything, "").Return(nil)

	_, err := p.Create(ctx, 1, nil, "hi", models.MessageKindText)
	require.NoError(t, err)
	messages.AssertNotCalled(t, "CreateAt")
}

func idsOf(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
