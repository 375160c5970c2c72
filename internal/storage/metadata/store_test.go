package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visual-search/pkg/config"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	sq, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func seed(t *testing.T, s Store, items ...*Item) {
	t.Helper()
	for _, it := range items {
		require.NoError(t, s.Create(context.Background(), it))
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			it := &Item{ImagePath: "images/a.jpg", Brand: "Ray-Ban", Price: 120, Material: "Metal", StyleTags: "Aviator,Gold"}
			require.NoError(t, s.Create(ctx, it))
			assert.NotZero(t, it.ID)
			assert.NotZero(t, it.CreatedAt)

			got, err := s.Get(ctx, it.ID)
			require.NoError(t, err)
			assert.Equal(t, "Ray-Ban", got.Brand)
			assert.Equal(t, []string{"Aviator", "Gold"}, got.Tags())

			_, err = s.Get(ctx, 9999)
			assert.True(t, errors.Is(err, ErrNotFound))

			err = s.Create(ctx, &Item{ImagePath: "images/a.jpg"})
			assert.True(t, errors.Is(err, ErrDuplicate))
		})
	}
}

func TestStore_ExplicitIDs(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, &Item{ID: 7, ImagePath: "7.jpg"})
			next := &Item{ImagePath: "8.jpg"}
			require.NoError(t, s.Create(ctx, next))
			assert.Greater(t, next.ID, int64(7))
		})
	}
}

func TestStore_GetMany(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, &Item{ID: 1, ImagePath: "1.jpg"}, &Item{ID: 2, ImagePath: "2.jpg"})

			got, err := s.GetMany(ctx, []int64{1, 2, 3})
			require.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Equal(t, "2.jpg", got[2].ImagePath)

			empty, err := s.GetMany(ctx, nil)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStore_Update(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, &Item{ID: 1, ImagePath: "1.jpg"})

			got, err := s.Update(ctx, 1, func(it *Item) error {
				it.ClickCount++
				it.RelevanceScore = 0.1
				it.ImagePath = "ignored.jpg"
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.ClickCount)

			reread, err := s.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), reread.ClickCount)
			assert.InDelta(t, 0.1, reread.RelevanceScore, 1e-9)
			assert.Equal(t, "1.jpg", reread.ImagePath)

			boom := errors.New("boom")
			_, err = s.Update(ctx, 1, func(it *Item) error {
				it.ClickCount = 100
				return boom
			})
			assert.ErrorIs(t, err, boom)
			reread, _ = s.Get(ctx, 1)
			assert.Equal(t, int64(1), reread.ClickCount)

			_, err = s.Update(ctx, 42, func(*Item) error { return nil })
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_ListAndCount(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, &Item{ID: 3, ImagePath: "3.jpg"}, &Item{ID: 1, ImagePath: "1.jpg"}, &Item{ID: 2, ImagePath: "2.jpg"})

			all, err := s.List(ctx, nil)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, int64(1), all[0].ID)

			page, err := s.List(ctx, &Pagination{Offset: 1, Limit: 1})
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, int64(2), page[0].ID)

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
		})
	}
}

func TestStore_Feedback(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.RecordFeedback(ctx, &FeedbackEvent{ID: "a", ItemID: 1, Relevant: true}))
			require.NoError(t, s.RecordFeedback(ctx, &FeedbackEvent{ID: "b", ItemID: 1, Relevant: false}))
			require.NoError(t, s.RecordFeedback(ctx, &FeedbackEvent{ID: "c", ItemID: 1, Relevant: true}))
			require.NoError(t, s.RecordFeedback(ctx, &FeedbackEvent{ID: "d", ItemID: 2, Relevant: true}))

			c, err := s.FeedbackCounts(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), c.Relevant)
			assert.Equal(t, int64(1), c.NotRelevant)
			assert.Equal(t, int64(3), c.Total())

			none, err := s.FeedbackCounts(ctx, 99)
			require.NoError(t, err)
			assert.Zero(t, none.Total())

			n, err := s.CountFeedback(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	seed(t, s, &Item{ImagePath: "a.jpg", Brand: "Oakley"})
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	it, err := s.GetByImagePath(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "Oakley", it.Brand)
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, config.MetadataConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(ctx, config.MetadataConfig{Type: "sqlite"})
	assert.Error(t, err)

	_, err = NewStore(ctx, config.MetadataConfig{Type: "mongo"})
	assert.Error(t, err)
}

func TestRepository(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, &Item{ID: 1, ImagePath: "1.jpg", ClickCount: 2, RelevanceScore: 0.19}, &Item{ID: 2, ImagePath: "2.jpg"})
	require.NoError(t, s.RecordFeedback(ctx, &FeedbackEvent{ID: "x", ItemID: 1, Relevant: true}))

	r := NewRepository(s)
	items, err := r.ListItems(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	st, err := r.ItemStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ClickCount)
	assert.Equal(t, int64(1), st.Relevant)
	assert.Equal(t, int64(1), st.TotalFeedback)

	_, err = r.ItemStats(ctx, 5)
	assert.True(t, errors.Is(err, ErrNotFound))

	cs, err := r.CatalogStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cs.TotalProducts)
	assert.Equal(t, int64(1), cs.TotalFeedback)
}
