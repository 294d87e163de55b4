package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flaura42/RestaurantReviews/records"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "restaurants.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesCollections(t *testing.T) {
	s := openTestStore(t)
	require.Equal(t, LatestVersion, s.Version())

	for _, table := range []string{"restaurants", "reviews", "pending_reviews"} {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}
}

func TestOpenIsIdempotentAndShared(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	var wg sync.WaitGroup
	handles := make([]*Store, 8)
	errs := make([]error, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = Open(ctx, path, nil)
		}(i)
	}
	wg.Wait()

	for i := range handles {
		require.NoError(t, errs[i])
		require.Same(t, handles[0], handles[i])
	}

	// Every reference but the last leaves the database usable.
	for i := 0; i < len(handles)-1; i++ {
		require.NoError(t, handles[i].Close())
	}
	_, err := handles[0].Restaurants(ctx)
	require.NoError(t, err)
	require.NoError(t, handles[0].Close())
}

func TestSchemaUpgradeKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "upgrade.db")

	v1, err := Open(ctx, path, &Options{Version: 1})
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version())
	require.NoError(t, v1.PutRestaurants(ctx, []records.Restaurant{{ID: 1, Name: "A"}}))

	// Version 1 has no reviews collection yet.
	_, err = v1.Reviews(ctx, 1)
	require.True(t, errors.Is(err, records.ErrLocalStoreUnavailable))
	require.NoError(t, v1.Close())

	v2, err := Open(ctx, path, &Options{Version: 2})
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version())
	rs, err := v2.Restaurants(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	_, err = v2.Enqueue(ctx, records.Review{RestaurantID: 1, Name: "n", Rating: 3, Comments: "c"}, "")
	require.NoError(t, err)
	require.NoError(t, v2.Close())

	// Reopening with a lower version must not destroy anything.
	again, err := Open(ctx, path, &Options{Version: 1})
	require.NoError(t, err)
	defer again.Close()
	require.Equal(t, 2, again.Version())
	rs, err = again.Restaurants(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	n, err := again.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), &Options{Version: LatestVersion + 1})
	require.True(t, errors.Is(err, records.ErrLocalStoreUnavailable))
}

func TestPutRestaurantIsIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := records.Restaurant{ID: 5, Name: "Old", Neighborhood: "Queens"}
	second := records.Restaurant{ID: 5, Name: "New", Neighborhood: "Brooklyn"}
	require.NoError(t, s.PutRestaurants(ctx, []records.Restaurant{first}))
	require.NoError(t, s.PutRestaurants(ctx, []records.Restaurant{second}))
	require.NoError(t, s.PutRestaurants(ctx, []records.Restaurant{second}))

	rs, err := s.Restaurants(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.Equal(t, "New", rs[0].Name)
	require.Equal(t, "Brooklyn", rs[0].Neighborhood)
}

func TestStoredRestaurantWithoutFavoriteReadsFalse(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Put(ctx, Restaurants, Entry{Key: 3, Payload: json.RawMessage(`{"id":3,"name":"C"}`)})
	require.NoError(t, err)

	rs, err := s.Restaurants(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.False(t, bool(rs[0].IsFavorite))
}

func TestPutRequiresKeyOnExplicitCollections(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(context.Background(), Restaurants, Entry{Payload: json.RawMessage(`{}`)})
	require.True(t, errors.Is(err, records.ErrLocalStoreUnavailable))

	_, err = s.Put(context.Background(), Restaurants, Entry{Key: 1, Payload: json.RawMessage(`{not json`)})
	require.True(t, errors.Is(err, records.ErrLocalStoreUnavailable))
}

func TestUpdateRestaurant(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutRestaurants(ctx, []records.Restaurant{{ID: 2, Name: "B"}}))

	got, err := s.UpdateRestaurant(ctx, 2, func(r *records.Restaurant) error {
		r.IsFavorite = !r.IsFavorite
		return nil
	})
	require.NoError(t, err)
	require.True(t, bool(got.IsFavorite))

	rs, err := s.Restaurants(ctx)
	require.NoError(t, err)
	require.True(t, bool(rs[0].IsFavorite))

	_, err = s.UpdateRestaurant(ctx, 99, func(r *records.Restaurant) error { return nil })
	require.True(t, errors.Is(err, records.ErrNotFound))
}

func TestMergeRestaurantsKeepsLocalFavorite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutRestaurants(ctx, []records.Restaurant{{ID: 1, Name: "Old", IsFavorite: true}}))

	merged, err := s.MergeRestaurants(ctx, []records.Restaurant{
		{ID: 1, Name: "Renamed", IsFavorite: false},
		{ID: 2, Name: "New", IsFavorite: true},
	})
	require.NoError(t, err)
	require.Len(t, merged, 2)
	require.True(t, bool(merged[0].IsFavorite))
	require.Equal(t, "Renamed", merged[0].Name)
	require.True(t, bool(merged[1].IsFavorite))

	rs, err := s.Restaurants(ctx)
	require.NoError(t, err)
	require.Equal(t, merged, rs)

	empty, err := s.MergeRestaurants(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, empty)
}

func TestReviewsMirrorByRestaurant(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutReviews(ctx, []records.Review{
		{ID: 1, RestaurantID: 1, Name: "a", Rating: 4, Comments: "x"},
		{ID: 2, RestaurantID: 2, Name: "b", Rating: 3, Comments: "y"},
		{ID: 3, RestaurantID: 1, Name: "c", Rating: 5, Comments: "z"},
	}))
	require.NoError(t, s.PutReviews(ctx, []records.Review{
		{ID: 3, RestaurantID: 1, Name: "c", Rating: 2, Comments: "edited"},
	}))

	rs, err := s.Reviews(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	require.Equal(t, int64(1), rs[0].ID)
	require.Equal(t, "edited", rs[1].Comments)

	err = s.PutReviews(ctx, []records.Review{{RestaurantID: 1, Name: "no id"}})
	require.True(t, errors.Is(err, records.ErrLocalStoreUnavailable))
}

func TestPendingQueue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a, err := s.Enqueue(ctx, records.Review{RestaurantID: 1, Name: "a", Rating: 1, Comments: "x"}, "")
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, records.Review{RestaurantID: 2, Name: "b", Rating: 2, Comments: "y"}, "")
	require.NoError(t, err)
	require.NotEqual(t, a.Num, b.Num)
	require.NotEqual(t, a.ClientToken, b.ClientToken)

	all, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].Review.Name)
	require.Equal(t, a.ClientToken, all[0].ClientToken)

	forTwo, err := s.PendingFor(ctx, 2)
	require.NoError(t, err)
	require.Len(t, forTwo, 1)
	require.Equal(t, b.Num, forTwo[0].Num)

	require.NoError(t, s.Dequeue(ctx, a.Num))
	require.NoError(t, s.Dequeue(ctx, a.Num))
	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Surrogates are never reused.
	c, err := s.Enqueue(ctx, records.Review{RestaurantID: 1, Name: "c", Rating: 3, Comments: "z"}, "")
	require.NoError(t, err)
	require.Greater(t, c.Num, b.Num)
}
