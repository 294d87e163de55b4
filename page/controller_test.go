package page

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flaura42/RestaurantReviews/localstore"
	"github.com/flaura42/RestaurantReviews/records"
	"github.com/flaura42/RestaurantReviews/remote"
	"github.com/flaura42/RestaurantReviews/restsync"
)

const restaurantsJSON = `[
 {"id":1,"name":"Mission Chinese Food","neighborhood":"Manhattan","cuisine_type":"Asian","latlng":{"lat":40.71,"lng":-73.99}},
 {"id":2,"name":"Emily","neighborhood":"Brooklyn","cuisine_type":"Pizza","latlng":{"lat":40.68,"lng":-73.96},"is_favorite":"false"},
 {"id":3,"name":"Kang Ho Dong Baekjeong","neighborhood":"Manhattan","cuisine_type":"Asian","latlng":{"lat":40.74,"lng":-73.98}}
]`

// apiServer is a tiny stand-in for the reviews API.
type apiServer struct {
	*httptest.Server
	mu      sync.Mutex
	reviews []map[string]any
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	s := &apiServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/restaurants", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(restaurantsJSON))
	})
	mux.HandleFunc("/restaurants/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/reviews/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.Method == http.MethodPost {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			body["id"] = len(s.reviews) + 1
			s.reviews = append(s.reviews, body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(body)
			return
		}
		id, _ := strconv.Atoi(r.URL.Query().Get("restaurant_id"))
		out := []map[string]any{}
		for _, rv := range s.reviews {
			if int(rv["restaurant_id"].(float64)) == id {
				out = append(out, rv)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

type switchProber struct{ online atomic.Bool }

func (p *switchProber) IsReachable(context.Context) bool { return p.online.Load() }

func newTestController(t *testing.T) (*Controller, *switchProber, *apiServer) {
	t.Helper()
	ctx := context.Background()
	api := newAPIServer(t)

	store, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "page.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	prober := &switchProber{}
	prober.online.Store(true)
	client := remote.NewClient(api.URL+"/restaurants", api.URL+"/reviews/", nil)
	engine, err := restsync.NewEngine(store, client, prober, nil)
	require.NoError(t, err)

	return NewController(engine, nil), prober, api
}

func TestInitFillsSelectsAndMarkers(t *testing.T) {
	c, _, _ := newTestController(t)
	require.NoError(t, c.Init(context.Background()))

	s := c.Snapshot()
	require.Equal(t, []string{"Manhattan", "Brooklyn"}, s.Neighborhoods)
	require.Equal(t, []string{"Asian", "Pizza"}, s.Cuisines)
	require.Len(t, s.Restaurants, 3)
	require.Len(t, s.Markers, 3)
	require.Equal(t, "./restaurant.html?id=1", s.Markers[0].URL)
	require.Empty(t, s.Banner)
}

func TestUpdateRestaurantsFilterAndNoResults(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t)
	require.NoError(t, c.Init(ctx))

	require.NoError(t, c.UpdateRestaurants(ctx, restsync.Filter{Neighborhood: "Manhattan", Cuisine: restsync.All}))
	s := c.Snapshot()
	require.Len(t, s.Restaurants, 2)
	require.Equal(t, int64(1), s.Restaurants[0].ID)
	require.Equal(t, int64(3), s.Restaurants[1].ID)

	require.NoError(t, c.UpdateRestaurants(ctx, restsync.Filter{Neighborhood: "Brooklyn", Cuisine: "Asian"}))
	s = c.Snapshot()
	require.Empty(t, s.Restaurants)
	require.Equal(t, BannerNoResults, s.Banner)
}

func TestMarkersOnlyWhileOnline(t *testing.T) {
	ctx := context.Background()
	c, prober, _ := newTestController(t)
	require.NoError(t, c.Init(ctx))

	prober.online.Store(false)
	c.SetOnline(ctx, false)
	require.Equal(t, StaticMapAltOffline, c.MapAlt())
	require.NoError(t, c.UpdateRestaurants(ctx, restsync.Filter{}))
	s := c.Snapshot()
	require.Len(t, s.Restaurants, 3)
	require.Empty(t, s.Markers)

	prober.online.Store(true)
	c.SetOnline(ctx, true)
	require.Empty(t, c.MapAlt())
	require.Len(t, c.Snapshot().Markers, 3)
}

func TestShowRestaurantNotFound(t *testing.T) {
	c, _, _ := newTestController(t)
	err := c.ShowRestaurant(context.Background(), 42)
	require.ErrorIs(t, err, records.ErrNotFound)
	require.Equal(t, BannerNotFound, c.Snapshot().Banner)
}

func TestOfflineReviewIsShownAndReplayed(t *testing.T) {
	ctx := context.Background()
	c, prober, api := newTestController(t)
	require.NoError(t, c.ShowRestaurant(ctx, 2))
	s := c.Snapshot()
	require.Equal(t, BannerNoReviews, s.Banner)
	require.Equal(t, []string{"Home", "Emily"}, s.Breadcrumb)

	prober.online.Store(false)
	c.SetOnline(ctx, false)
	res, err := c.SubmitReview(ctx, records.ReviewInput{RestaurantID: 2, Name: "Ann", Rating: 5, Comments: "Great crust"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	s = c.Snapshot()
	require.Equal(t, BannerReviewQueued, s.Banner)
	require.Equal(t, 1, s.PendingBadge)
	require.Len(t, s.Reviews, 1)
	require.True(t, s.Reviews[0].Pending)

	// Back online, the next successful write replays the queue.
	prober.online.Store(true)
	c.SetOnline(ctx, true)
	_, err = c.SubmitReview(ctx, records.ReviewInput{RestaurantID: 2, Name: "Bob", Rating: 4, Comments: "Good"})
	require.NoError(t, err)

	s = c.Snapshot()
	require.Zero(t, s.PendingBadge)
	require.Len(t, s.Reviews, 2)
	for _, r := range s.Reviews {
		require.False(t, r.Pending)
	}
	api.mu.Lock()
	require.Len(t, api.reviews, 2)
	api.mu.Unlock()
}

func TestToggleFavoriteUpdatesState(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t)
	require.NoError(t, c.Init(ctx))
	require.NoError(t, c.ShowRestaurant(ctx, 1))

	fav, err := c.ToggleFavorite(ctx, 1)
	require.NoError(t, err)
	require.True(t, fav)

	s := c.Snapshot()
	require.True(t, bool(s.Restaurant.IsFavorite))
	require.True(t, bool(s.Restaurants[0].IsFavorite))

	require.NoError(t, c.UpdateRestaurants(ctx, restsync.Filter{FavoritesOnly: true}))
	require.Len(t, c.Snapshot().Restaurants, 1)
}

func TestSubmitInvalidReview(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.SubmitReview(context.Background(), records.ReviewInput{RestaurantID: 1, Rating: 3, Comments: "x"})
	require.ErrorIs(t, err, records.ErrValidation)
	require.Equal(t, BannerTryAgain, c.Snapshot().Banner)
}
