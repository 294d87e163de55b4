// Copyright 2026 flaura42
// SPDX-License-Identifier: Apache-2.0

// Package restsync decides, for every read and write the client makes,
// whether the local store or the remote API is the source of truth.
//
// Restaurant listings are read local first and only fetched remotely when
// the local collection is empty. Reviews are read remote first because they
// change more often. Review submissions go remote first and fall back to the
// pending queue, which DrainQueue replays once the remote answers again.
// Favorites are local-authoritative: the local toggle always commits and the
// remote is only notified on a best-effort basis.
package restsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flaura42/RestaurantReviews/connectivity"
	"github.com/flaura42/RestaurantReviews/records"
)

// LocalStore is the subset of *localstore.Store the engine uses.
type LocalStore interface {
	Restaurants(ctx context.Context) ([]records.Restaurant, error)
	MergeRestaurants(ctx context.Context, rs []records.Restaurant) ([]records.Restaurant, error)
	UpdateRestaurant(ctx context.Context, id int64, fn func(*records.Restaurant) error) (records.Restaurant, error)
	Reviews(ctx context.Context, restaurantID int64) ([]records.Review, error)
	PutReviews(ctx context.Context, rs []records.Review) error
	Enqueue(ctx context.Context, r records.Review, clientToken string) (records.PendingReview, error)
	Pending(ctx context.Context) ([]records.PendingReview, error)
	PendingFor(ctx context.Context, restaurantID int64) ([]records.PendingReview, error)
	Dequeue(ctx context.Context, num int64) error
	PendingCount(ctx context.Context) (int, error)
}

// Gateway is the subset of *remote.Client the engine uses.
type Gateway interface {
	FetchRestaurants(ctx context.Context) ([]records.Restaurant, error)
	FetchReviews(ctx context.Context, restaurantID int64) ([]records.Review, error)
	PostReview(ctx context.Context, review records.Review, idempotencyKey string) (records.Review, error)
	PutFavoriteStatus(ctx context.Context, id int64, favorite bool) error
}

// Config holds the engine's background loop settings.
type Config struct {
	DrainInterval time.Duration // periodic drain attempt, e.g. 30s
	ProbeInterval time.Duration // connectivity watcher poll, e.g. 15s
	BackoffMin    time.Duration // 1s
	BackoffMax    time.Duration // 60s
	Logger        *slog.Logger
}

// DefaultConfig returns the defaults used by the host binary.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 30 * time.Second,
		ProbeInterval: 15 * time.Second,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
	}
}

// Engine is the sync engine.
type Engine struct {
	store  LocalStore
	remote Gateway
	oracle connectivity.Prober
	config *Config
	logger *slog.Logger
	now    func() time.Time

	drainMu     sync.Mutex
	wake        chan struct{}
	running     int32
	drainPaused int32

	watcherMu sync.Mutex
	watcher   *connectivity.Watcher
}

// NewEngine wires the engine to its collaborators.
func NewEngine(store LocalStore, remote Gateway, oracle connectivity.Prober, config *Config) (*Engine, error) {
	if store == nil || remote == nil || oracle == nil {
		return nil, fmt.Errorf("store, remote and oracle are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		remote: remote,
		oracle: oracle,
		config: config,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}, nil
}

// FetchRestaurants returns the full restaurant list. A non-empty local
// collection is returned as is. Otherwise the remote is fetched once and
// mirrored locally. When neither path yields data the result is empty.
func (e *Engine) FetchRestaurants(ctx context.Context) ([]records.Restaurant, error) {
	rs, _, err := e.restaurants(ctx)
	return rs, err
}

// restaurants also reports whether the result came from the local store.
func (e *Engine) restaurants(ctx context.Context) ([]records.Restaurant, bool, error) {
	local, err := e.store.Restaurants(ctx)
	if err != nil {
		e.logger.Warn("Local restaurant read failed, treating as miss", "error", err)
	} else if len(local) > 0 {
		return local, true, nil
	}

	rs := e.serveRestaurants(ctx)
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return rs, false, nil
}

// serveRestaurants fetches from the remote and merges it into the local
// store.
func (e *Engine) serveRestaurants(ctx context.Context) []records.Restaurant {
	if !e.oracle.IsReachable(ctx) {
		e.logger.Info("Remote unreachable and no local restaurants")
		return []records.Restaurant{}
	}

	rs, err := e.remote.FetchRestaurants(ctx)
	if err != nil {
		e.logger.Warn("Remote restaurant fetch failed", "error", err)
		return []records.Restaurant{}
	}
	if rs == nil {
		rs = []records.Restaurant{}
	}
	// Stored favorite flags win over the remote copy.
	merged, err := e.store.MergeRestaurants(ctx, rs)
	if err != nil {
		e.logger.Warn("Failed to mirror restaurants locally", "count", len(rs), "error", err)
		return rs
	}
	return merged
}

// FetchRestaurantsByFilter applies f in memory to the full list.
func (e *Engine) FetchRestaurantsByFilter(ctx context.Context, f Filter) ([]records.Restaurant, error) {
	rs, err := e.FetchRestaurants(ctx)
	if err != nil {
		return nil, err
	}
	return f.Apply(rs), nil
}

// FetchFavorites returns only favorite restaurants.
func (e *Engine) FetchFavorites(ctx context.Context) ([]records.Restaurant, error) {
	return e.FetchRestaurantsByFilter(ctx, Filter{FavoritesOnly: true})
}

// FetchRestaurantByID finds one restaurant. A miss in a local result is
// retried against the remote before records.ErrNotFound is returned.
func (e *Engine) FetchRestaurantByID(ctx context.Context, id int64) (records.Restaurant, error) {
	rs, fromLocal, err := e.restaurants(ctx)
	if err != nil {
		return records.Restaurant{}, err
	}
	if r, ok := findRestaurant(rs, id); ok {
		return r, nil
	}
	if fromLocal {
		if r, ok := findRestaurant(e.serveRestaurants(ctx), id); ok {
			return r, nil
		}
	}
	return records.Restaurant{}, fmt.Errorf("%w: restaurant %d", records.ErrNotFound, id)
}

func findRestaurant(rs []records.Restaurant, id int64) (records.Restaurant, bool) {
	for _, r := range rs {
		if r.ID == id {
			return r, true
		}
	}
	return records.Restaurant{}, false
}

// FetchNeighborhoods lists the distinct neighborhoods of all restaurants.
func (e *Engine) FetchNeighborhoods(ctx context.Context) ([]string, error) {
	rs, err := e.FetchRestaurants(ctx)
	if err != nil {
		return nil, err
	}
	return Neighborhoods(rs), nil
}

// FetchCuisines lists the distinct cuisines of all restaurants.
func (e *Engine) FetchCuisines(ctx context.Context) ([]string, error) {
	rs, err := e.FetchRestaurants(ctx)
	if err != nil {
		return nil, err
	}
	return Cuisines(rs), nil
}

// FetchReviews returns the reviews of one restaurant, fresh from the remote
// when it is reachable (and mirrored locally), from the local mirror
// otherwise. Queued reviews are appended with Pending set.
func (e *Engine) FetchReviews(ctx context.Context, restaurantID int64) ([]records.Review, error) {
	var reviews []records.Review
	fetched := false

	if e.oracle.IsReachable(ctx) {
		rs, err := e.remote.FetchReviews(ctx, restaurantID)
		if err != nil {
			e.logger.Warn("Remote review fetch failed, using local mirror", "restaurant_id", restaurantID, "error", err)
		} else {
			reviews, fetched = rs, true
			e.mirrorReviews(ctx, rs)
		}
	}

	if !fetched {
		local, err := e.store.Reviews(ctx, restaurantID)
		if err != nil {
			e.logger.Warn("Local review read failed", "restaurant_id", restaurantID, "error", err)
		}
		reviews = local
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pending, err := e.store.PendingFor(ctx, restaurantID)
	if err != nil {
		e.logger.Warn("Pending review read failed", "restaurant_id", restaurantID, "error", err)
	}
	out := make([]records.Review, 0, len(reviews)+len(pending))
	out = append(out, reviews...)
	for _, p := range pending {
		r := p.Review
		r.Pending = true
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) mirrorReviews(ctx context.Context, rs []records.Review) {
	keyed := make([]records.Review, 0, len(rs))
	for _, r := range rs {
		if r.ID != 0 {
			keyed = append(keyed, r)
		}
	}
	if err := e.store.PutReviews(ctx, keyed); err != nil {
		e.logger.Warn("Failed to mirror reviews locally", "count", len(keyed), "error", err)
	}
}

// IsFavorite reports the favorite flag of one restaurant.
func (e *Engine) IsFavorite(ctx context.Context, id int64) (bool, error) {
	r, err := e.FetchRestaurantByID(ctx, id)
	if err != nil {
		return false, err
	}
	return bool(r.IsFavorite), nil
}

// ToggleFavorite inverts the favorite flag in the local store and returns
// the new value. The remote is notified afterwards; a failed notification
// does not roll the local change back.
func (e *Engine) ToggleFavorite(ctx context.Context, id int64) (bool, error) {
	// Make sure the local mirror is populated before the read-modify-write.
	if _, err := e.FetchRestaurantByID(ctx, id); err != nil {
		return false, err
	}

	updated, err := e.store.UpdateRestaurant(ctx, id, func(r *records.Restaurant) error {
		r.IsFavorite = !r.IsFavorite
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to toggle favorite for restaurant %d: %w", id, err)
	}
	favorite := bool(updated.IsFavorite)

	if !e.oracle.IsReachable(ctx) {
		e.logger.Info("Favorite kept locally, remote unreachable", "restaurant_id", id, "is_favorite", favorite)
		return favorite, nil
	}
	if err := e.remote.PutFavoriteStatus(ctx, id, favorite); err != nil {
		e.logger.Warn("Favorite kept locally, remote update failed", "restaurant_id", id, "is_favorite", favorite, "error", err)
	}
	return favorite, nil
}

// SubmitResult describes what happened to a submitted review.
type SubmitResult struct {
	Review records.Review // server copy when sent, local copy when queued
	Queued bool           // true when the review went to the pending queue
	Num    int64          // queue key when Queued
}

// SubmitReview validates the input, then sends it to the remote. If the
// remote is unreachable or rejects it, the review is queued for DrainQueue.
// Validation failures return records.ErrValidation before any I/O.
func (e *Engine) SubmitReview(ctx context.Context, in records.ReviewInput) (SubmitResult, error) {
	review, err := in.Validate(e.now())
	if err != nil {
		return SubmitResult{}, err
	}
	token := uuid.New().String()

	if e.oracle.IsReachable(ctx) {
		created, err := e.remote.PostReview(ctx, review, token)
		if err == nil {
			e.mirrorReviews(ctx, []records.Review{created})
			e.afterWrite(ctx)
			return SubmitResult{Review: created}, nil
		}
		e.logger.Warn("Review submission failed, queueing", "restaurant_id", in.RestaurantID, "error", err)
	}

	p, err := e.store.Enqueue(ctx, review, token)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to queue review: %w", err)
	}
	review.Pending = true
	return SubmitResult{Review: review, Queued: true, Num: p.Num}, nil
}

// PendingCount returns the number of queued reviews.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// afterWrite starts a drain once a write reached the remote: through the
// background loop when it runs, inline otherwise.
func (e *Engine) afterWrite(ctx context.Context) {
	if atomic.LoadInt32(&e.running) == 1 {
		e.TriggerDrain()
		return
	}
	if _, err := e.DrainQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("Post-write drain failed", "error", err)
	}
}
