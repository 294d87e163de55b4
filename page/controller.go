// Package page holds the state of the two pages of the reviews site, the
// restaurant list and the restaurant detail, and drives it from the sync
// engine.
package page

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/flaura42/RestaurantReviews/records"
	"github.com/flaura42/RestaurantReviews/restsync"
)

// Banner texts.
const (
	BannerNoResults     = "No results"
	BannerNotFound      = "Restaurant not found"
	BannerTryAgain      = "Please try again"
	BannerNoReviews     = "No reviews yet!"
	BannerReviewQueued  = "Review saved, it will be sent when you are back online"
	StaticMapAltOffline = "No map is available."
)

// Engine is the subset of *restsync.Engine the controller drives.
type Engine interface {
	FetchRestaurantsByFilter(ctx context.Context, f restsync.Filter) ([]records.Restaurant, error)
	FetchRestaurantByID(ctx context.Context, id int64) (records.Restaurant, error)
	FetchNeighborhoods(ctx context.Context) ([]string, error)
	FetchCuisines(ctx context.Context) ([]string, error)
	FetchReviews(ctx context.Context, restaurantID int64) ([]records.Review, error)
	ToggleFavorite(ctx context.Context, id int64) (bool, error)
	SubmitReview(ctx context.Context, in records.ReviewInput) (restsync.SubmitResult, error)
	PendingCount(ctx context.Context) (int, error)
	NotifyOnline()
}

// Marker is one map pin.
type Marker struct {
	RestaurantID int64
	Title        string
	Position     records.LatLng
	URL          string
}

// State is a copy of everything the pages render.
type State struct {
	Online bool

	Neighborhoods []string
	Cuisines      []string
	Filter        restsync.Filter
	Restaurants   []records.Restaurant
	Markers       []Marker

	Restaurant *records.Restaurant
	Breadcrumb []string
	Reviews    []records.Review

	Banner       string
	PendingBadge int
}

// Controller owns the page state. It is safe for concurrent use.
type Controller struct {
	engine Engine
	logger *slog.Logger

	mu    sync.RWMutex
	state State
}

// NewController returns a controller that starts online.
func NewController(engine Engine, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		engine: engine,
		logger: logger,
		state:  State{Online: true, Filter: restsync.Filter{Cuisine: restsync.All, Neighborhood: restsync.All}},
	}
}

// Init fills the neighborhood and cuisine selects and the list.
func (c *Controller) Init(ctx context.Context) error {
	neighborhoods, err := c.engine.FetchNeighborhoods(ctx)
	if err != nil {
		c.fail("Failed to load neighborhoods", err)
		return err
	}
	cuisines, err := c.engine.FetchCuisines(ctx)
	if err != nil {
		c.fail("Failed to load cuisines", err)
		return err
	}

	c.mu.Lock()
	c.state.Neighborhoods = neighborhoods
	c.state.Cuisines = cuisines
	filter := c.state.Filter
	c.mu.Unlock()

	return c.UpdateRestaurants(ctx, filter)
}

// UpdateRestaurants replaces the list with the restaurants matching f.
// Markers are only built while online, when a live map is shown.
func (c *Controller) UpdateRestaurants(ctx context.Context, f restsync.Filter) error {
	rs, err := c.engine.FetchRestaurantsByFilter(ctx, f)
	if err != nil {
		c.fail("Failed to load restaurants", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Filter = f
	c.state.Restaurants = rs
	c.state.Markers = nil
	c.state.Banner = ""
	if len(rs) == 0 {
		c.state.Banner = BannerNoResults
	}
	if c.state.Online {
		c.state.Markers = markersFor(rs)
	}
	return nil
}

// ShowRestaurant loads one restaurant and its reviews, queued ones
// included.
func (c *Controller) ShowRestaurant(ctx context.Context, id int64) error {
	r, err := c.engine.FetchRestaurantByID(ctx, id)
	if err != nil {
		c.mu.Lock()
		c.state.Restaurant = nil
		c.state.Reviews = nil
		c.state.Breadcrumb = nil
		c.state.Banner = BannerTryAgain
		if errors.Is(err, records.ErrNotFound) {
			c.state.Banner = BannerNotFound
		}
		c.mu.Unlock()
		c.logger.Warn("Restaurant not shown", "restaurant_id", id, "error", err)
		return err
	}

	reviews, err := c.engine.FetchReviews(ctx, id)
	if err != nil {
		c.fail("Failed to load reviews", err)
		return err
	}

	c.mu.Lock()
	c.state.Restaurant = &r
	c.state.Breadcrumb = []string{"Home", r.Name}
	c.state.Reviews = reviews
	c.state.Banner = ""
	if len(reviews) == 0 {
		c.state.Banner = BannerNoReviews
	}
	if c.state.Online {
		c.state.Markers = markersFor([]records.Restaurant{r})
	} else {
		c.state.Markers = nil
	}
	c.mu.Unlock()

	c.refreshBadge(ctx)
	return nil
}

// SubmitReview sends or queues a review for the shown restaurant and
// reloads its reviews.
func (c *Controller) SubmitReview(ctx context.Context, in records.ReviewInput) (restsync.SubmitResult, error) {
	res, err := c.engine.SubmitReview(ctx, in)
	if err != nil {
		c.fail("Review not saved", err)
		return res, err
	}

	if err := c.ShowRestaurant(ctx, in.RestaurantID); err != nil {
		return res, err
	}
	if res.Queued {
		c.mu.Lock()
		c.state.Banner = BannerReviewQueued
		c.mu.Unlock()
	}
	return res, nil
}

// ToggleFavorite flips the favorite flag and updates the shown restaurant
// and list in place.
func (c *Controller) ToggleFavorite(ctx context.Context, id int64) (bool, error) {
	favorite, err := c.engine.ToggleFavorite(ctx, id)
	if err != nil {
		c.fail("Favorite not saved", err)
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Restaurant != nil && c.state.Restaurant.ID == id {
		c.state.Restaurant.IsFavorite = records.Flag(favorite)
	}
	for i := range c.state.Restaurants {
		if c.state.Restaurants[i].ID == id {
			c.state.Restaurants[i].IsFavorite = records.Flag(favorite)
		}
	}
	return favorite, nil
}

// SetOnline records the platform connectivity event. Going online asks the
// engine to replay queued reviews and brings the markers back.
func (c *Controller) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	changed := c.state.Online != online
	c.state.Online = online
	if !online {
		c.state.Markers = nil
	} else if changed {
		if c.state.Restaurant != nil {
			c.state.Markers = markersFor([]records.Restaurant{*c.state.Restaurant})
		} else {
			c.state.Markers = markersFor(c.state.Restaurants)
		}
	}
	c.mu.Unlock()

	if online && changed {
		c.logger.Info("Back online")
		c.engine.NotifyOnline()
	}
	c.refreshBadge(ctx)
}

// MapAlt is the alternative text of the static map image shown while
// offline; it is empty while the live map is shown.
func (c *Controller) MapAlt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Online {
		return ""
	}
	return StaticMapAltOffline
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.state
	s.Neighborhoods = append([]string(nil), s.Neighborhoods...)
	s.Cuisines = append([]string(nil), s.Cuisines...)
	s.Restaurants = append([]records.Restaurant(nil), s.Restaurants...)
	s.Markers = append([]Marker(nil), s.Markers...)
	s.Breadcrumb = append([]string(nil), s.Breadcrumb...)
	s.Reviews = append([]records.Review(nil), s.Reviews...)
	if s.Restaurant != nil {
		r := *s.Restaurant
		s.Restaurant = &r
	}
	return s
}

func (c *Controller) refreshBadge(ctx context.Context) {
	n, err := c.engine.PendingCount(ctx)
	if err != nil {
		c.logger.Debug("Pending count unavailable", "error", err)
		return
	}
	c.mu.Lock()
	c.state.PendingBadge = n
	c.mu.Unlock()
}

func (c *Controller) fail(msg string, err error) {
	c.logger.Error(msg, "error", err)
	c.mu.Lock()
	c.state.Banner = BannerTryAgain
	c.mu.Unlock()
}

func markersFor(rs []records.Restaurant) []Marker {
	out := make([]Marker, 0, len(rs))
	for _, r := range rs {
		out = append(out, Marker{
			RestaurantID: r.ID,
			Title:        r.Name,
			Position:     r.LatLng,
			URL:          records.URLForRestaurant(r),
		})
	}
	return out
}
