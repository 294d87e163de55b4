// Copyright 2026 flaura42
// SPDX-License-Identifier: Apache-2.0

// Package remote is the thin HTTP adapter for the restaurant reviews API.
//
// Every failure (transport error, non-2xx status, undecodable body) is
// reported wrapped in records.ErrRemoteUnavailable; the sync engine falls
// back the same way whatever the cause.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flaura42/RestaurantReviews/records"
)

// Client issues requests against the remote API.
type Client struct {
	RestaurantsURL string                                 // e.g. http://localhost:1337/restaurants
	ReviewsURL     string                                 // e.g. http://localhost:1337/reviews/
	Token          func(context.Context) (string, error) // optional bearer token
	HTTP           *http.Client
	logger         *slog.Logger
}

// NewClient creates a gateway for the given resource bases.
func NewClient(restaurantsURL, reviewsURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		RestaurantsURL: restaurantsURL,
		ReviewsURL:     reviewsURL,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
	}
}

// FetchRestaurants returns every restaurant the API knows.
func (c *Client) FetchRestaurants(ctx context.Context) ([]records.Restaurant, error) {
	var out []records.Restaurant
	if err := c.do(ctx, http.MethodGet, c.RestaurantsURL, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchReviews returns the reviews of one restaurant.
func (c *Client) FetchReviews(ctx context.Context, restaurantID int64) ([]records.Review, error) {
	u, err := url.Parse(c.ReviewsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid reviews url: %v", records.ErrRemoteUnavailable, err)
	}
	q := u.Query()
	q.Set("restaurant_id", strconv.FormatInt(restaurantID, 10))
	u.RawQuery = q.Encode()

	var out []records.Review
	if err := c.do(ctx, http.MethodGet, u.String(), nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostReview creates a review and returns the server's copy. idempotencyKey,
// when not empty, is sent so a cooperating server can drop duplicate replays.
func (c *Client) PostReview(ctx context.Context, review records.Review, idempotencyKey string) (records.Review, error) {
	body, err := json.Marshal(reviewBody{
		RestaurantID: int64(review.RestaurantID),
		Name:         review.Name,
		Rating:       int64(review.Rating),
		Comments:     review.Comments,
	})
	if err != nil {
		return records.Review{}, fmt.Errorf("failed to marshal review: %w", err)
	}

	var created records.Review
	if err := c.do(ctx, http.MethodPost, c.ReviewsURL, body, idempotencyKey, &created); err != nil {
		return records.Review{}, err
	}
	// Some servers echo only the id, or nothing at all; keep what we sent
	// for the rest.
	if created.RestaurantID == 0 {
		created.RestaurantID = review.RestaurantID
	}
	if created.Name == "" {
		created.Name = review.Name
		created.Rating = review.Rating
		created.Comments = review.Comments
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = review.CreatedAt
		created.UpdatedAt = review.UpdatedAt
	}
	return created, nil
}

// PutFavoriteStatus records the favorite flag of a restaurant remotely.
func (c *Client) PutFavoriteStatus(ctx context.Context, id int64, favorite bool) error {
	target := fmt.Sprintf("%s/%d/?is_favorite=%t", strings.TrimRight(c.RestaurantsURL, "/"), id, favorite)
	return c.do(ctx, http.MethodPut, target, nil, "", nil)
}

// reviewBody is the POST payload; timestamps are assigned by the server.
type reviewBody struct {
	RestaurantID int64  `json:"restaurant_id"`
	Name         string `json:"name"`
	Rating       int64  `json:"rating"`
	Comments     string `json:"comments"`
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%w: failed to create HTTP request: %v", records.ErrRemoteUnavailable, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: failed to get token: %v", records.ErrRemoteUnavailable, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		c.logger.Debug("Remote request failed", "method", method, "url", target, "error", err)
		return fmt.Errorf("%w: failed to send HTTP request: %v", records.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("Remote returned error status", "method", method, "url", target, "status", resp.StatusCode)
		return fmt.Errorf("%w: server returned status %d: %s", records.ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A write accepted without a body leaves out untouched.
		if errors.Is(err, io.EOF) && method != http.MethodGet {
			return nil
		}
		return fmt.Errorf("%w: failed to decode response: %v", records.ErrRemoteUnavailable, err)
	}
	return nil
}
