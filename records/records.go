// Package records holds the restaurant, review and pending-review records
// shared by the local store, the remote gateway and the sync engine.
//
// Decoding a record is also where it is canonicalized: the remote API is
// loose about types, so the JSON hooks below fold every accepted spelling
// into one Go value. Nothing downstream has to patch missing fields.
package records

import (
	"fmt"
	"strings"
	"time"
)

// LatLng is a restaurant position as served by the API ("latlng": {"lat","lng"}).
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Restaurant is a restaurant listing. ID is the server primary key.
type Restaurant struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Neighborhood   string            `json:"neighborhood"`
	CuisineType    string            `json:"cuisine_type"`
	Address        string            `json:"address"`
	LatLng         LatLng            `json:"latlng"`
	Photograph     string            `json:"photograph,omitempty"`
	OperatingHours map[string]string `json:"operating_hours,omitempty"`
	IsFavorite     Flag              `json:"is_favorite"`
	CreatedAt      Timestamp         `json:"createdAt"`
	UpdatedAt      Timestamp         `json:"updatedAt"`
}

// Review is a restaurant review. ID is zero until the server assigns one.
type Review struct {
	ID           int64     `json:"id,omitempty"`
	RestaurantID FlexInt   `json:"restaurant_id"`
	Name         string    `json:"name"`
	Rating       FlexInt   `json:"rating"`
	Comments     string    `json:"comments"`
	CreatedAt    Timestamp `json:"createdAt"`
	UpdatedAt    Timestamp `json:"updatedAt"`

	// Pending marks a review that is still waiting in the local queue.
	Pending bool `json:"-"`
}

// PendingReview is a review that could not reach the remote yet.
type PendingReview struct {
	Num         int64     // local auto-increment surrogate key
	ClientToken string    // idempotency key sent on replay
	Review      Review    // the review as submitted
	QueuedAt    time.Time // when the review entered the queue
}

// ReviewInput is a review as entered by the user, before validation.
type ReviewInput struct {
	RestaurantID int64
	Name         string
	Rating       int
	Comments     string
}

const (
	MinRating = 1
	MaxRating = 5
)

// Validate checks the input and returns a ready-to-send Review.
func (in ReviewInput) Validate(now time.Time) (Review, error) {
	name := strings.TrimSpace(in.Name)
	comments := strings.TrimSpace(in.Comments)

	if in.RestaurantID <= 0 {
		return Review{}, fmt.Errorf("%w: invalid restaurant id %d", ErrValidation, in.RestaurantID)
	}
	if name == "" {
		return Review{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if comments == "" {
		return Review{}, fmt.Errorf("%w: comments are required", ErrValidation)
	}
	if in.Rating < MinRating || in.Rating > MaxRating {
		return Review{}, fmt.Errorf("%w: rating %d out of range %d-%d", ErrValidation, in.Rating, MinRating, MaxRating)
	}

	ts := NewTimestamp(now)
	return Review{
		RestaurantID: FlexInt(in.RestaurantID),
		Name:         name,
		Rating:       FlexInt(in.Rating),
		Comments:     comments,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}, nil
}

// URLForRestaurant returns the restaurant details page URL.
func URLForRestaurant(r Restaurant) string {
	return fmt.Sprintf("./restaurant.html?id=%d", r.ID)
}

// ImageURLForRestaurant returns the restaurant image URL, or the placeholder
// image when the restaurant has no photograph.
func ImageURLForRestaurant(r Restaurant) string {
	if r.Photograph == "" {
		return "/img/noimage.jpg"
	}
	return fmt.Sprintf("/img/%s.jpg", r.Photograph)
}
