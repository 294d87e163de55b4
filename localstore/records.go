package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flaura42/RestaurantReviews/records"
)

// pendingPayload is the stored shape of a queued review.
type pendingPayload struct {
	ClientToken string         `json:"client_token"`
	QueuedAt    time.Time      `json:"queued_at"`
	Review      records.Review `json:"review"`
}

// Restaurants returns every stored restaurant in id order.
func (s *Store) Restaurants(ctx context.Context) ([]records.Restaurant, error) {
	entries, err := s.GetAll(ctx, Restaurants)
	if err != nil {
		return nil, err
	}
	out := make([]records.Restaurant, 0, len(entries))
	for _, e := range entries {
		var r records.Restaurant
		if err := json.Unmarshal(e.Payload, &r); err != nil {
			return nil, fmt.Errorf("%w: corrupt restaurant %d: %v", records.ErrLocalStoreUnavailable, e.Key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// PutRestaurants upserts restaurants by id.
func (s *Store) PutRestaurants(ctx context.Context, rs []records.Restaurant) error {
	entries := make([]Entry, 0, len(rs))
	for _, r := range rs {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal restaurant %d: %w", r.ID, err)
		}
		entries = append(entries, Entry{Key: r.ID, Payload: payload})
	}
	_, err := s.PutAll(ctx, Restaurants, entries)
	return err
}

// MergeRestaurants upserts restaurants fetched from the remote inside one
// transaction. Rows already stored keep their local favorite flag, which is
// authoritative. The merged records are returned in input order.
func (s *Store) MergeRestaurants(ctx context.Context, rs []records.Restaurant) ([]records.Restaurant, error) {
	if err := s.checkCollection(Restaurants); err != nil {
		return nil, err
	}
	merged := make([]records.Restaurant, 0, len(rs))
	if len(rs) == 0 {
		return merged, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin merge on restaurants: %v", records.ErrLocalStoreUnavailable, err)
	}
	defer tx.Rollback()

	for _, r := range rs {
		var payload string
		err := tx.QueryRowContext(ctx, `SELECT payload FROM restaurants WHERE id = ?`, r.ID).Scan(&payload)
		switch {
		case err == nil:
			var stored records.Restaurant
			if err := json.Unmarshal([]byte(payload), &stored); err != nil {
				return nil, fmt.Errorf("%w: corrupt restaurant %d: %v", records.ErrLocalStoreUnavailable, r.ID, err)
			}
			r.IsFavorite = stored.IsFavorite
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("%w: failed to read restaurant %d: %v", records.ErrLocalStoreUnavailable, r.ID, err)
		}

		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal restaurant %d: %w", r.ID, err)
		}
		if _, err := putInTx(ctx, tx, Restaurants, Entry{Key: r.ID, Payload: data}); err != nil {
			return nil, err
		}
		merged = append(merged, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit merge on restaurants: %v", records.ErrLocalStoreUnavailable, err)
	}
	return merged, nil
}

// UpdateRestaurant applies fn to the stored restaurant inside one
// transaction and returns the stored result. It fails with
// records.ErrNotFound when the id is not stored.
func (s *Store) UpdateRestaurant(ctx context.Context, id int64, fn func(*records.Restaurant) error) (records.Restaurant, error) {
	var updated records.Restaurant
	err := s.update(ctx, Restaurants, id, func(payload json.RawMessage) (json.RawMessage, error) {
		if err := json.Unmarshal(payload, &updated); err != nil {
			return nil, fmt.Errorf("%w: corrupt restaurant %d: %v", records.ErrLocalStoreUnavailable, id, err)
		}
		if err := fn(&updated); err != nil {
			return nil, err
		}
		updated.ID = id
		return json.Marshal(updated)
	})
	if err != nil {
		return records.Restaurant{}, err
	}
	return updated, nil
}

// Reviews returns the mirrored reviews of one restaurant in id order.
func (s *Store) Reviews(ctx context.Context, restaurantID int64) ([]records.Review, error) {
	entries, err := s.GetByRef(ctx, Reviews, restaurantID)
	if err != nil {
		return nil, err
	}
	out := make([]records.Review, 0, len(entries))
	for _, e := range entries {
		var r records.Review
		if err := json.Unmarshal(e.Payload, &r); err != nil {
			return nil, fmt.Errorf("%w: corrupt review %d: %v", records.ErrLocalStoreUnavailable, e.Key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// PutReviews upserts server-keyed reviews. Reviews without an id cannot be
// mirrored and are rejected.
func (s *Store) PutReviews(ctx context.Context, rs []records.Review) error {
	entries := make([]Entry, 0, len(rs))
	for _, r := range rs {
		if r.ID == 0 {
			return fmt.Errorf("%w: review without server id cannot be mirrored", records.ErrLocalStoreUnavailable)
		}
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal review %d: %w", r.ID, err)
		}
		entries = append(entries, Entry{Key: r.ID, Ref: int64(r.RestaurantID), Payload: payload})
	}
	_, err := s.PutAll(ctx, Reviews, entries)
	return err
}

// Enqueue stores a review that could not be sent and returns its queue
// record. clientToken is the idempotency key used on replay; an empty token
// gets a fresh one.
func (s *Store) Enqueue(ctx context.Context, r records.Review, clientToken string) (records.PendingReview, error) {
	if clientToken == "" {
		clientToken = uuid.New().String()
	}
	p := pendingPayload{
		ClientToken: clientToken,
		QueuedAt:    time.Now().UTC(),
		Review:      r,
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return records.PendingReview{}, fmt.Errorf("failed to marshal pending review: %w", err)
	}
	num, err := s.Put(ctx, PendingReviews, Entry{Ref: int64(r.RestaurantID), Payload: payload})
	if err != nil {
		return records.PendingReview{}, err
	}
	s.logger.Debug("Review queued", "num", num, "restaurant_id", int64(r.RestaurantID))
	return records.PendingReview{Num: num, ClientToken: p.ClientToken, Review: r, QueuedAt: p.QueuedAt}, nil
}

// Pending returns every queued review in the order the store enumerates them.
func (s *Store) Pending(ctx context.Context) ([]records.PendingReview, error) {
	entries, err := s.GetAll(ctx, PendingReviews)
	if err != nil {
		return nil, err
	}
	return decodePending(entries)
}

// PendingFor returns the queued reviews of one restaurant.
func (s *Store) PendingFor(ctx context.Context, restaurantID int64) ([]records.PendingReview, error) {
	entries, err := s.GetByRef(ctx, PendingReviews, restaurantID)
	if err != nil {
		return nil, err
	}
	return decodePending(entries)
}

func decodePending(entries []Entry) ([]records.PendingReview, error) {
	out := make([]records.PendingReview, 0, len(entries))
	for _, e := range entries {
		var p pendingPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: corrupt pending review %d: %v", records.ErrLocalStoreUnavailable, e.Key, err)
		}
		out = append(out, records.PendingReview{
			Num:         e.Key,
			ClientToken: p.ClientToken,
			Review:      p.Review,
			QueuedAt:    p.QueuedAt,
		})
	}
	return out, nil
}

// Dequeue removes a queued review once it has been replayed.
func (s *Store) Dequeue(ctx context.Context, num int64) error {
	return s.Delete(ctx, PendingReviews, num)
}

// PendingCount returns the number of queued reviews.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.Count(ctx, PendingReviews)
}
