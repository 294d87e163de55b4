package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flaura42/RestaurantReviews/internal/auth"
	"github.com/flaura42/RestaurantReviews/records"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/restaurants", srv.URL+"/reviews/", nil), srv
}

func TestFetchRestaurants(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/restaurants", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"name":"A","neighborhood":"X","cuisine_type":"Y"},{"id":2,"name":"B","is_favorite":"true"}]`))
	})

	rs, err := c.FetchRestaurants(context.Background())
	require.NoError(t, err)
	require.Len(t, rs, 2)
	require.Equal(t, "A", rs[0].Name)
	require.False(t, bool(rs[0].IsFavorite))
	require.True(t, bool(rs[1].IsFavorite))
}

func TestFetchReviewsQuery(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reviews/", r.URL.Path)
		assert.Equal(t, "4", r.URL.Query().Get("restaurant_id"))
		_, _ = w.Write([]byte(`[{"id":10,"restaurant_id":4,"name":"n","rating":5,"comments":"c"}]`))
	})

	rs, err := c.FetchReviews(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.Equal(t, records.FlexInt(4), rs[0].RestaurantID)
}

func TestPostReview(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "token-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(3), body["restaurant_id"])
		assert.Equal(t, "Ann", body["name"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42,"restaurant_id":"3","name":"Ann","rating":"4","comments":"fine","createdAt":1530000000000}`))
	})
	c.Token = func(context.Context) (string, error) { return "secret", nil }

	created, err := c.PostReview(context.Background(), records.Review{RestaurantID: 3, Name: "Ann", Rating: 4, Comments: "fine"}, "token-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), created.ID)
	require.Equal(t, records.FlexInt(4), created.Rating)
	require.False(t, created.CreatedAt.IsZero())
}

func TestPostReviewAcceptedWithoutBody(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusNoContent} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})

			sent := records.Review{RestaurantID: 3, Name: "Ann", Rating: 4, Comments: "fine"}
			created, err := c.PostReview(context.Background(), sent, "token-1")
			require.NoError(t, err)
			require.Zero(t, created.ID)
			require.Equal(t, sent.RestaurantID, created.RestaurantID)
			require.Equal(t, "Ann", created.Name)
			require.Equal(t, "fine", created.Comments)
		})
	}
}

func TestFetchRestaurantsEmptyBodyFails(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_, err := c.FetchRestaurants(context.Background())
	require.True(t, errors.Is(err, records.ErrRemoteUnavailable))
}

func TestPutFavoriteStatusURL(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/restaurants/7/", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("is_favorite"))
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, c.PutFavoriteStatus(context.Background(), 7, true))
}

func TestFailuresAreRemoteUnavailable(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		_, err := c.FetchRestaurants(context.Background())
		require.True(t, errors.Is(err, records.ErrRemoteUnavailable))
		require.Contains(t, err.Error(), "500")
	})

	t.Run("malformed body", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[{"id":`))
		})
		_, err := c.FetchRestaurants(context.Background())
		require.True(t, errors.Is(err, records.ErrRemoteUnavailable))
	})

	t.Run("unreachable", func(t *testing.T) {
		c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		srv.Close()
		_, err := c.FetchReviews(context.Background(), 1)
		require.True(t, errors.Is(err, records.ErrRemoteUnavailable))
		err = c.PutFavoriteStatus(context.Background(), 1, false)
		require.True(t, errors.Is(err, records.ErrRemoteUnavailable))
	})

	t.Run("token failure", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		c.Token = func(context.Context) (string, error) { return "", errors.New("signed out") }
		_, err := c.PostReview(context.Background(), records.Review{RestaurantID: 1}, "")
		require.True(t, errors.Is(err, records.ErrRemoteUnavailable))
	})
}

// requireBearer rejects requests whose bearer token does not validate with
// jwtAuth and records the device id it carries.
func requireBearer(t *testing.T, jwtAuth *auth.JWTAuth, devices *[]string, next http.HandlerFunc) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		claims, err := jwtAuth.ValidateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		*devices = append(*devices, claims.DeviceID)
		next(w, r)
	}
}

func TestBearerTokenFromTokenSource(t *testing.T) {
	jwtAuth := auth.NewJWTAuth("test-secret")
	var devices []string
	c, _ := newTestClient(t, requireBearer(t, jwtAuth, &devices, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))

	_, err := c.FetchRestaurants(context.Background())
	require.True(t, errors.Is(err, records.ErrRemoteUnavailable))
	require.Contains(t, err.Error(), "401")

	c.Token = auth.NewTokenSource(jwtAuth, "reviewer-1", "device-1", time.Hour).Token
	rs, err := c.FetchRestaurants(context.Background())
	require.NoError(t, err)
	require.Empty(t, rs)
	require.Equal(t, []string{"device-1"}, devices)
}
