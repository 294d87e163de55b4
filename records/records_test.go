package records

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRestaurantFavoriteCanonicalization(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"missing", `{"id":1,"name":"A"}`, false},
		{"null", `{"id":1,"is_favorite":null}`, false},
		{"bool true", `{"id":1,"is_favorite":true}`, true},
		{"bool false", `{"id":1,"is_favorite":false}`, false},
		{"string true", `{"id":1,"is_favorite":"true"}`, true},
		{"string false", `{"id":1,"is_favorite":"false"}`, false},
		{"empty string", `{"id":1,"is_favorite":""}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var r Restaurant
			require.NoError(t, json.Unmarshal([]byte(tc.body), &r))
			require.Equal(t, tc.want, bool(r.IsFavorite))

			// Re-encoding always yields a JSON boolean.
			out, err := json.Marshal(r)
			require.NoError(t, err)
			var generic map[string]any
			require.NoError(t, json.Unmarshal(out, &generic))
			require.IsType(t, true, generic["is_favorite"])
		})
	}
}

func TestRestaurantFavoriteRejectsGarbage(t *testing.T) {
	var r Restaurant
	err := json.Unmarshal([]byte(`{"id":1,"is_favorite":"maybe"}`), &r)
	require.Error(t, err)
}

func TestReviewLooseTypes(t *testing.T) {
	body := `{"id":7,"restaurant_id":"3","name":"Ann","rating":"4","comments":"ok",
		"createdAt":1504095567183,"updatedAt":"2018-06-01T10:00:00.000Z"}`

	var r Review
	require.NoError(t, json.Unmarshal([]byte(body), &r))
	require.Equal(t, int64(7), r.ID)
	require.Equal(t, FlexInt(3), r.RestaurantID)
	require.Equal(t, FlexInt(4), r.Rating)
	require.Equal(t, time.UnixMilli(1504095567183).UTC(), r.CreatedAt.Time)
	require.Equal(t, time.Date(2018, 6, 1, 10, 0, 0, 0, time.UTC), r.UpdatedAt.Time)
}

func TestTimestampNullRoundTrip(t *testing.T) {
	var r Review
	require.NoError(t, json.Unmarshal([]byte(`{"createdAt":null}`), &r))
	require.True(t, r.CreatedAt.IsZero())

	out, err := json.Marshal(r.CreatedAt)
	require.NoError(t, err)
	require.Equal(t, "null", string(out))
}

func TestReviewInputValidate(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	valid := ReviewInput{RestaurantID: 2, Name: "  Bob ", Rating: 5, Comments: " great "}
	r, err := valid.Validate(now)
	require.NoError(t, err)
	require.Equal(t, "Bob", r.Name)
	require.Equal(t, "great", r.Comments)
	require.Equal(t, FlexInt(2), r.RestaurantID)
	require.Equal(t, now, r.CreatedAt.Time)

	invalid := []ReviewInput{
		{RestaurantID: 2, Name: "", Rating: 3, Comments: "x"},
		{RestaurantID: 2, Name: "   ", Rating: 3, Comments: "x"},
		{RestaurantID: 2, Name: "a", Rating: 3, Comments: ""},
		{RestaurantID: 2, Name: "a", Rating: 0, Comments: "x"},
		{RestaurantID: 2, Name: "a", Rating: 6, Comments: "x"},
		{RestaurantID: 0, Name: "a", Rating: 3, Comments: "x"},
	}
	for _, in := range invalid {
		_, err := in.Validate(now)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrValidation), "input %+v", in)
	}
}

func TestURLHelpers(t *testing.T) {
	r := Restaurant{ID: 9, Photograph: "9"}
	require.Equal(t, "./restaurant.html?id=9", URLForRestaurant(r))
	require.Equal(t, "/img/9.jpg", ImageURLForRestaurant(r))
	require.Equal(t, "/img/noimage.jpg", ImageURLForRestaurant(Restaurant{ID: 10}))
}
