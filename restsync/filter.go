package restsync

import "github.com/flaura42/RestaurantReviews/records"

// All is the select value meaning "do not filter on this field".
const All = "all"

// Filter narrows a restaurant list in memory. Empty or All fields match
// everything.
type Filter struct {
	Cuisine       string
	Neighborhood  string
	FavoritesOnly bool
}

// Match reports whether r passes the filter.
func (f Filter) Match(r records.Restaurant) bool {
	if f.Cuisine != "" && f.Cuisine != All && r.CuisineType != f.Cuisine {
		return false
	}
	if f.Neighborhood != "" && f.Neighborhood != All && r.Neighborhood != f.Neighborhood {
		return false
	}
	if f.FavoritesOnly && !bool(r.IsFavorite) {
		return false
	}
	return true
}

// Apply returns the matching restaurants in their original order.
func (f Filter) Apply(rs []records.Restaurant) []records.Restaurant {
	out := make([]records.Restaurant, 0, len(rs))
	for _, r := range rs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Neighborhoods projects the neighborhood field, keeping first-seen order.
func Neighborhoods(rs []records.Restaurant) []string {
	return distinct(rs, func(r records.Restaurant) string { return r.Neighborhood })
}

// Cuisines projects the cuisine field, keeping first-seen order.
func Cuisines(rs []records.Restaurant) []string {
	return distinct(rs, func(r records.Restaurant) string { return r.CuisineType })
}

func distinct(rs []records.Restaurant, field func(records.Restaurant) string) []string {
	seen := make(map[string]struct{}, len(rs))
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		v := field(r)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
