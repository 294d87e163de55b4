package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flaura42/RestaurantReviews/localstore"
	"github.com/flaura42/RestaurantReviews/restsync"
	"github.com/flaura42/RestaurantReviews/swcache"
)

// Config holds all configuration for the reviews client host
type Config struct {
	// Remote API
	RestaurantsURL string
	ReviewsURL     string
	HTTPTimeout    time.Duration

	// Connectivity
	ProbeURL      string // defaults to RestaurantsURL
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration

	// Sync engine timing
	DrainInterval time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	// Local database
	SQLiteFile    string
	SchemaVersion int

	// Request interception
	ListenAddr       string // proxy listen address; empty disables the proxy
	SiteOrigin       string
	CacheName        string
	CachePrefix      string
	ShellAssets      []string
	PassThroughHosts []string

	// Authentication; an empty secret sends no bearer token
	JWTSecret   string
	UserID      string
	DeviceID    string // generated on first start when empty
	TokenExpiry time.Duration

	// Logging
	Logger *slog.Logger
}

// DefaultConfig returns a configuration matching the local development
// server.
func DefaultConfig() *Config {
	sw := swcache.DefaultConfig()
	return &Config{
		RestaurantsURL: "http://localhost:1337/restaurants",
		ReviewsURL:     "http://localhost:1337/reviews/",
		HTTPTimeout:    30 * time.Second,

		ProbeTimeout:  3 * time.Second,
		ProbeInterval: 15 * time.Second,

		DrainInterval: 30 * time.Second,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,

		SQLiteFile:    "restaurants.db",
		SchemaVersion: localstore.LatestVersion,

		ListenAddr:       "127.0.0.1:8001",
		SiteOrigin:       sw.Origin,
		CacheName:        sw.CacheName,
		CachePrefix:      sw.Prefix,
		ShellAssets:      sw.ShellAssets,
		PassThroughHosts: sw.PassThroughHosts,

		UserID:      "anonymous",
		TokenExpiry: 24 * time.Hour,

		Logger: slog.Default(),
	}
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = d
		return nil
	}

	str("RESTAURANTS_URL", &c.RestaurantsURL)
	str("REVIEWS_URL", &c.ReviewsURL)
	str("PROBE_URL", &c.ProbeURL)
	str("SQLITE_FILE", &c.SQLiteFile)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("SITE_ORIGIN", &c.SiteOrigin)
	str("CACHE_NAME", &c.CacheName)
	str("JWT_SECRET", &c.JWTSecret)
	str("USER_ID", &c.UserID)
	str("DEVICE_ID", &c.DeviceID)
	list("SHELL_ASSETS", &c.ShellAssets)
	list("PASS_THROUGH_HOSTS", &c.PassThroughHosts)

	if v, ok := lookup("SCHEMA_VERSION"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SCHEMA_VERSION %q: %w", v, err)
		}
		c.SchemaVersion = n
	}

	for key, dst := range map[string]*time.Duration{
		"HTTP_TIMEOUT":   &c.HTTPTimeout,
		"PROBE_TIMEOUT":  &c.ProbeTimeout,
		"PROBE_INTERVAL": &c.ProbeInterval,
		"DRAIN_INTERVAL": &c.DrainInterval,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.RestaurantsURL == "" || c.ReviewsURL == "" {
		return fmt.Errorf("restaurants and reviews URLs are required")
	}
	if c.SQLiteFile == "" {
		return fmt.Errorf("sqlite file is required")
	}
	if c.CachePrefix != "" && !strings.HasPrefix(c.CacheName, c.CachePrefix) {
		return fmt.Errorf("cache name %q must start with %q", c.CacheName, c.CachePrefix)
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("invalid backoff range %s..%s", c.BackoffMin, c.BackoffMax)
	}
	return nil
}

// EffectiveProbeURL is the URL the connectivity oracle probes.
func (c *Config) EffectiveProbeURL() string {
	if c.ProbeURL != "" {
		return c.ProbeURL
	}
	return c.RestaurantsURL
}

// SyncConfig derives the sync engine settings.
func (c *Config) SyncConfig() *restsync.Config {
	return &restsync.Config{
		DrainInterval: c.DrainInterval,
		ProbeInterval: c.ProbeInterval,
		BackoffMin:    c.BackoffMin,
		BackoffMax:    c.BackoffMax,
		Logger:        c.Logger,
	}
}

// CacheConfig derives the request interception settings.
func (c *Config) CacheConfig() *swcache.Config {
	return &swcache.Config{
		CacheName:        c.CacheName,
		Prefix:           c.CachePrefix,
		ShellAssets:      c.ShellAssets,
		Origin:           c.SiteOrigin,
		PassThroughHosts: c.PassThroughHosts,
		Logger:           c.Logger,
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
