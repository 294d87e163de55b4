package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flaura42/RestaurantReviews/config"
)

func TestLoadDeviceIDIsStable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SQLiteFile = filepath.Join(t.TempDir(), "client.db")

	first, err := loadDeviceID(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := loadDeviceID(cfg)
	require.NoError(t, err)
	require.Equal(t, first, second)

	cfg.DeviceID = "fixed"
	id, err := loadDeviceID(cfg)
	require.NoError(t, err)
	require.Equal(t, "fixed", id)
}
