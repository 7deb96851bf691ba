package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "fixture", cfg.DriverMode)
	assert.Equal(t, 3, cfg.MaxReviewIterations)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SHIRABE_PORT", "9090")
	t.Setenv("SHIRABE_MAX_PERSPECTIVES", "7")
	t.Setenv("SHIRABE_READ_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 7, cfg.MaxPerspectives)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
}

func TestValidate_Rejections(t *testing.T) {
	t.Setenv("SHIRABE_DRIVER", "telepathy")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SHIRABE_DRIVER", "live")
	_, err = Load()
	require.Error(t, err, "live driver without endpoint")

	t.Setenv("SHIRABE_DRIVER_ENDPOINT", "http://localhost:9000")
	_, err = Load()
	require.NoError(t, err)
}

func TestLimits_DerivedFromConfig(t *testing.T) {
	t.Setenv("SHIRABE_MAX_SUMMARY_BYTES", "1024")
	cfg, err := Load()
	require.NoError(t, err)

	limits := cfg.Limits()
	assert.Equal(t, 1024, limits.MaxSummaryBytes)
	assert.NotEmpty(t, limits.StageTimeouts)
}
