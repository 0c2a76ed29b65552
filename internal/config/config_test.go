package config

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, runtime.NumCPU(), cfg.Grid.Workers)
	assert.Equal(t, 100, cfg.RunHistory)

	s := cfg.Settings()
	assert.Equal(t, optimization.DefaultFuncTol, s.FuncTol)
	assert.Equal(t, optimization.Off, s.GradTol)
	assert.Equal(t, optimization.DefaultMaxIter, s.MaxIter)
	assert.Equal(t, 1e5, s.TrustRegion.DeltaMax)
	assert.Equal(t, 100_000_000, s.Grid.MaxPoints)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MIN_GRAD_TOL", "1e-8")
	t.Setenv("MIN_MAX_ITER", "50")
	t.Setenv("GRID_WORKERS", "3")
	t.Setenv("HTTP_READ_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	s := cfg.Settings()
	assert.Equal(t, 1e-8, s.GradTol)
	assert.Equal(t, 50, s.MaxIter)
	assert.Equal(t, 3, s.Grid.Workers)
	assert.Equal(t, "5s", cfg.HTTP.ReadTimeout.String())
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("MIN_MAX_ITER", "lots")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("MIN_MAX_ITER", "10")
	t.Setenv("RUN_HISTORY", "0")
	_, err = Load()
	assert.Error(t, err)
}
