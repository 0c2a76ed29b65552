// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Minimise struct {
		FuncTol  float64 `env:"MIN_FUNC_TOL" envDefault:"1e-25"`
		GradTol  float64 `env:"MIN_GRAD_TOL" envDefault:"-1"`
		MaxIter  int     `env:"MIN_MAX_ITER" envDefault:"10000"`
		Delta0   float64 `env:"MIN_DELTA0" envDefault:"1.0"`
		DeltaMax float64 `env:"MIN_DELTA_MAX" envDefault:"1e5"`
		Eta      float64 `env:"MIN_ETA" envDefault:"0.2"`
		LSC      float64 `env:"MIN_LS_C" envDefault:"1e-4"`
		LSRho    float64 `env:"MIN_LS_RHO" envDefault:"0.5"`
		LSAInit  float64 `env:"MIN_LS_A_INIT" envDefault:"1.0"`
	}
	Grid struct {
		// Workers of zero selects the number of CPUs.
		Workers   int `env:"GRID_WORKERS" envDefault:"0"`
		MaxPoints int `env:"GRID_MAX_POINTS" envDefault:"100000000"`
	}
	// RunHistory is the number of finished runs kept for inspection.
	RunHistory int `env:"RUN_HISTORY" envDefault:"100"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Grid.Workers <= 0 {
		cfg.Grid.Workers = runtime.NumCPU()
	}
	if cfg.RunHistory < 1 {
		return nil, fmt.Errorf("RUN_HISTORY must be positive, got %d", cfg.RunHistory)
	}

	return cfg, nil
}

// Settings returns minimisation settings populated from the configured
// defaults. The algorithm and starting point are left for the caller.
func (c *Config) Settings() optimization.Settings {
	s := optimization.DefaultSettings()
	s.FuncTol = c.Minimise.FuncTol
	s.GradTol = c.Minimise.GradTol
	s.MaxIter = c.Minimise.MaxIter
	s.TrustRegion.Delta0 = c.Minimise.Delta0
	s.TrustRegion.DeltaMax = c.Minimise.DeltaMax
	s.TrustRegion.Eta = c.Minimise.Eta
	s.LineSearch.C = c.Minimise.LSC
	s.LineSearch.Rho = c.Minimise.LSRho
	s.LineSearch.AInit = c.Minimise.LSAInit
	s.Grid.Workers = c.Grid.Workers
	s.Grid.MaxPoints = c.Grid.MaxPoints
	return s
}
