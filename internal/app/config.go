package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPath string // run configuration (.hcl)
	ParamsPath string // optional YAML parameter overlay
	ResumePath string // prior run's ledger file or run directory

	WorkDir string // overrides the run configuration's work_dir
	Branch  string // restricts the run to one pipeline branch

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
