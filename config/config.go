// Package config loads runtime settings from CUSTFEAT_* environment
// variables and the mother category rollup from YAML.
//
// Environment variables:
//
//	CUSTFEAT_DATA_DIR=data                 directory or gs://bucket/prefix of the raw tables
//	CUSTFEAT_WINDOW_START=2017-01-01       exclusive window start (empty: unbounded)
//	CUSTFEAT_WINDOW_END=2018-01-01         inclusive window end (empty: unbounded)
//	CUSTFEAT_FEATURES=all                  comma separated feature groups
//	CUSTFEAT_PARALLEL=false                run aggregators concurrently
//	CUSTFEAT_ALIGN_ITEMS=false             join items and reviews through windowed orders
//	CUSTFEAT_CATEGORIES=                   rollup YAML (empty: embedded default)
//	CUSTFEAT_LOG_LEVEL=info
//	CUSTFEAT_FLIGHT_ADDR=localhost:8815
//	CUSTFEAT_METRICS_ADDR=:9090
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/TFMV/custfeat/category"
	"github.com/TFMV/custfeat/features"
	"github.com/TFMV/custfeat/query"
)

// Prefix namespaces every environment variable.
const Prefix = "CUSTFEAT"

//go:embed categories.yaml
var defaultRollup []byte

// Config is the runtime configuration.
type Config struct {
	DataDir           string `envconfig:"DATA_DIR" default:"data" validate:"required"`
	WindowStart       string `envconfig:"WINDOW_START"`
	WindowEnd         string `envconfig:"WINDOW_END"`
	Features          string `envconfig:"FEATURES" default:"all"`
	Parallel          bool   `envconfig:"PARALLEL" default:"false"`
	AlignItems        bool   `envconfig:"ALIGN_ITEMS" default:"false"`
	Categories        string `envconfig:"CATEGORIES"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	FlightAddr        string `envconfig:"FLIGHT_ADDR" default:"localhost:8815" validate:"required"`
	MetricsAddr       string `envconfig:"METRICS_ADDR" default:":9090"`
	GCSCredentials    string `envconfig:"GCS_CREDENTIALS"`
	IdentityCacheSize int    `envconfig:"IDENTITY_CACHE_SIZE" default:"16" validate:"min=1"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load yields on an empty environment.
func Default() *Config {
	return &Config{
		DataDir:           "data",
		Features:          "all",
		LogLevel:          "info",
		FlightAddr:        "localhost:8815",
		MetricsAddr:       ":9090",
		IdentityCacheSize: 16,
	}
}

var validate = validator.New()

// Validate checks field constraints and that the window and feature list
// parse.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Window(); err != nil {
		return err
	}
	if _, err := c.FeatureList(); err != nil {
		return err
	}
	return nil
}

// Window returns the configured time window. Either bound may be left empty
// to leave that side unbounded.
func (c *Config) Window() (query.Window, error) {
	return query.ParseWindow(c.WindowStart, c.WindowEnd)
}

// FeatureList parses Features.
func (c *Config) FeatureList() ([]features.Feature, error) {
	return features.ParseFeatures(c.Features)
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}

// ---------------------------------------------------------------------
// Category rollup
// ---------------------------------------------------------------------

// ErrDuplicateCategory is returned when a canonical category is listed under
// more than one mother.
var ErrDuplicateCategory = errors.New("category listed under two mothers")

// LoadRollup reads a mother -> [canonical...] YAML file. An empty path
// loads the embedded default rollup.
func LoadRollup(path string) (category.Rollup, error) {
	data := defaultRollup
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read rollup: %w", err)
		}
	}
	return ParseRollup(data)
}

// ParseRollup decodes rollup YAML.
func ParseRollup(data []byte) (category.Rollup, error) {
	var groups map[string][]string
	if err := yaml.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse rollup: %w", err)
	}

	mothers := make([]string, 0, len(groups))
	for mother := range groups {
		mothers = append(mothers, mother)
	}
	sort.Strings(mothers)

	rollup := make(category.Rollup)
	for _, mother := range mothers {
		if strings.TrimSpace(mother) == "" {
			return nil, errors.New("empty mother category name")
		}
		for _, canonical := range groups[mother] {
			if prev, ok := rollup[canonical]; ok {
				return nil, fmt.Errorf("%w: %q in %q and %q", ErrDuplicateCategory, canonical, prev, mother)
			}
			rollup[canonical] = mother
		}
	}
	return rollup, nil
}
