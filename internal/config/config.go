package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amuif/derma-scan/internal/scanning"
)

const DefaultBaseURL = "https://derma-scan-backend-h0vm.onrender.com/api"

type Config struct {
	Backend struct {
		BaseURL string        `yaml:"baseURL"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"backend"`

	Upload struct {
		MaxDimension int `yaml:"maxDimension"`
		JPEGQuality  int `yaml:"jpegQuality"`
	} `yaml:"upload"`

	Quality struct {
		Policy string `yaml:"policy"`
	} `yaml:"quality"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.Backend.BaseURL = DefaultBaseURL
	cfg.Backend.Timeout = scanning.DefaultTimeout
	cfg.Upload.MaxDimension = scanning.DefaultMaxDimension
	cfg.Upload.JPEGQuality = scanning.DefaultJPEGQuality
	cfg.Quality.Policy = "standard"
	cfg.Store.Path = "dermascan.db"
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return &cfg
}

// Load reads the YAML file at path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every value is usable
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("backend.baseURL is required"))
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout must not be negative, got %s", c.Backend.Timeout))
	}
	if c.Upload.MaxDimension < scanning.MinImageDimension {
		errs = append(errs, fmt.Errorf("upload.maxDimension must be at least %d, got %d", scanning.MinImageDimension, c.Upload.MaxDimension))
	}
	if c.Upload.JPEGQuality < 1 || c.Upload.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("upload.jpegQuality must be between 1 and 100, got %d", c.Upload.JPEGQuality))
	}
	if _, err := scanning.PolicyByName(c.Quality.Policy); err != nil {
		errs = append(errs, fmt.Errorf("quality.policy: %w", err))
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the image quality policy named in the config
func (c *Config) Policy() scanning.QualityPolicy {
	policy, err := scanning.PolicyByName(c.Quality.Policy)
	if err != nil {
		return scanning.DefaultPolicy()
	}
	return policy
}
