// Package config loads the runtime configuration file. The plan describes
// hosts and resources; this file describes where the tool finds the plan
// and how it behaves around it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// DefaultPath is consulted when no --config flag is given.
const DefaultPath = "/etc/geppetto/geppetto.yaml"

// AWS holds credentials selection for secrets and s3 sources.
type AWS struct {
	Profile string `yaml:"profile"`
	Region  string `yaml:"region"`
}

// ConfigRepo points at a git repository holding the plan tree. When set,
// apply syncs it before loading the plan.
type ConfigRepo struct {
	URL    string `yaml:"url" validate:"omitempty,min=1"`
	Path   string `yaml:"path"`
	Branch string `yaml:"branch"`
}

// Config is the full runtime configuration.
type Config struct {
	Plan          string     `yaml:"plan" validate:"required"`
	StateFile     string     `yaml:"state_file" validate:"required"`
	TemplateDir   string     `yaml:"template_dir"`
	LogLevel      string     `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	StopOnFailure bool       `yaml:"stop_on_failure"`
	AWS           AWS        `yaml:"aws"`
	ConfigRepo    ConfigRepo `yaml:"config_repo"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Plan:      "/etc/geppetto/site.gpp",
		StateFile: "/var/lib/geppetto/state.json",
		LogLevel:  "info",
	}
}

// Load reads and validates the configuration at path. A missing file at the
// default path falls back to defaults; an explicitly named missing file is
// an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return Default(), nil
		}
		return nil, geperrors.NewParseError(path, 0, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, geperrors.NewParseError(path, 0, err)
	}

	// Relative paths resolve against the config file's directory, so a
	// repo checkout works from anywhere.
	dir := filepath.Dir(path)
	cfg.Plan = resolve(dir, cfg.Plan)
	cfg.StateFile = resolve(dir, cfg.StateFile)
	cfg.TemplateDir = resolve(dir, cfg.TemplateDir)
	cfg.ConfigRepo.Path = resolve(dir, cfg.ConfigRepo.Path)

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return nil, geperrors.NewValidationError(first.Field(), fmt.Sprintf("failed on rule %s", first.Tag()), err)
		}
		return nil, err
	}
	if cfg.ConfigRepo.URL != "" && cfg.ConfigRepo.Path == "" {
		return nil, geperrors.NewValidationError("config_repo.path", "required when config_repo.url is set", nil)
	}
	return cfg, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
