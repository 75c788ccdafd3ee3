// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/template"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the engine file passed with --config.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Profiles    []device.Profile  `yaml:"profiles"     validate:"dive"`
	Templates   map[string]string `yaml:"templates"`
	TemplateDir string            `yaml:"template_dir"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Schedules   []Schedule        `yaml:"schedules"    validate:"dive"`
	Retention   RetentionConfig   `yaml:"retention"`
}

type EngineConfig struct {
	MaxConcurrency int64         `yaml:"max_concurrency" validate:"gte=1"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gte=0"`
}

// GatewayConfig points at the device command service. Without a URL,
// commands run in dry-run mode.
type GatewayConfig struct {
	URL   string `yaml:"url"   validate:"omitempty,url"`
	Token string `yaml:"token"`
}

// Schedule starts the published version of a group on a cron expression.
type Schedule struct {
	Name              string         `yaml:"name"                validate:"required"`
	Cron              string         `yaml:"cron"                validate:"required"`
	DefinitionGroupID string         `yaml:"definition_group_id" validate:"required"`
	Variables         map[string]any `yaml:"variables"`
}

// RetentionConfig controls the sweeper. A zero MaxAge keeps everything.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"  validate:"gte=0"`
	Schedule string        `yaml:"schedule"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxConcurrency: 16,
			DefaultTimeout: 30 * time.Second,
		},
		Retention: RetentionConfig{
			Schedule: "@every 1h",
		},
	}
}

// Load reads path, expands environment references, fills unset fields
// from Default and validates the result. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse([]byte(os.ExpandEnv(string(data))))
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := mergo.Merge(&cfg, Default()); err != nil {
		return Config{}, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	names := make(map[string]struct{}, len(c.Schedules))
	for i, schedule := range c.Schedules {
		if _, err := cron.ParseStandard(schedule.Cron); err != nil {
			return fmt.Errorf("%w: schedules[%d]: cron %q: %w", ErrInvalidConfig, i, schedule.Cron, err)
		}

		if _, dup := names[schedule.Name]; dup {
			return fmt.Errorf("%w: schedules[%d]: duplicate name %q", ErrInvalidConfig, i, schedule.Name)
		}

		names[schedule.Name] = struct{}{}
	}

	if c.Retention.MaxAge > 0 {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return fmt.Errorf("%w: retention schedule %q: %w", ErrInvalidConfig, c.Retention.Schedule, err)
		}
	}

	return nil
}

func (c *Config) DeviceProfiles() (*device.Profiles, error) {
	return device.NewProfiles(c.Profiles)
}

// TemplateLibrary parses the inline templates and then the template
// directory; a file wins over an inline template of the same name.
func (c *Config) TemplateLibrary() (*template.Library, error) {
	library := template.NewLibrary()

	for name, body := range c.Templates {
		if err := library.Add(name, body); err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
	}

	if c.TemplateDir != "" {
		if err := library.LoadDir(c.TemplateDir); err != nil {
			return nil, err
		}
	}

	return library, nil
}
