// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/warp/drug-budget/budget"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" validate:"required"`
	Database DatabaseConfig `yaml:"database" validate:"required"`
	Log      LogConfig      `yaml:"log"`
	CORS     CORSConfig     `yaml:"cors"`
	Budget   BudgetConfig   `yaml:"budget"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,required"`
}

type BudgetConfig struct {
	MainBudgetID           int64 `yaml:"main_budget_id" validate:"gt=0"`
	MinFiscalYear          int   `yaml:"min_fiscal_year" validate:"gt=0"`
	MinJustificationLength int   `yaml:"min_justification_length" validate:"gte=0"`
	ValidateOnSubmit       *bool `yaml:"validate_on_submit"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	rules := budget.DefaultRules()
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{Path: "./data/budget.db"},
		Log:      LogConfig{Level: "info"},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Budget: BudgetConfig{
			MainBudgetID:           rules.MainBudgetID,
			MinFiscalYear:          rules.MinFiscalYear,
			MinJustificationLength: rules.MinJustificationLength,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return fmt.Errorf("invalid config: %s fails %q (value %v)", f.Namespace(), f.Tag(), f.Value())
	}
	return err
}

// Rules maps the budget section onto engine rules.
func (c Config) Rules() budget.Rules {
	rules := budget.DefaultRules()
	rules.MainBudgetID = c.Budget.MainBudgetID
	rules.MinFiscalYear = c.Budget.MinFiscalYear
	rules.MinJustificationLength = c.Budget.MinJustificationLength
	if c.Budget.ValidateOnSubmit != nil {
		rules.ValidateOnSubmit = *c.Budget.ValidateOnSubmit
	}
	return rules
}

// Logger builds a zap logger at the configured level.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
