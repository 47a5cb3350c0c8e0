// Package config loads application configuration and bootstraps logging.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	DB        DBConfig        `yaml:"db" mapstructure:"db"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Normalise NormaliseConfig `yaml:"normalise" mapstructure:"normalise"`
	Spatial   SpatialConfig   `yaml:"spatial" mapstructure:"spatial"`
	Weights   WeightsConfig   `yaml:"weights" mapstructure:"weights"`
	Quality   QualityConfig   `yaml:"quality" mapstructure:"quality"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DBConfig configures the Postgres connection pool.
type DBConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FetchConfig configures source acquisition.
type FetchConfig struct {
	TempDir        string  `yaml:"temp_dir" mapstructure:"temp_dir"`
	LedgerPath     string  `yaml:"ledger_path" mapstructure:"ledger_path"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FTPTimeoutSecs int     `yaml:"ftp_timeout_secs" mapstructure:"ftp_timeout_secs"`
}

// NormaliseConfig configures street-name canonicalisation.
type NormaliseConfig struct {
	StripPunctuation string            `yaml:"strip_punctuation" mapstructure:"strip_punctuation"`
	AliasMap         map[string]string `yaml:"alias_map" mapstructure:"alias_map"`
}

// SpatialConfig configures the reconciliation engine.
type SpatialConfig struct {
	PrimaryRadiusM   float64 `yaml:"primary_radius_m" mapstructure:"primary_radius_m"`
	SecondaryRadiusM float64 `yaml:"secondary_radius_m" mapstructure:"secondary_radius_m"`
	HullBufferM      float64 `yaml:"hull_buffer_m" mapstructure:"hull_buffer_m"`
}

// WeightsConfig points at the frequency-weight vocabulary file.
type WeightsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// QualityConfig holds warning thresholds checked at the end of a build.
// A metric crossing its bound raises a persisted warning that blocks
// publish until acknowledged.
type QualityConfig struct {
	MaxDisagreementRate  float64 `yaml:"max_disagreement_rate" mapstructure:"max_disagreement_rate"`
	MaxUnresolvedRate    float64 `yaml:"max_unresolved_rate" mapstructure:"max_unresolved_rate"`
	MaxLowConfidenceRate float64 `yaml:"max_low_confidence_rate" mapstructure:"max_low_confidence_rate"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")

	// Environment
	v.SetEnvPrefix("STREETBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("db.url", "postgres://localhost:5432/streetbuild")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("fetch.temp_dir", "/tmp/streetbuild")
	v.SetDefault("fetch.ledger_path", "/tmp/streetbuild/downloads.db")
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.timeout_secs", 120)
	v.SetDefault("fetch.ftp_timeout_secs", 30)
	v.SetDefault("normalise.strip_punctuation", ".,'-")
	v.SetDefault("spatial.primary_radius_m", 150.0)
	v.SetDefault("spatial.secondary_radius_m", 150.0)
	v.SetDefault("spatial.hull_buffer_m", 5000.0)
	v.SetDefault("weights.path", "config/frequency_weights.yaml")
	v.SetDefault("quality.max_disagreement_rate", 0.05)
	v.SetDefault("quality.max_unresolved_rate", 0.10)
	v.SetDefault("quality.max_low_confidence_rate", 0.25)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
