// Package config loads application configuration from file and environment.
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
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Ingest IngestConfig `yaml:"ingest" mapstructure:"ingest"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// IngestConfig configures the batch ingestion pipeline.
type IngestConfig struct {
	ContractPath string            `yaml:"contract_path" mapstructure:"contract_path"`
	Workers      int               `yaml:"workers" mapstructure:"workers"`
	BatchSize    int               `yaml:"batch_size" mapstructure:"batch_size"`
	Thresholds   ThresholdConfig   `yaml:"thresholds" mapstructure:"thresholds"`
	Maintenance  MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
}

// ThresholdConfig holds validation and reconciliation thresholds.
// The PSF tolerances and the IQR multiplier are domain policy, not structural
// constants, so they stay configurable.
type ThresholdConfig struct {
	MinRows              int     `yaml:"min_rows" mapstructure:"min_rows"`
	ParseRateMin         float64 `yaml:"parse_rate_min" mapstructure:"parse_rate_min"`
	PSFAbsTolerance      float64 `yaml:"psf_abs_tolerance" mapstructure:"psf_abs_tolerance"`
	PSFRelTolerance      float64 `yaml:"psf_rel_tolerance" mapstructure:"psf_rel_tolerance"`
	PSFDivergenceMax     float64 `yaml:"psf_divergence_max" mapstructure:"psf_divergence_max"`
	RegionMismatchMax    float64 `yaml:"region_mismatch_max" mapstructure:"region_mismatch_max"`
	PriceMin             float64 `yaml:"price_min" mapstructure:"price_min"`
	PriceMax             float64 `yaml:"price_max" mapstructure:"price_max"`
	AreaMinSqft          float64 `yaml:"area_min_sqft" mapstructure:"area_min_sqft"`
	AreaMaxSqft          float64 `yaml:"area_max_sqft" mapstructure:"area_max_sqft"`
	BulkSaleAreaSqft     float64 `yaml:"bulk_sale_area_sqft" mapstructure:"bulk_sale_area_sqft"`
	OutlierIQRMultiplier float64 `yaml:"outlier_iqr_multiplier" mapstructure:"outlier_iqr_multiplier"`
}

// MaintenanceConfig configures post-promotion maintenance tasks.
type MaintenanceConfig struct {
	LookupBatchSize int `yaml:"lookup_batch_size" mapstructure:"lookup_batch_size"`
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

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ingest.contract_path", "contract.yaml")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.batch_size", 5000)
	v.SetDefault("ingest.thresholds.min_rows", 100)
	v.SetDefault("ingest.thresholds.parse_rate_min", 0.97)
	v.SetDefault("ingest.thresholds.psf_abs_tolerance", 3.0)
	v.SetDefault("ingest.thresholds.psf_rel_tolerance", 0.005)
	v.SetDefault("ingest.thresholds.psf_divergence_max", 0.25)
	v.SetDefault("ingest.thresholds.region_mismatch_max", 0.10)
	v.SetDefault("ingest.thresholds.price_min", 50_000)
	v.SetDefault("ingest.thresholds.price_max", 200_000_000)
	v.SetDefault("ingest.thresholds.area_min_sqft", 100)
	v.SetDefault("ingest.thresholds.area_max_sqft", 500_000)
	v.SetDefault("ingest.thresholds.bulk_sale_area_sqft", 10_000)
	v.SetDefault("ingest.thresholds.outlier_iqr_multiplier", 5.0)
	v.SetDefault("ingest.maintenance.lookup_batch_size", 500)

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
