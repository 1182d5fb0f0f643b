package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides. Nested keys use a double
// underscore: LEDGER_STORAGE__DATABASE_URL sets storage.database_url.
const EnvPrefix = "LEDGER_"

// DefaultPath is read when no explicit config file is given. It may be absent.
const DefaultPath = "configs/ledger.yaml"

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"oneof=development staging production test"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Storage   StorageConfig   `koanf:"storage"`
	Redis     RedisConfig     `koanf:"redis"`
	Signing   SigningConfig   `koanf:"signing"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Report    ReportConfig    `koanf:"report"`
	DSR       DSRConfig       `koanf:"dsr"`
	Export    ExportConfig    `koanf:"export"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

type StorageConfig struct {
	Driver         string `koanf:"driver" validate:"oneof=memory postgres"`
	DatabaseURL    string `koanf:"database_url" validate:"required_if=Driver postgres"`
	MaxConns       int    `koanf:"max_conns" validate:"gte=0"`
	QueryBatchSize int    `koanf:"query_batch_size" validate:"gte=0"`
}

type RedisConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Addr      string        `koanf:"addr" validate:"required_if=Enabled true"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db" validate:"gte=0"`
	RecordTTL time.Duration `koanf:"record_ttl" validate:"gte=0"`
}

// SigningConfig selects the ledger key. Seed wins over MasterSecret; with
// neither an ephemeral key is generated, which is only allowed outside
// production.
type SigningConfig struct {
	KeyID        string `koanf:"key_id" validate:"required"`
	Seed         string `koanf:"seed"`
	MasterSecret string `koanf:"master_secret" validate:"omitempty,min=32"`
	// VerificationKeys maps retired key ids to their public keys (hex or
	// base64) so records signed before a key change still verify.
	VerificationKeys map[string]string `koanf:"verification_keys" validate:"dive,keys,required,endkeys,required"`
}

type LedgerConfig struct {
	AppendTimeout time.Duration `koanf:"append_timeout" validate:"gte=0"`
	// VerifyInterval schedules background chain verification; zero disables it.
	VerifyInterval time.Duration `koanf:"verify_interval" validate:"gte=0"`
	FullSweepEvery int           `koanf:"full_sweep_every" validate:"gte=0"`
}

type ReportConfig struct {
	BulkAccessThreshold int `koanf:"bulk_access_threshold" validate:"gte=0"`
}

type DSRConfig struct {
	AppealWindow          time.Duration `koanf:"appeal_window" validate:"gte=0"`
	MaxAppeals            int           `koanf:"max_appeals" validate:"gte=0"`
	DefaultComplianceType string        `koanf:"default_compliance_type"`
}

type ExportConfig struct {
	S3Bucket   string `koanf:"s3_bucket"`
	S3Prefix   string `koanf:"s3_prefix"`
	S3Region   string `koanf:"s3_region"`
	S3Endpoint string `koanf:"s3_endpoint" validate:"omitempty,url"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint" validate:"required_if=Enabled true"`
	SamplingRate float64 `koanf:"sampling_rate" validate:"gte=0,lte=1"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Defaults returns the configuration used before any file or environment
// override is applied.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Storage: StorageConfig{
			Driver:         DriverMemory,
			MaxConns:       25,
			QueryBatchSize: 500,
		},
		Redis: RedisConfig{
			RecordTTL: time.Hour,
		},
		Signing: SigningConfig{
			KeyID: "ledger-dev",
		},
		Ledger: LedgerConfig{
			AppendTimeout:  5 * time.Second,
			VerifyInterval: 10 * time.Minute,
			FullSweepEvery: 24,
		},
		Report: ReportConfig{
			BulkAccessThreshold: 50,
		},
		DSR: DSRConfig{
			AppealWindow:          30 * 24 * time.Hour,
			MaxAppeals:            1,
			DefaultComplianceType: "gdpr_personal_data",
		},
		Export: ExportConfig{
			S3Prefix: "exports",
			S3Region: "us-east-1",
		},
		Telemetry: TelemetryConfig{
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (DefaultPath when empty), then LEDGER_ environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.IsProduction() && c.Signing.Seed == "" && c.Signing.MasterSecret == "" {
		return fmt.Errorf("invalid config: signing.seed or signing.master_secret is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
