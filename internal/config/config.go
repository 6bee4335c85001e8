package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	WorkDir     string           `yaml:"work_dir"`
	StepTimeout time.Duration    `yaml:"step_timeout"` // 0 means no per-step bound
	Source      SourceConfig     `yaml:"source"`
	Warehouse   WarehouseConfig  `yaml:"warehouse"`
	Normalize   NormalizeConfig  `yaml:"normalize"`
	Load        LoadConfig       `yaml:"load"`
	Lock        LockConfig       `yaml:"lock"`
	Catalog     CatalogConfig    `yaml:"catalog"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	Audit       AuditConfig      `yaml:"audit"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Log         LogConfig        `yaml:"log"`
}

// SourceConfig locates the dataset object. Anonymous reads public buckets
// without signing requests; Profile selects a named AWS credentials profile.
type SourceConfig struct {
	Backend   string `yaml:"backend"` // "s3" | "gcs" | "file"
	Bucket    string `yaml:"bucket"`
	Key       string `yaml:"key"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Anonymous bool   `yaml:"anonymous"`
	Profile   string `yaml:"profile"`
}

type WarehouseConfig struct {
	Backend   string `yaml:"backend"` // "snowflake" | "duckdb"
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Role      string `yaml:"role"`
	Warehouse string `yaml:"warehouse"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Table     string `yaml:"table"`

	DuckDBPath string `yaml:"duckdb_path"`
	StageDir   string `yaml:"stage_dir"`
}

type NormalizeConfig struct {
	OnRowError string `yaml:"on_row_error"` // "fail" | "skip"
}

type LoadConfig struct {
	OnRowError      string        `yaml:"on_row_error"` // "skip" | "fail"
	StageRetries    int           `yaml:"stage_retries"`
	StageBackoff    time.Duration `yaml:"stage_backoff"`
	MaxSkippedRows  int64         `yaml:"max_skipped_rows"`
	MaxSkippedRatio float64       `yaml:"max_skipped_ratio"`
}

type LockConfig struct {
	Backend string `yaml:"backend"` // "file" | "postgres" | "none"
	DSN     string `yaml:"dsn"`
}

type CatalogConfig struct {
	DSN string `yaml:"dsn"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"`
}

type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	Pushgateway string `yaml:"pushgateway"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise. It names no bucket or account.
func Default() Config {
	return Config{
		WorkDir: filepath.Join(os.TempDir(), "listings-etl"),
		Source: SourceConfig{
			Backend: "s3",
			Region:  "eu-west-1",
		},
		Warehouse: WarehouseConfig{
			Backend:  "snowflake",
			Table:    "listings",
			StageDir: "./stage",
		},
		Normalize: NormalizeConfig{OnRowError: "fail"},
		Load: LoadConfig{
			OnRowError:   "skip",
			StageRetries: 3,
			StageBackoff: time.Second,
		},
		Lock:       LockConfig{Backend: "file"},
		Checkpoint: CheckpointConfig{Enabled: true, Dir: "./state"},
		Audit:      AuditConfig{Dir: "./audit"},
		Metrics:    MetricsConfig{Address: ":9090"},
		Log:        LogConfig{Format: "text", Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
func Load(path string) (Config, error) {
	slog.Debug("loading config", "path", path)

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.WorkDir, "ETL_WORK_DIR")
	setDuration(&cfg.StepTimeout, "ETL_STEP_TIMEOUT")

	setString(&cfg.Source.Backend, "SOURCE_BACKEND")
	setString(&cfg.Source.Bucket, "SOURCE_BUCKET")
	setString(&cfg.Source.Key, "SOURCE_KEY")
	setString(&cfg.Source.Region, "SOURCE_REGION")
	setString(&cfg.Source.Endpoint, "SOURCE_ENDPOINT")
	setString(&cfg.Source.Profile, "SOURCE_PROFILE")
	setBool(&cfg.Source.Anonymous, "SOURCE_ANONYMOUS")

	setString(&cfg.Warehouse.Backend, "WAREHOUSE_BACKEND")
	setString(&cfg.Warehouse.Account, "WAREHOUSE_ACCOUNT")
	// sf_user / sf_password are the variable names older deployments export.
	setString(&cfg.Warehouse.User, "sf_user")
	setString(&cfg.Warehouse.User, "WAREHOUSE_USER")
	setString(&cfg.Warehouse.Password, "sf_password")
	setString(&cfg.Warehouse.Password, "WAREHOUSE_PASSWORD")
	setString(&cfg.Warehouse.Role, "WAREHOUSE_ROLE")
	setString(&cfg.Warehouse.Warehouse, "WAREHOUSE_COMPUTE")
	setString(&cfg.Warehouse.Database, "WAREHOUSE_DATABASE")
	setString(&cfg.Warehouse.Schema, "WAREHOUSE_SCHEMA")
	setString(&cfg.Warehouse.Table, "WAREHOUSE_TABLE")
	setString(&cfg.Warehouse.DuckDBPath, "DUCKDB_PATH")
	setString(&cfg.Warehouse.StageDir, "WAREHOUSE_STAGE_DIR")

	setString(&cfg.Normalize.OnRowError, "NORMALIZE_ON_ROW_ERROR")
	setString(&cfg.Load.OnRowError, "LOAD_ON_ROW_ERROR")
	setInt(&cfg.Load.StageRetries, "LOAD_STAGE_RETRIES")
	setDuration(&cfg.Load.StageBackoff, "LOAD_STAGE_BACKOFF")
	setInt64(&cfg.Load.MaxSkippedRows, "LOAD_MAX_SKIPPED_ROWS")
	setFloat(&cfg.Load.MaxSkippedRatio, "LOAD_MAX_SKIPPED_RATIO")

	setString(&cfg.Lock.Backend, "LOCK_BACKEND")
	setString(&cfg.Lock.DSN, "LOCK_DSN")
	setString(&cfg.Catalog.DSN, "CATALOG_DSN")

	setBool(&cfg.Checkpoint.Enabled, "CHECKPOINT_ENABLED")
	setString(&cfg.Checkpoint.Dir, "CHECKPOINT_DIR")

	setBool(&cfg.Audit.Enabled, "AUDIT_ENABLED")
	setString(&cfg.Audit.Dir, "AUDIT_DIR")
	setString(&cfg.Audit.Endpoint, "AUDIT_ENDPOINT")

	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setString(&cfg.Metrics.Address, "METRICS_ADDRESS")
	setString(&cfg.Metrics.Pushgateway, "METRICS_PUSHGATEWAY")

	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// Validate reports every problem at once rather than the first one.
func (c Config) Validate() error {
	var errs []error

	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.StepTimeout < 0 {
		errs = append(errs, errors.New("step_timeout must be >= 0"))
	}

	switch c.Source.Backend {
	case "s3", "gcs", "file":
	default:
		errs = append(errs, fmt.Errorf("source.backend: unknown backend %q", c.Source.Backend))
	}
	if c.Source.Bucket == "" {
		errs = append(errs, errors.New("source.bucket is required"))
	}
	if c.Source.Key == "" {
		errs = append(errs, errors.New("source.key is required"))
	}
	if c.Source.Anonymous && c.Source.Profile != "" {
		errs = append(errs, errors.New("source.anonymous and source.profile are mutually exclusive"))
	}

	switch c.Warehouse.Backend {
	case "snowflake":
		for name, v := range map[string]string{
			"warehouse.account":   c.Warehouse.Account,
			"warehouse.user":      c.Warehouse.User,
			"warehouse.warehouse": c.Warehouse.Warehouse,
			"warehouse.database":  c.Warehouse.Database,
			"warehouse.schema":    c.Warehouse.Schema,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required for snowflake", name))
			}
		}
	case "duckdb":
		if c.Warehouse.StageDir == "" {
			errs = append(errs, errors.New("warehouse.stage_dir is required for duckdb"))
		}
	default:
		errs = append(errs, fmt.Errorf("warehouse.backend: unknown backend %q", c.Warehouse.Backend))
	}
	if !identPattern.MatchString(c.Warehouse.Table) {
		errs = append(errs, fmt.Errorf("warehouse.table: invalid identifier %q", c.Warehouse.Table))
	}

	if !validPolicy(c.Normalize.OnRowError) {
		errs = append(errs, fmt.Errorf("normalize.on_row_error: unknown policy %q", c.Normalize.OnRowError))
	}
	if !validPolicy(c.Load.OnRowError) {
		errs = append(errs, fmt.Errorf("load.on_row_error: unknown policy %q", c.Load.OnRowError))
	}
	if c.Load.StageRetries < 0 {
		errs = append(errs, errors.New("load.stage_retries must be >= 0"))
	}
	if c.Load.MaxSkippedRows < 0 {
		errs = append(errs, errors.New("load.max_skipped_rows must be >= 0"))
	}
	if c.Load.MaxSkippedRatio < 0 || c.Load.MaxSkippedRatio > 1 {
		errs = append(errs, errors.New("load.max_skipped_ratio must be within [0, 1]"))
	}

	switch c.Lock.Backend {
	case "file", "none", "":
	case "postgres":
		if c.Lock.DSN == "" && c.Catalog.DSN == "" {
			errs = append(errs, errors.New("lock.dsn (or catalog.dsn) is required for postgres lock"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend: unknown backend %q", c.Lock.Backend))
	}

	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir is required when checkpoints are enabled"))
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		errs = append(errs, errors.New("audit.dir is required when audit is enabled"))
	}

	return errors.Join(errs...)
}

// LockDSN falls back to the catalog database when no dedicated lock DSN is set.
func (c Config) LockDSN() string {
	if c.Lock.DSN != "" {
		return c.Lock.DSN
	}
	return c.Catalog.DSN
}

// QualifiedTable returns database.schema.table, omitting empty parts.
func (c Config) QualifiedTable() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Warehouse.Database, c.Warehouse.Schema, c.Warehouse.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

func validPolicy(p string) bool {
	switch strings.ToLower(p) {
	case "fail", "abort", "skip", "continue":
		return true
	}
	return false
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val == "true" || val == "1"
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			*dst = parsed
		}
	}
}

func setInt64(dst *int64, key string) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			*dst = parsed
		}
	}
}
