package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	EnvPrefix = "CLOUDSCAN"
)

type Config struct {
	Verbose bool          `mapstructure:"verbose"`
	Listen  string        `mapstructure:"listen"`
	Workers int           `mapstructure:"workers"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Store   StoreConfig   `mapstructure:"store"`
	GCP     GCPConfig     `mapstructure:"gcp"`
	AWS     AWSConfig     `mapstructure:"aws"`
}

type ScannerConfig struct {
	Binary            string        `mapstructure:"binary"`
	OutputDir         string        `mapstructure:"output_dir"`
	Timeout           time.Duration `mapstructure:"timeout"`
	AdvisoryExitCodes []int         `mapstructure:"advisory_exit_codes"`
}

type VaultConfig struct {
	Dir        string        `mapstructure:"dir"`
	MaxEntries int           `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
	// Sweep is a cron expression, an ISO-8601 duration or a Go duration.
	Sweep string `mapstructure:"sweep"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// GCPConfig holds the environment provided GCP credential.
type GCPConfig struct {
	KeyPath   string `mapstructure:"key_path"`
	ProjectID string `mapstructure:"project_id"`
}

// AWSConfig holds the environment provided AWS credential.
type AWSConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
}

func (c AWSConfig) Keys() AWSKeys {
	return AWSKeys{AccessKeyID: c.AccessKeyID, SecretAccessKey: c.SecretAccessKey}
}

// String keeps the secret out of the logs.
func (c AWSConfig) String() string {
	return fmt.Sprintf("{AccessKeyID:%s Region:%s}", c.AccessKeyID, c.Region)
}

func defaults() map[string]any {
	tmp := filepath.Join(os.TempDir(), "cloudscan")
	return map[string]any{
		"verbose":                     false,
		"listen":                      ":8000",
		"workers":                     2,
		"scanner.binary":              "prowler",
		"scanner.output_dir":          filepath.Join(tmp, "output"),
		"scanner.timeout":             "2h",
		"scanner.advisory_exit_codes": []int{3},
		"vault.dir":                   filepath.Join(tmp, "keys"),
		"vault.max_entries":           256,
		"vault.ttl":                   "24h",
		"vault.sweep":                 "*/5 * * * *",
		"store.driver":                DriverSQLite,
		"store.dsn":                   "cloudscan.db",
		"gcp.key_path":                "",
		"gcp.project_id":              "",
		"aws.access_key_id":           "",
		"aws.secret_access_key":       "",
		"aws.region":                  "",
	}
}

// envFallbacks are the variables honored in addition to CLOUDSCAN_*.
var envFallbacks = map[string][]string{
	"gcp.key_path":          {"GCP_SERVICE_ACCOUNT_JSON_PATH", "GOOGLE_APPLICATION_CREDENTIALS"},
	"gcp.project_id":        {"GCP_PROJECT_ID"},
	"aws.access_key_id":     {"AWS_ACCESS_KEY_ID"},
	"aws.secret_access_key": {"AWS_SECRET_ACCESS_KEY"},
	"aws.region":            {"AWS_DEFAULT_REGION", "AWS_REGION"},
}

func newViper(env bool) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	if !env {
		return v, nil
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envFallbacks {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}
	return v, nil
}

// DefaultConfig returns the built-in configuration without any environment
// overrides.
func DefaultConfig() Config {
	v, _ := newViper(false)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("decoding default config: %v", err))
	}
	return cfg
}

// WriteDefaultConfig stores the built-in configuration as YAML.
func WriteDefaultConfig(w io.Writer) error {
	v, _ := newViper(false)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v.AllSettings()); err != nil {
		return err
	}
	return enc.Close()
}

// LoadConfig reads a YAML configuration from r, applies environment
// overrides and validates the result. A nil r loads the defaults.
func LoadConfig(r io.Reader) (Config, error) {
	v, err := newViper(true)
	if err != nil {
		return Config{}, err
	}
	if r != nil {
		if err := v.ReadConfig(r); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen: must not be empty"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers: must be positive, got %d", c.Workers))
	}
	if c.Scanner.Binary == "" {
		errs = append(errs, errors.New("scanner.binary: must not be empty"))
	}
	if c.Scanner.OutputDir == "" {
		errs = append(errs, errors.New("scanner.output_dir: must not be empty"))
	}
	if c.Scanner.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("scanner.timeout: must be positive, got %s", c.Scanner.Timeout))
	}
	if c.Vault.Dir == "" {
		errs = append(errs, errors.New("vault.dir: must not be empty"))
	}
	if c.Vault.MaxEntries < 1 {
		errs = append(errs, fmt.Errorf("vault.max_entries: must be positive, got %d", c.Vault.MaxEntries))
	}
	if c.Vault.TTL <= 0 {
		errs = append(errs, fmt.Errorf("vault.ttl: must be positive, got %s", c.Vault.TTL))
	}
	if _, err := ParseSchedule(c.Vault.Sweep); err != nil {
		errs = append(errs, fmt.Errorf("vault.sweep: %w", err))
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return E(KindValidation, "config", err)
	}
	return nil
}
