package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	DBDriver string `yaml:"db_driver"`
	DBSource string `yaml:"db_source"`
	Port     string `yaml:"server_port"`
	Env      string `yaml:"environment"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	JWTSecret string `yaml:"jwt_secret"`

	LoanPeriodDays        int `yaml:"loan_period_days"`
	DefaultMaxBorrowBooks int `yaml:"default_max_borrow_books"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
}

// LoanPeriod is the span between borrow date and due date.
func (c *Config) LoanPeriod() time.Duration {
	return time.Duration(c.LoanPeriodDays) * 24 * time.Hour
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func defaults() Config {
	return Config{
		DBDriver:              DriverPostgres,
		Port:                  "8080",
		Env:                   "development",
		LoanPeriodDays:        int(domain.DefaultLoanPeriod / (24 * time.Hour)),
		DefaultMaxBorrowBooks: domain.DefaultMaxBorrowBooks,
		RetryMaxAttempts:      3,
		RetryBaseDelay:        10 * time.Millisecond,
		LockTimeout:           2 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file named by CONFIG_FILE and
// the environment, in increasing order of precedence. A .env file in the working directory is
// loaded first when present.
func Load() (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DBDriver, "DB_DRIVER")
	setString(&cfg.DBSource, "DB_SOURCE")
	setString(&cfg.Port, "SERVER_PORT")
	setString(&cfg.Env, "ENVIRONMENT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFile, "LOG_FILE")
	setString(&cfg.JWTSecret, "JWT_SECRET")

	var errs []error
	errs = append(errs,
		setInt(&cfg.LoanPeriodDays, "LOAN_PERIOD_DAYS"),
		setInt(&cfg.DefaultMaxBorrowBooks, "DEFAULT_MAX_BORROW_BOOKS"),
		setInt(&cfg.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS"),
		setDuration(&cfg.RetryBaseDelay, "RETRY_BASE_DELAY"),
		setDuration(&cfg.LockTimeout, "LOCK_TIMEOUT"),
	)
	return errors.Join(errs...)
}

func (c *Config) validate() error {
	var errs []error
	if c.DBSource == "" {
		errs = append(errs, errors.New("DB_SOURCE environment variable is required"))
	}
	if c.DBDriver != DriverPostgres && c.DBDriver != DriverSQLite {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DBDriver))
	}
	if c.LoanPeriodDays < 1 {
		errs = append(errs, fmt.Errorf("LOAN_PERIOD_DAYS must be at least 1, got %d", c.LoanPeriodDays))
	}
	if c.DefaultMaxBorrowBooks < 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_MAX_BORROW_BOOKS must not be negative, got %d", c.DefaultMaxBorrowBooks))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts))
	}
	if c.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("RETRY_BASE_DELAY must not be negative, got %s", c.RetryBaseDelay))
	}
	if c.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("LOCK_TIMEOUT must not be negative, got %s", c.LockTimeout))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
