package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/sugawarayuuta/sonnet"
)

// ErrInvalidConfig wraps every configuration problem that must abort plugin load.
var ErrInvalidConfig = errors.New("invalid plugin config")

const envPrefix = "GEYSER_PG_"

// KindToggles enables or disables ingestion per entity kind.
type KindToggles struct {
	Accounts     bool
	Transactions bool
	Slots        bool
	Blocks       bool
}

type Config struct {
	Path string // source file, empty when built in code

	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	DBName           string
	SSLMode          string

	PoolSize             int
	BatchSize            int
	MaxBatchAge          time.Duration
	QueueCapacity        int // records per kind not yet handed to a worker
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	WriteTimeout         time.Duration
	ShutdownTimeout      time.Duration
	MaxReconnectFailures int
	SlotRetention        uint64

	StoreAccountHistory bool
	Accounts            AccountSelectorConfig
	Transactions        TransactionSelectorConfig
	Kinds               KindToggles

	DeadLetterPath string
	MetricsAddr    string
	LogLevel       string
	LogFormat      string
	WatchConfig    bool
}

// AccountSelectorConfig is the raw `accounts_selector` section.
type AccountSelectorConfig struct {
	Accounts []string `json:"accounts" toml:"accounts"`
	Owners   []string `json:"owners" toml:"owners"`
}

// TransactionSelectorConfig is the raw `transaction_selector` section.
type TransactionSelectorConfig struct {
	Mentions []string `json:"mentions" toml:"mentions"`
}

// Default returns a config with every tunable at its default. Account
// streaming selects everything, transaction streaming is off.
func Default() *Config {
	return &Config{
		Port:                 5432,
		SSLMode:              "disable",
		PoolSize:             10,
		BatchSize:            10,
		MaxBatchAge:          500 * time.Millisecond,
		QueueCapacity:        100000,
		RetryMaxAttempts:     5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		WriteTimeout:         30 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		MaxReconnectFailures: 10,
		SlotRetention:        4096,
		Accounts:             AccountSelectorConfig{Accounts: []string{"*"}},
		Kinds:                KindToggles{Accounts: true, Transactions: true, Slots: true, Blocks: true},
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load reads the plugin configuration file, applies environment overrides
// and validates the result. The file may be JSON or TOML, picked by extension.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env文件是可选的

	cfg := Default()
	cfg.Path = path

	if path != "" {
		fc, err := loadFileConfig(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := applyFileConfig(cfg, fc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DSN returns the connection string handed to the driver.
func (c *Config) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	parts := []string{}
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", k, quoteDSNValue(v)))
		}
	}
	add("host", c.Host)
	if c.Port > 0 {
		add("port", strconv.Itoa(c.Port))
	}
	add("user", c.User)
	add("password", c.Password)
	add("dbname", c.DBName)
	add("sslmode", c.SSLMode)
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Validate checks ranges and that the connection string parses.
func (c *Config) Validate() error {
	var problems []string
	if c.PoolSize <= 0 {
		problems = append(problems, "threads must be > 0")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "batch_size must be > 0")
	}
	if c.QueueCapacity < c.BatchSize {
		problems = append(problems, "queue_capacity must be >= batch_size")
	}
	if c.MaxBatchAge <= 0 {
		problems = append(problems, "max_batch_age must be > 0")
	}
	if c.RetryMaxAttempts <= 0 {
		problems = append(problems, "retry_max_attempts must be > 0")
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		problems = append(problems, "retry intervals must satisfy 0 < initial <= max")
	}
	if c.ShutdownTimeout <= 0 {
		problems = append(problems, "shutdown_timeout must be > 0")
	}
	if c.MaxReconnectFailures <= 0 {
		problems = append(problems, "max_reconnect_failures must be > 0")
	}
	if _, err := NewAccountSelector(c.Accounts); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := NewTransactionSelector(c.Transactions); err != nil {
		problems = append(problems, err.Error())
	}
	if c.ConnectionString == "" && c.Host == "" {
		problems = append(problems, "either connection_str or host must be set")
	} else if _, err := pgx.ParseConfig(c.DSN()); err != nil {
		problems = append(problems, fmt.Sprintf("connection string: %v", err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// fileConfig mirrors Config with TOML/JSON friendly types. Pointers mark
// values that were actually present in the file.
type fileConfig struct {
	ConnectionString string `json:"connection_str" toml:"connection_str"`
	Host             string `json:"host" toml:"host"`
	Port             int    `json:"port" toml:"port"`
	User             string `json:"user" toml:"user"`
	Password         string `json:"password" toml:"password"`
	DBName           string `json:"dbname" toml:"dbname"`
	SSLMode          string `json:"sslmode" toml:"sslmode"`

	Threads              int    `json:"threads" toml:"threads"`
	BatchSize            int    `json:"batch_size" toml:"batch_size"`
	MaxBatchAge          string `json:"max_batch_age" toml:"max_batch_age"`
	QueueCapacity        int    `json:"queue_capacity" toml:"queue_capacity"`
	RetryMaxAttempts     int    `json:"retry_max_attempts" toml:"retry_max_attempts"`
	RetryInitialInterval string `json:"retry_initial_interval" toml:"retry_initial_interval"`
	RetryMaxInterval     string `json:"retry_max_interval" toml:"retry_max_interval"`
	WriteTimeout         string `json:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout      string `json:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxReconnectFailures int    `json:"max_reconnect_failures" toml:"max_reconnect_failures"`
	SlotRetention        uint64 `json:"slot_retention" toml:"slot_retention"`

	StoreAccountHistory *bool                      `json:"store_account_historical_data" toml:"store_account_historical_data"`
	AccountsSelector    *AccountSelectorConfig     `json:"accounts_selector" toml:"accounts_selector"`
	TransactionSelector *TransactionSelectorConfig `json:"transaction_selector" toml:"transaction_selector"`
	Kinds               *fileKinds                 `json:"kinds" toml:"kinds"`

	DeadLetterPath string `json:"dead_letter_path" toml:"dead_letter_path"`
	MetricsAddr    string `json:"metrics_addr" toml:"metrics_addr"`
	LogLevel       string `json:"log_level" toml:"log_level"`
	LogFormat      string `json:"log_format" toml:"log_format"`
	WatchConfig    *bool  `json:"watch_config" toml:"watch_config"`
}

type fileKinds struct {
	Accounts     *bool `json:"accounts" toml:"accounts"`
	Transactions *bool `json:"transactions" toml:"transactions"`
	Slots        *bool `json:"slots" toml:"slots"`
	Blocks       *bool `json:"blocks" toml:"blocks"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(b, &fc)
	case ".json", "":
		err = sonnet.Unmarshal(b, &fc)
	default:
		return fc, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) error {
	setString(fc.ConnectionString, &cfg.ConnectionString)
	setString(fc.Host, &cfg.Host)
	setInt(fc.Port, &cfg.Port)
	setString(fc.User, &cfg.User)
	setString(fc.Password, &cfg.Password)
	setString(fc.DBName, &cfg.DBName)
	setString(fc.SSLMode, &cfg.SSLMode)

	setInt(fc.Threads, &cfg.PoolSize)
	setInt(fc.BatchSize, &cfg.BatchSize)
	setInt(fc.QueueCapacity, &cfg.QueueCapacity)
	setInt(fc.RetryMaxAttempts, &cfg.RetryMaxAttempts)
	setInt(fc.MaxReconnectFailures, &cfg.MaxReconnectFailures)
	if fc.SlotRetention > 0 {
		cfg.SlotRetention = fc.SlotRetention
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"max_batch_age", fc.MaxBatchAge, &cfg.MaxBatchAge},
		{"retry_initial_interval", fc.RetryInitialInterval, &cfg.RetryInitialInterval},
		{"retry_max_interval", fc.RetryMaxInterval, &cfg.RetryMaxInterval},
		{"write_timeout", fc.WriteTimeout, &cfg.WriteTimeout},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.name, d.raw, d.dst); err != nil {
			return err
		}
	}

	setBool(fc.StoreAccountHistory, &cfg.StoreAccountHistory)
	setBool(fc.WatchConfig, &cfg.WatchConfig)
	if fc.AccountsSelector != nil {
		cfg.Accounts = *fc.AccountsSelector
	}
	if fc.TransactionSelector != nil {
		cfg.Transactions = *fc.TransactionSelector
	}
	if fc.Kinds != nil {
		setBool(fc.Kinds.Accounts, &cfg.Kinds.Accounts)
		setBool(fc.Kinds.Transactions, &cfg.Kinds.Transactions)
		setBool(fc.Kinds.Slots, &cfg.Kinds.Slots)
		setBool(fc.Kinds.Blocks, &cfg.Kinds.Blocks)
	}

	setString(fc.DeadLetterPath, &cfg.DeadLetterPath)
	setString(fc.MetricsAddr, &cfg.MetricsAddr)
	setString(fc.LogLevel, &cfg.LogLevel)
	setString(fc.LogFormat, &cfg.LogFormat)
	return nil
}

// applyEnv lets GEYSER_PG_* variables override file values.
func applyEnv(cfg *Config) error {
	setString(getEnv("CONNECTION_STR", ""), &cfg.ConnectionString)
	setString(getEnv("PASSWORD", ""), &cfg.Password)
	setString(getEnv("DEAD_LETTER_PATH", ""), &cfg.DeadLetterPath)
	setString(getEnv("METRICS_ADDR", ""), &cfg.MetricsAddr)
	setString(getEnv("LOG_LEVEL", ""), &cfg.LogLevel)
	setString(getEnv("LOG_FORMAT", ""), &cfg.LogFormat)

	ints := []struct {
		key string
		dst *int
	}{
		{"THREADS", &cfg.PoolSize},
		{"BATCH_SIZE", &cfg.BatchSize},
		{"QUEUE_CAPACITY", &cfg.QueueCapacity},
		{"RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts},
	}
	for _, i := range ints {
		v, err := getEnvAsInt(i.key)
		if err != nil {
			return err
		}
		setInt(v, i.dst)
	}
	return setDuration("SHUTDOWN_TIMEOUT", getEnv("SHUTDOWN_TIMEOUT", ""), &cfg.ShutdownTimeout)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %q", envPrefix, key, valueStr)
	}
	return value, nil
}

func setString(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func setInt(v int, dst *int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(v *bool, dst *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}
