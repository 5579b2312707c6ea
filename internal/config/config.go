package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Provider  ProviderConfig  `json:"provider"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Readiness ReadinessConfig `json:"readiness"`
	Slack     SlackConfig     `json:"slack"`
	Logging   LoggingConfig   `json:"logging"`
}

type ServerConfig struct {
	Port         string `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         string `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"sslmode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

type ProviderConfig struct {
	APIKey         string `json:"api_key"`
	CoinGeckoURL   string `json:"coingecko_url"`
	CoinPaprikaURL string `json:"coinpaprika_url"`
	AssetsFile     string `json:"assets_file"`
	CSVFile        string `json:"csv_file"`
	Timeout        string `json:"timeout"`
}

type ScheduleConfig struct {
	Interval    string `json:"interval"`
	Jitter      string `json:"jitter"`
	GracePeriod string `json:"grace_period"`
}

type ReadinessConfig struct {
	PollInterval string `json:"poll_interval"`
	MaxInterval  string `json:"max_interval"`
	MaxAttempts  int    `json:"max_attempts"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// requiredEnv lists the settings that have no default
var requiredEnv = []string{
	"DB_HOST",
	"DB_PORT",
	"DB_USER",
	"DB_PASSWORD",
	"DB_NAME",
	"PROVIDER_API_KEY",
	"ETL_INTERVAL",
}

// MissingError lists every required setting that was not provided
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Keys, ", "))
}

// Load reads the optional JSON config file, then applies the environment on top.
// Environment values always win.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env.local is only for development machines
		_ = godotenv.Load(".env.local")
	}

	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  "10s",
			WriteTimeout: "10s",
		},
		Database: DatabaseConfig{
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Provider: ProviderConfig{
			CoinGeckoURL:   "https://api.coingecko.com/api/v3",
			CoinPaprikaURL: "https://api.coinpaprika.com/v1",
			AssetsFile:     "config/assets.yaml",
			CSVFile:        "data/market_data.csv",
			Timeout:        "10s",
		},
		Schedule: ScheduleConfig{
			GracePeriod: "30s",
		},
		Readiness: ReadinessConfig{
			PollInterval: "2s",
			MaxInterval:  "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) applyEnv() error {
	var missing []string
	for _, key := range requiredEnv {
		if _, ok := lookupEnv(key); !ok && !c.hasFileValue(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingError{Keys: missing}
	}

	setString(&c.Server.Port, "PORT")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	setString(&c.Provider.APIKey, "PROVIDER_API_KEY")
	setString(&c.Provider.CoinGeckoURL, "COINGECKO_URL")
	setString(&c.Provider.CoinPaprikaURL, "COINPAPRIKA_URL")
	setString(&c.Provider.AssetsFile, "ASSETS_FILE")
	setString(&c.Provider.CSVFile, "CSV_FILE")
	setString(&c.Schedule.Interval, "ETL_INTERVAL")
	setString(&c.Schedule.Jitter, "ETL_JITTER")
	setString(&c.Schedule.GracePeriod, "SHUTDOWN_GRACE_PERIOD")
	setString(&c.Readiness.PollInterval, "READINESS_POLL_INTERVAL")
	setString(&c.Readiness.MaxInterval, "READINESS_MAX_INTERVAL")
	setString(&c.Slack.WebhookURL, "SLACK_WEBHOOK_URL")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	for key, dst := range map[string]*int{
		"READINESS_MAX_ATTEMPTS": &c.Readiness.MaxAttempts,
		"DB_MAX_OPEN_CONNS":      &c.Database.MaxOpenConns,
		"DB_MAX_IDLE_CONNS":      &c.Database.MaxIdleConns,
	} {
		if value, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, value, err)
			}
			*dst = n
		}
	}

	return nil
}

// hasFileValue reports whether the JSON file already supplied a required key
func (c *Config) hasFileValue(key string) bool {
	switch key {
	case "DB_HOST":
		return c.Database.Host != ""
	case "DB_PORT":
		return c.Database.Port != ""
	case "DB_USER":
		return c.Database.User != ""
	case "DB_PASSWORD":
		return c.Database.Password != ""
	case "DB_NAME":
		return c.Database.Name != ""
	case "PROVIDER_API_KEY":
		return c.Provider.APIKey != ""
	case "ETL_INTERVAL":
		return c.Schedule.Interval != ""
	}
	return false
}

// Validate parses every duration and numeric setting so bad values fail at startup
func (c *Config) Validate() error {
	var problems []string

	if _, err := c.Target(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.Schedule.Parse(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.GracePeriod(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, _, err := c.Readiness.Parse(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Readiness.MaxAttempts < 0 {
		problems = append(problems, "readiness max attempts cannot be negative")
	}
	if _, err := parseDuration("provider timeout", c.Provider.Timeout); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := parseDuration("server read timeout", c.Server.ReadTimeout); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := parseDuration("server write timeout", c.Server.WriteTimeout); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Target builds the immutable connection target
func (c *Config) Target() (types.ConnectionTarget, error) {
	port, err := strconv.Atoi(c.Database.Port)
	if err != nil || port <= 0 || port > 65535 {
		return types.ConnectionTarget{}, fmt.Errorf("invalid database port %q", c.Database.Port)
	}

	return types.ConnectionTarget{
		Host:     c.Database.Host,
		Port:     port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.Name,
		SSLMode:  c.Database.SSLMode,
	}, nil
}

func (s ScheduleConfig) Parse() (types.ScheduleConfig, error) {
	interval, err := parseDuration("schedule interval", s.Interval)
	if err != nil {
		return types.ScheduleConfig{}, err
	}

	var jitter time.Duration
	if s.Jitter != "" {
		if jitter, err = parseDuration("schedule jitter", s.Jitter); err != nil {
			return types.ScheduleConfig{}, err
		}
	}

	sc := types.ScheduleConfig{Interval: interval, Jitter: jitter}
	if err := sc.Validate(); err != nil {
		return types.ScheduleConfig{}, err
	}
	return sc, nil
}

func (r ReadinessConfig) Parse() (poll, max time.Duration, err error) {
	if poll, err = parseDuration("readiness poll interval", r.PollInterval); err != nil {
		return 0, 0, err
	}
	if max, err = parseDuration("readiness max interval", r.MaxInterval); err != nil {
		return 0, 0, err
	}
	if poll <= 0 || max < poll {
		return 0, 0, fmt.Errorf("readiness intervals must satisfy 0 < poll (%s) <= max (%s)", poll, max)
	}
	return poll, max, nil
}

func (c *Config) GracePeriod() (time.Duration, error) {
	return parseDuration("shutdown grace period", c.Schedule.GracePeriod)
}

func (c *Config) ProviderTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Provider.Timeout)
	return d
}

func (c *Config) ServerTimeouts() (read, write time.Duration) {
	read, _ = time.ParseDuration(c.Server.ReadTimeout)
	write, _ = time.ParseDuration(c.Server.WriteTimeout)
	return read, write
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %v", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s cannot be negative", name)
	}
	return d, nil
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func setString(dst *string, key string) {
	if value, ok := lookupEnv(key); ok {
		*dst = value
	}
}
