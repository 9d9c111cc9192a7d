package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Database    DatabaseConfig    `mapstructure:"database"`
	OpenAI      OpenAIConfig      `mapstructure:"openai"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Obligation  ObligationConfig  `mapstructure:"obligation"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Entitlement EntitlementConfig `mapstructure:"entitlement"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Bot         BotConfig         `mapstructure:"bot"`
	Log         LogConfig         `mapstructure:"log"`
}

type TelegramConfig struct {
	Token         string `mapstructure:"token"`
	UpdateTimeout int    `mapstructure:"update_timeout"`
	Debug         bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

// OpenAIConfig enables free-text parsing. Without it only slash commands
// and buttons are understood.
type OpenAIConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type NegotiationConfig struct {
	Durations      []int         `mapstructure:"durations"`
	MaxSlots       int           `mapstructure:"max_slots"`
	DateWindowDays int           `mapstructure:"date_window_days"`
	DayStart       string        `mapstructure:"day_start"`
	DayEnd         string        `mapstructure:"day_end"`
	SlotStep       time.Duration `mapstructure:"slot_step"`
}

type ObligationConfig struct {
	FeedbackDelay     time.Duration `mapstructure:"feedback_delay"`
	MinDays           int           `mapstructure:"min_days"`
	MaxDays           int           `mapstructure:"max_days"`
	ReminderTolerance time.Duration `mapstructure:"reminder_tolerance"`
}

type LedgerConfig struct {
	ScoreDelta         int           `mapstructure:"score_delta"`
	OutcomePromptDelay time.Duration `mapstructure:"outcome_prompt_delay"`
}

type EntitlementConfig struct {
	TrialDays    int    `mapstructure:"trial_days"`
	SubscribeURL string `mapstructure:"subscribe_url"`
}

type SweeperConfig struct {
	ReminderInterval time.Duration `mapstructure:"reminder_interval"`
	SpawnInterval    time.Duration `mapstructure:"spawn_interval"`
	PromptInterval   time.Duration `mapstructure:"prompt_interval"`
	TrialInterval    time.Duration `mapstructure:"trial_interval"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type BotConfig struct {
	AdminIDs      []int64       `mapstructure:"admin_ids"`
	RateRPS       float64       `mapstructure:"rate_rps"`
	RateBurst     int           `mapstructure:"rate_burst"`
	CallbackTTL   time.Duration `mapstructure:"callback_ttl"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.update_timeout", 60)
	v.SetDefault("telegram.debug", false)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "karma")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)

	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 150)
	v.SetDefault("openai.temperature", 0.0)

	v.SetDefault("negotiation.durations", []int{30, 45, 60, 90, 120})
	v.SetDefault("negotiation.max_slots", 3)
	v.SetDefault("negotiation.date_window_days", 14)
	v.SetDefault("negotiation.day_start", "09:00")
	v.SetDefault("negotiation.day_end", "19:30")
	v.SetDefault("negotiation.slot_step", "30m")

	v.SetDefault("obligation.feedback_delay", "30m")
	v.SetDefault("obligation.min_days", 1)
	v.SetDefault("obligation.max_days", 7)
	v.SetDefault("obligation.reminder_tolerance", "5m")

	v.SetDefault("ledger.score_delta", 10)
	v.SetDefault("ledger.outcome_prompt_delay", "30m")

	v.SetDefault("entitlement.trial_days", 14)
	v.SetDefault("entitlement.subscribe_url", "")

	v.SetDefault("sweeper.reminder_interval", "1m")
	v.SetDefault("sweeper.spawn_interval", "1m")
	v.SetDefault("sweeper.prompt_interval", "1m")
	v.SetDefault("sweeper.trial_interval", "24h")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("bot.admin_ids", []int64{})
	v.SetDefault("bot.rate_rps", 1.0)
	v.SetDefault("bot.rate_burst", 5)
	v.SetDefault("bot.callback_ttl", "10m")
	v.SetDefault("bot.retry_attempts", 3)
	v.SetDefault("bot.retry_backoff", "200ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads path, if it exists, over the defaults. A .env file in the
// working directory is loaded into the environment first, and environment
// variables override file values (negotiation.max_slots is
// NEGOTIATION_MAX_SLOTS).
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the engines cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.OpenAI.Enabled && c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required when openai.enabled is set"))
	}
	if len(c.Negotiation.Durations) == 0 {
		errs = append(errs, errors.New("negotiation.durations must not be empty"))
	}
	for _, d := range c.Negotiation.Durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("negotiation.durations: %d is not positive", d))
		}
	}
	if c.Negotiation.MaxSlots < 1 {
		errs = append(errs, errors.New("negotiation.max_slots must be at least 1"))
	}
	if c.Negotiation.DateWindowDays < 1 {
		errs = append(errs, errors.New("negotiation.date_window_days must be at least 1"))
	}
	start, errStart := time.Parse("15:04", c.Negotiation.DayStart)
	end, errEnd := time.Parse("15:04", c.Negotiation.DayEnd)
	switch {
	case errStart != nil || errEnd != nil:
		errs = append(errs, errors.New("negotiation.day_start and day_end must be HH:MM"))
	case !start.Before(end):
		errs = append(errs, errors.New("negotiation.day_start must be before day_end"))
	}
	if c.Negotiation.SlotStep <= 0 {
		errs = append(errs, errors.New("negotiation.slot_step must be positive"))
	}
	if c.Obligation.MinDays < 1 || c.Obligation.MaxDays < c.Obligation.MinDays {
		errs = append(errs, fmt.Errorf("obligation day range %d..%d is invalid", c.Obligation.MinDays, c.Obligation.MaxDays))
	}
	if c.Obligation.FeedbackDelay < 0 {
		errs = append(errs, errors.New("obligation.feedback_delay must not be negative"))
	}
	if c.Obligation.ReminderTolerance <= 0 {
		errs = append(errs, errors.New("obligation.reminder_tolerance must be positive"))
	}
	if c.Ledger.ScoreDelta <= 0 {
		errs = append(errs, errors.New("ledger.score_delta must be positive"))
	}
	if c.Entitlement.TrialDays < 1 {
		errs = append(errs, errors.New("entitlement.trial_days must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"sweeper.reminder_interval": c.Sweeper.ReminderInterval,
		"sweeper.spawn_interval":    c.Sweeper.SpawnInterval,
		"sweeper.prompt_interval":   c.Sweeper.PromptInterval,
		"sweeper.trial_interval":    c.Sweeper.TrialInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Sweeper.ReminderInterval > c.Obligation.ReminderTolerance {
		errs = append(errs, errors.New("sweeper.reminder_interval must not exceed obligation.reminder_tolerance"))
	}
	if c.Bot.RateRPS < 0 {
		errs = append(errs, errors.New("bot.rate_rps must not be negative"))
	}
	return errors.Join(errs...)
}
