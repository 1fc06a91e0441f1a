package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	NotifierLog      = "log"
	NotifierSMTP     = "smtp"
	NotifierTelegram = "telegram"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Timezone string
	Location *time.Location

	Scheduler struct {
		Enabled bool
		Spec    string
		LockKey int64
	}

	Notifier struct {
		Kind string
		SMTP struct {
			Host     string
			Port     int
			Username string
			Password string
			From     string
		}
		Telegram struct {
			BotToken string
			ChatID   string
		}
	}

	// Admin, when set, is created on startup if no user has that email.
	Admin struct {
		Email    string
		Password string
	}

	ExpansionLimit    int
	PrometheusEnabled bool
	TrustedProxies    []string
}

// fileConfig is the optional YAML file named by APP_CONFIG_FILE. Its values
// act as defaults; environment variables win.
type fileConfig struct {
	Listen   string `yaml:"listen"`
	BaseURL  string `yaml:"base_url"`
	Timezone string `yaml:"timezone"`

	DB struct {
		DSN      string `yaml:"dsn"`
		Host     string `yaml:"host"`
		Name     string `yaml:"name"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Port     string `yaml:"port"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"db"`

	Scheduler struct {
		Enabled *bool  `yaml:"enabled"`
		Spec    string `yaml:"spec"`
		LockKey int64  `yaml:"lock_key"`
	} `yaml:"scheduler"`

	Notifier struct {
		Kind string `yaml:"kind"`
		SMTP struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			From     string `yaml:"from"`
		} `yaml:"smtp"`
		Telegram struct {
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`
	} `yaml:"notifier"`

	Admin struct {
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
	} `yaml:"admin"`

	ExpansionLimit    int      `yaml:"expansion_limit"`
	PrometheusEnabled *bool    `yaml:"prometheus_enabled"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

func Load() (*Config, error) {
	var file fileConfig
	if path := os.Getenv("APP_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", orDefault(file.Listen, ":8080"))
	cfg.BaseURL = getenvDefault("APP_BASE_URL", orDefault(file.BaseURL, "http://localhost:8080"))
	cfg.DB.DSN = getenvDefault("APP_DB_DSN", file.DB.DSN)

	if cfg.DB.DSN == "" {
		host := getenvDefault("APP_DB_HOST", file.DB.Host)
		name := getenvDefault("APP_DB_NAME", file.DB.Name)
		user := getenvDefault("APP_DB_USER", file.DB.User)
		password := getenvDefault("APP_DB_PASSWORD", file.DB.Password)
		port := getenvDefault("APP_DB_PORT", orDefault(file.DB.Port, "5432"))
		sslmode := getenvDefault("APP_DB_SSLMODE", orDefault(file.DB.SSLMode, "disable"))

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Timezone = getenvDefault("APP_TIMEZONE", orDefault(file.Timezone, "UTC"))

	cfg.Scheduler.Enabled = getenvBool("APP_SCHEDULER_ENABLED", boolOr(file.Scheduler.Enabled, true))
	cfg.Scheduler.Spec = getenvDefault("APP_SCHEDULER_SPEC", orDefault(file.Scheduler.Spec, "@every 60s"))
	lockKey, err := getenvInt64("APP_SCHEDULER_LOCK_KEY", file.Scheduler.LockKey)
	if err != nil {
		return nil, err
	}
	cfg.Scheduler.LockKey = lockKey

	cfg.Notifier.Kind = strings.ToLower(getenvDefault("APP_NOTIFIER", orDefault(file.Notifier.Kind, NotifierLog)))
	cfg.Notifier.SMTP.Host = getenvDefault("APP_SMTP_HOST", file.Notifier.SMTP.Host)
	smtpPort, err := getenvInt("APP_SMTP_PORT", intOr(file.Notifier.SMTP.Port, 587))
	if err != nil {
		return nil, err
	}
	cfg.Notifier.SMTP.Port = smtpPort
	cfg.Notifier.SMTP.Username = getenvDefault("APP_SMTP_USERNAME", file.Notifier.SMTP.Username)
	cfg.Notifier.SMTP.Password = getenvDefault("APP_SMTP_PASSWORD", file.Notifier.SMTP.Password)
	cfg.Notifier.SMTP.From = getenvDefault("APP_SMTP_FROM", file.Notifier.SMTP.From)
	cfg.Notifier.Telegram.BotToken = getenvDefault("APP_TELEGRAM_BOT_TOKEN", file.Notifier.Telegram.BotToken)
	cfg.Notifier.Telegram.ChatID = getenvDefault("APP_TELEGRAM_CHAT_ID", file.Notifier.Telegram.ChatID)

	cfg.Admin.Email = getenvDefault("APP_ADMIN_EMAIL", file.Admin.Email)
	cfg.Admin.Password = getenvDefault("APP_ADMIN_PASSWORD", file.Admin.Password)

	limit, err := getenvInt("APP_EXPANSION_LIMIT", intOr(file.ExpansionLimit, 5000))
	if err != nil {
		return nil, err
	}
	cfg.ExpansionLimit = limit
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", boolOr(file.PrometheusEnabled, false))
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")
	if cfg.TrustedProxies == nil {
		cfg.TrustedProxies = file.TrustedProxies
	}

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc
	if cfg.ExpansionLimit < 1 {
		return nil, fmt.Errorf("APP_EXPANSION_LIMIT must be positive (got %d)", cfg.ExpansionLimit)
	}

	switch cfg.Notifier.Kind {
	case NotifierLog:
	case NotifierSMTP:
		if cfg.Notifier.SMTP.Host == "" || cfg.Notifier.SMTP.From == "" {
			return nil, errors.New("smtp notifier requires APP_SMTP_HOST and APP_SMTP_FROM")
		}
	case NotifierTelegram:
		if cfg.Notifier.Telegram.BotToken == "" || cfg.Notifier.Telegram.ChatID == "" {
			return nil, errors.New("telegram notifier requires APP_TELEGRAM_BOT_TOKEN and APP_TELEGRAM_CHAT_ID")
		}
	default:
		return nil, fmt.Errorf("unknown APP_NOTIFIER %q (want log, smtp or telegram)", cfg.Notifier.Kind)
	}

	if (cfg.Admin.Email == "") != (cfg.Admin.Password == "") {
		return nil, errors.New("APP_ADMIN_EMAIL and APP_ADMIN_PASSWORD must be set together")
	}

	if len(cfg.TrustedProxies) == 0 {
		log.Println("[WARN] No APP_TRUSTED_PROXIES configured. calremind will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func intOr(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
