package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chatsync/internal/logger"
)

// ErrInvalid возвращается Validate при несогласованных настройках.
var ErrInvalid = errors.New("invalid config")

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
// Уже заданные переменные окружения не перезаписываются.
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Errorf("config: .env: %v", err)
	}
}

// BackendConfig — адреса REST API и WebSocket платформы.
type BackendConfig struct {
	APIBaseURL   string        `yaml:"api_base_url"`
	WSURL        string        `yaml:"ws_url"`
	Token        string        `yaml:"-"`
	HTTPTimeout  time.Duration `yaml:"-"`
	BreakerFails int           `yaml:"breaker_max_failures"`
}

// ReconnectConfig — политика переподключения WebSocket.
type ReconnectConfig struct {
	Initial     time.Duration `yaml:"-"`
	Max         time.Duration `yaml:"-"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// TypingConfig — окно бездействия локального набора и TTL удалённых индикаторов.
type TypingConfig struct {
	Window time.Duration `yaml:"-"`
	TTL    time.Duration `yaml:"-"`
}

// SyncConfig — периодическая ресинхронизация и пагинация истории.
type SyncConfig struct {
	UnreadResyncInterval time.Duration `yaml:"-"`
	MinResyncGap         time.Duration `yaml:"-"`
	HistoryPageSize      int           `yaml:"history_page_size"`
}

// StorageConfig — Redis для чекпойнтов и Postgres для архива сообщений (оба необязательны).
type StorageConfig struct {
	RedisURL       string `yaml:"redis_url"`
	DatabaseURL    string `yaml:"database_url"`
	MaxConnections int    `yaml:"db_max_connections"`
}

// PushConfig — Web Push уведомления о сообщениях в неактивных комнатах.
type PushConfig struct {
	Enabled       bool   `yaml:"enabled"`
	VAPIDKeysFile string `yaml:"vapid_keys_file"`
	Subscriber    string `yaml:"subscriber"`
}

// Config содержит все настройки демона синхронизации.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	SelfID             int64  `yaml:"self_id"`
	ListenAddr         string `yaml:"listen_addr"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	LogLevel           string `yaml:"log_level"`
	// LocalToken пропускает к локальному API запросы не с loopback/приватных адресов.
	LocalToken         string `yaml:"-"`
	MaxUIClients       int    `yaml:"max_ui_clients"`

	Backend   BackendConfig   `yaml:"backend"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Typing    TypingConfig    `yaml:"typing"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Push      PushConfig      `yaml:"push"`
}

// yamlConfig — промежуточная структура: длительности в YAML задаются в миллисекундах/секундах.
type yamlConfig struct {
	SelfID             int64   `yaml:"self_id"`
	ListenAddr         string  `yaml:"listen_addr"`
	CORSAllowedOrigins string  `yaml:"cors_allowed_origins"`
	LogLevel           string  `yaml:"log_level"`
	MaxUIClients       int     `yaml:"max_ui_clients"`
	APIBaseURL         string  `yaml:"api_base_url"`
	WSURL              string  `yaml:"ws_url"`
	HTTPTimeoutSec     int     `yaml:"http_timeout_sec"`
	BreakerFails       int     `yaml:"breaker_max_failures"`
	ReconnectInitialMS int     `yaml:"reconnect_initial_ms"`
	ReconnectMaxSec    int     `yaml:"reconnect_max_sec"`
	ReconnectMult      float64 `yaml:"reconnect_multiplier"`
	ReconnectJitter    float64 `yaml:"reconnect_jitter"`
	ReconnectAttempts  int     `yaml:"reconnect_max_attempts"`
	TypingWindowMS     int     `yaml:"typing_window_ms"`
	TypingTTLMS        int     `yaml:"typing_ttl_ms"`
	UnreadResyncSec    int     `yaml:"unread_resync_sec"`
	MinResyncGapMS     int     `yaml:"min_resync_gap_ms"`
	HistoryPageSize    int     `yaml:"history_page_size"`
	RedisURL           string  `yaml:"redis_url"`
	DatabaseURL        string  `yaml:"database_url"`
	DBMaxConnections   int     `yaml:"db_max_connections"`
	PushEnabled        bool    `yaml:"push_enabled"`
	VAPIDKeysFile      string  `yaml:"vapid_keys_file"`
	PushSubscriber     string  `yaml:"push_subscriber"`
}

func defaults() yamlConfig {
	return yamlConfig{
		ListenAddr:         "127.0.0.1:8090",
		CORSAllowedOrigins: "*",
		LogLevel:           "info",
		MaxUIClients:       64,
		APIBaseURL:         "http://localhost:8080",
		WSURL:              "ws://localhost:8080/ws",
		HTTPTimeoutSec:     15,
		BreakerFails:       5,
		ReconnectInitialMS: 500,
		ReconnectMaxSec:    30,
		ReconnectMult:      2,
		ReconnectJitter:    0.2,
		TypingWindowMS:     3000,
		TypingTTLMS:        5000,
		UnreadResyncSec:    60,
		MinResyncGapMS:     1000,
		HistoryPageSize:    50,
		DBMaxConnections:   5,
		VAPIDKeysFile:      "config/vapid.json",
		PushSubscriber:     "chatsync",
	}
}

// Load загружает конфигурацию.
// Сначала подгружаются переменные из .env (если есть), затем YAML и env (env имеет приоритет).
func Load() *Config {
	loadEnv()
	yc := defaults()

	paths := []string{os.Getenv("CONFIG_PATH"), "config/syncd.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}

	cfg := &Config{
		SelfID:             envInt64("SELF_ID", yc.SelfID),
		ListenAddr:         envStr("LISTEN_ADDR", yc.ListenAddr),
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
		LocalToken:         envStr("LOCAL_API_TOKEN", ""),
		MaxUIClients:       envInt("MAX_UI_CLIENTS", yc.MaxUIClients),
		Backend: BackendConfig{
			APIBaseURL:   strings.TrimSuffix(envStr("API_BASE_URL", yc.APIBaseURL), "/"),
			WSURL:        envStr("WS_URL", yc.WSURL),
			Token:        envStr("API_TOKEN", ""),
			HTTPTimeout:  time.Duration(envInt("HTTP_TIMEOUT_SEC", yc.HTTPTimeoutSec)) * time.Second,
			BreakerFails: envInt("BREAKER_MAX_FAILURES", yc.BreakerFails),
		},
		Reconnect: ReconnectConfig{
			Initial:     time.Duration(envInt("RECONNECT_INITIAL_MS", yc.ReconnectInitialMS)) * time.Millisecond,
			Max:         time.Duration(envInt("RECONNECT_MAX_SEC", yc.ReconnectMaxSec)) * time.Second,
			Multiplier:  envFloat("RECONNECT_MULTIPLIER", yc.ReconnectMult),
			Jitter:      envFloat("RECONNECT_JITTER", yc.ReconnectJitter),
			MaxAttempts: envInt("RECONNECT_MAX_ATTEMPTS", yc.ReconnectAttempts),
		},
		Typing: TypingConfig{
			Window: time.Duration(envInt("TYPING_WINDOW_MS", yc.TypingWindowMS)) * time.Millisecond,
			TTL:    time.Duration(envInt("TYPING_TTL_MS", yc.TypingTTLMS)) * time.Millisecond,
		},
		Sync: SyncConfig{
			UnreadResyncInterval: time.Duration(envInt("UNREAD_RESYNC_SEC", yc.UnreadResyncSec)) * time.Second,
			MinResyncGap:         time.Duration(envInt("MIN_RESYNC_GAP_MS", yc.MinResyncGapMS)) * time.Millisecond,
			HistoryPageSize:      envInt("HISTORY_PAGE_SIZE", yc.HistoryPageSize),
		},
		Storage: StorageConfig{
			RedisURL:       envStr("REDIS_URL", yc.RedisURL),
			DatabaseURL:    envStr("DATABASE_URL", yc.DatabaseURL),
			MaxConnections: envInt("DB_MAX_CONNECTIONS", yc.DBMaxConnections),
		},
		Push: PushConfig{
			Enabled:       envBool("PUSH_ENABLED", yc.PushEnabled),
			VAPIDKeysFile: envStr("VAPID_KEYS_FILE", yc.VAPIDKeysFile),
			Subscriber:    envStr("PUSH_SUBSCRIBER", yc.PushSubscriber),
		},
	}
	if cfg.Storage.MaxConnections <= 0 {
		cfg.Storage.MaxConnections = 5
	}
	if cfg.Sync.HistoryPageSize <= 0 {
		cfg.Sync.HistoryPageSize = 50
	}
	return cfg
}

// Validate проверяет согласованность настроек; TTL индикатора набора должен
// превышать локальное окно бездействия хотя бы на секунду, иначе индикатор мигает.
func (c *Config) Validate() error {
	if c.SelfID <= 0 {
		return fmt.Errorf("%w: SELF_ID must be positive", ErrInvalid)
	}
	if c.Backend.APIBaseURL == "" || c.Backend.WSURL == "" {
		return fmt.Errorf("%w: API_BASE_URL and WS_URL required", ErrInvalid)
	}
	if c.Typing.Window <= 0 {
		return fmt.Errorf("%w: typing window must be positive", ErrInvalid)
	}
	if c.Typing.TTL < c.Typing.Window+MinTypingMargin {
		return fmt.Errorf("%w: typing ttl %v must exceed window %v by at least %v",
			ErrInvalid, c.Typing.TTL, c.Typing.Window, MinTypingMargin)
	}
	if c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial {
		return fmt.Errorf("%w: reconnect backoff bounds", ErrInvalid)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("%w: reconnect multiplier must be >= 1", ErrInvalid)
	}
	return nil
}

// MinTypingMargin — минимальный запас TTL над окном бездействия.
const MinTypingMargin = time.Second

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
