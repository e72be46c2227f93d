package internal

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "STRATEGY_"

// Config 整個應用的配置
//
// 載入順序：DefaultConfig → YAML 檔案 → 環境變數（STRATEGY_ 前綴）。
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Room      RoomConfig      `yaml:"room" envPrefix:"ROOM_"`
	Engine    EngineConfig    `yaml:"engine" envPrefix:"ENGINE_"`
	Identity  IdentityConfig  `yaml:"identity" envPrefix:"IDENTITY_"`
	Snowflake SnowflakeConfig `yaml:"snowflake" envPrefix:"SNOWFLAKE_"`
	Limits    LimitConfig     `yaml:"limits" envPrefix:"LIMITS_"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text 或 json
}

// RoomConfig 房間配置
type RoomConfig struct {
	Settings        `yaml:",inline"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	StoppedTTL      time.Duration `yaml:"stopped_ttl" env:"STOPPED_TTL"`
}

// EngineConfig 行動引擎配置
type EngineConfig struct {
	SpyDelay       time.Duration `yaml:"spy_delay" env:"SPY_DELAY"`
	SpyCatchChance float64       `yaml:"spy_catch_chance" env:"SPY_CATCH_CHANCE"`
}

// IdentityConfig 身分驗證配置
//
// RedisAddr 不為空時帳號存在 Redis，否則存在本機 YAML 檔。
type IdentityConfig struct {
	CredentialsFile string        `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
	RedisAddr       string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword   string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB         int           `yaml:"redis_db" env:"REDIS_DB"`
	TokenSecret     string        `yaml:"token_secret" env:"TOKEN_SECRET"`
	TokenTTL        time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	BcryptCost      int           `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
}

// SnowflakeConfig 行軍 ID 產生器配置
type SnowflakeConfig struct {
	NodeID int64 `yaml:"node_id" env:"NODE_ID"`
}

// LimitConfig 限流配置，速率 <= 0 代表不限
type LimitConfig struct {
	AuthPerSecond  float64       `yaml:"auth_per_second" env:"AUTH_PER_SECOND"`
	AuthBurst      int           `yaml:"auth_burst" env:"AUTH_BURST"`
	AuthIdleTTL    time.Duration `yaml:"auth_idle_ttl" env:"AUTH_IDLE_TTL"`
	FramePerSecond float64       `yaml:"frame_per_second" env:"FRAME_PER_SECOND"`
	FrameBurst     int           `yaml:"frame_burst" env:"FRAME_BURST"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Room: RoomConfig{
			Settings:        DefaultSettings(),
			CleanupInterval: DefaultCleanupInterval,
			StoppedTTL:      DefaultStoppedTTL,
		},
		Engine: EngineConfig{
			SpyDelay:       DefaultSpyDelay,
			SpyCatchChance: DefaultSpyCatchChance,
		},
		Identity: IdentityConfig{
			CredentialsFile: "credentials.yaml",
			TokenTTL:        24 * time.Hour,
			BcryptCost:      10,
		},
		Limits: LimitConfig{
			AuthPerSecond:  1,
			AuthBurst:      5,
			AuthIdleTTL:    10 * time.Minute,
			FramePerSecond: 20,
			FrameBurst:     40,
		},
	}
}

// LoadConfig 載入配置
//
// path 為空或檔案不存在時只使用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Room.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("room.capacity must be positive"))
	}
	if c.Room.MaxPerFaction <= 0 {
		errs = append(errs, fmt.Errorf("room.max_per_faction must be positive"))
	}
	if c.Room.MinToStart <= 0 || c.Room.MinToStart > c.Room.Capacity {
		errs = append(errs, fmt.Errorf("room.min_to_start must be in [1, capacity]"))
	}
	for _, f := range c.Room.Factions {
		if f.ID == "" {
			errs = append(errs, fmt.Errorf("room.factions: empty id"))
		}
	}
	if c.Engine.SpyCatchChance < 0 || c.Engine.SpyCatchChance > 1 {
		errs = append(errs, fmt.Errorf("engine.spy_catch_chance must be in [0, 1]"))
	}
	if c.Identity.TokenSecret == "" {
		errs = append(errs, fmt.Errorf("identity.token_secret is required"))
	}
	if c.Identity.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("identity.token_ttl must be positive"))
	}
	if c.Snowflake.NodeID < 0 || c.Snowflake.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("snowflake.node_id must be in [0, 1023]"))
	}

	if c.Limits.AuthBurst < 0 || c.Limits.FrameBurst < 0 {
		errs = append(errs, fmt.Errorf("limits: burst must not be negative"))
	}

	return errors.Join(errs...)
}
