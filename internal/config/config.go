package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gorilla/securecookie"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "CLASSROOM"

type LiveKit struct {
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	URL       string        `mapstructure:"url"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type Chat struct {
	// SendRate messages per SendInterval are accepted from one identity.
	SendRate     int           `mapstructure:"send_rate"`
	SendInterval time.Duration `mapstructure:"send_interval"`
}

type Config struct {
	Mode         string            `mapstructure:"mode"`
	Port         int               `mapstructure:"port"`
	StaticPath   string            `mapstructure:"static_path"`
	ReadLimit    int64             `mapstructure:"read_limit"`
	PingPeriod   time.Duration     `mapstructure:"ping_period"`
	Secret       string            `mapstructure:"secret"`
	LogLevel     string            `mapstructure:"log_level"`
	Store        string            `mapstructure:"store"`
	DatabasePath string            `mapstructure:"database_path"`
	SeedPath     string            `mapstructure:"seed_path"`
	JoinWindow   domain.JoinWindow `mapstructure:"join_window"`
	LiveKit      LiveKit           `mapstructure:"livekit"`
	Chat         Chat              `mapstructure:"chat"`
}

// Level is the configured log level, info when unset or unknown.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("store", "memory")
	v.SetDefault("database_path", "classroom.db")
	v.SetDefault("seed_path", "")
	v.SetDefault("join_window.before", domain.DefaultJoinBefore.String())
	v.SetDefault("join_window.after", domain.DefaultJoinAfter.String())
	v.SetDefault("livekit.api_key", "")
	v.SetDefault("livekit.api_secret", "")
	v.SetDefault("livekit.url", "")
	v.SetDefault("livekit.token_ttl", "6h")
	v.SetDefault("chat.send_rate", 5)
	v.SetDefault("chat.send_interval", "5s")
}

// Load reads config/config.<CONFIG_ENV>.yaml under the working directory.
func Load() (*Config, error) {
	return LoadFrom(".", os.Getenv("CONFIG_ENV"))
}

// LoadFrom reads config from dir/config. A dir/config/.env.<env> file, when
// present, is loaded into the environment first; CLASSROOM_* variables
// override file values.
func LoadFrom(dir, env string) (*Config, error) {
	if env == "" {
		env = "dev"
	}
	logger := log.With().Str("module", "config").Str("env", env).Logger()

	dotEnv := filepath.Join(dir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnv); err == nil {
		if err := godotenv.Load(dotEnv); err != nil {
			return nil, fmt.Errorf("load %s: %w", dotEnv, err)
		}
		logger.Info().Str("file", dotEnv).Msg("loaded env file")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	fileName := filepath.Join(dir, "config", fmt.Sprintf("config.%s.yaml", env))
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		logger.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Store != "memory" && cfg.Store != "sqlite" {
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.Secret == "" {
		key := securecookie.GenerateRandomKey(32)
		if key == nil {
			return nil, errors.New("generate session secret")
		}
		cfg.Secret = hex.EncodeToString(key)
		logger.Warn().Msg("secret not set, cookie sessions will not survive a restart")
	}
	logger.Info().Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store).Msg("config ready")
	return &cfg, nil
}
