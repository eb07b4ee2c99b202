package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Session holds the cadence and bounds of a client's meeting session loops.
type Session struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	ChatInterval      time.Duration `mapstructure:"chat_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	InboundQueue      int           `mapstructure:"inbound_queue"`
	MaxDials          int           `mapstructure:"max_dials"`
}

type Media struct {
	Video       bool `mapstructure:"video"`
	Audio       bool `mapstructure:"audio"`
	ScreenShare bool `mapstructure:"screen_share"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`
	// LogFile, when set, also writes JSON logs to a size-rotated file.
	LogFile      string `mapstructure:"log_file"`
	LogMaxSizeMB int    `mapstructure:"log_max_size_mb"`

	// server side
	PublicURL      string        `mapstructure:"public_url"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PeerTTL        time.Duration `mapstructure:"peer_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ChatRateLimit  int           `mapstructure:"chat_rate_limit"`
	ChatRateWindow time.Duration `mapstructure:"chat_rate_window"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`

	// client side
	ServerURL   string   `mapstructure:"server_url"`
	DisplayName string   `mapstructure:"display_name"`
	ICEServers  []string `mapstructure:"ice_servers"`
	Session     Session  `mapstructure:"session"`
	Media       Media    `mapstructure:"media"`
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 100)

	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("peer_ttl", "30s")
	v.SetDefault("sweep_interval", "10s")
	v.SetDefault("chat_rate_limit", 10)
	v.SetDefault("chat_rate_window", "10s")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("display_name", "guest")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("session.heartbeat_interval", "10s")
	v.SetDefault("session.poll_interval", "3s")
	v.SetDefault("session.poll_timeout", "5s")
	v.SetDefault("session.chat_interval", "3s")
	v.SetDefault("session.connect_timeout", "15s")
	v.SetDefault("session.request_timeout", "10s")
	v.SetDefault("session.inbound_queue", 8)
	v.SetDefault("session.max_dials", 4)
	v.SetDefault("media.video", true)
	v.SetDefault("media.audio", true)
	v.SetDefault("media.screen_share", true)
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults. A missing
// file is not an error.
func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith is Load on a caller-prepared viper instance, e.g. one with flags bound.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("server_url", cfg.ServerURL).Msg("config ready")
	return &cfg, nil
}
