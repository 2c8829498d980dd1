package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// RoomAutoCreate makes the websocket join create missing rooms
	// instead of failing with room-not-found.
	RoomAutoCreate bool `mapstructure:"room_auto_create"`
	// SendBuffer is the per-connection outbound queue; a member that
	// overflows it is treated as slow and kicked.
	SendBuffer int `mapstructure:"send_buffer"`
	// RateLimit / RateInterval bound join attempts per session id and
	// room creations per client token. Zero disables limiting.
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`

	StunURLs            []string      `mapstructure:"stun_urls"`
	PendingCandidateCap int           `mapstructure:"pending_candidate_cap"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("room_auto_create", true)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("rate_limit", 5)
	v.SetDefault("rate_interval", "10s")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("pending_candidate_cap", 32)
	v.SetDefault("handshake_timeout", "15s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
