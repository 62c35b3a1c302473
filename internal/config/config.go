package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ICEServer is one STUN/TURN entry handed to peers and to the server-side
// AI peer connection.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	ICEServers []ICEServer `mapstructure:"ice_servers"`

	ThrottleInterval time.Duration `mapstructure:"throttle_interval"`
	AnalysisTimeout  time.Duration `mapstructure:"analysis_timeout"`
	AnalyzerURL      string        `mapstructure:"analyzer_url"`

	GraceWindow time.Duration `mapstructure:"grace_window"`
	EvictAfter  time.Duration `mapstructure:"evict_after"`

	ICEBufferCapacity    int           `mapstructure:"ice_buffer_capacity"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
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
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("throttle_interval", "500ms")
	v.SetDefault("analysis_timeout", "5s")
	v.SetDefault("analyzer_url", "")
	v.SetDefault("grace_window", "30s")
	v.SetDefault("evict_after", "5m")
	v.SetDefault("ice_buffer_capacity", 64)
	v.SetDefault("reconnect_max_attempts", 10)
	v.SetDefault("backoff_base", "1s")
	v.SetDefault("backoff_cap", "30s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
