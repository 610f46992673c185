package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	// Store selects the signaling backend: memory or firestore.
	Store               string        `mapstructure:"store"`
	FirestoreProject    string        `mapstructure:"firestore_project"`
	FirestoreCredsFile  string        `mapstructure:"firestore_creds_file"`
	RingTimeout         time.Duration `mapstructure:"ring_timeout"`
	RoomEmptyCloseAfter time.Duration `mapstructure:"room_empty_close_after"`

	TokenURL    string   `mapstructure:"token_url"`
	GatewayURL  string   `mapstructure:"gateway_url"`
	STUNServers []string `mapstructure:"stun_servers"`
	AudioSource string   `mapstructure:"audio_source"`
	VideoSource string   `mapstructure:"video_source"`

	SignalRetryAttempts int           `mapstructure:"signal_retry_attempts"`
	SignalRetryBackoff  time.Duration `mapstructure:"signal_retry_backoff"`
	AcquireAttempts     int           `mapstructure:"acquire_attempts"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	RoomCapacity        int           `mapstructure:"room_capacity"`
	VolumeFloor         int           `mapstructure:"volume_floor"`

	// Identity of the user this node serves.
	UserID     string `mapstructure:"user_id"`
	UserName   string `mapstructure:"user_name"`
	UserAvatar string `mapstructure:"user_avatar"`
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
	v.SetDefault("store", "memory")
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("room_empty_close_after", "0s")
	v.SetDefault("signal_retry_attempts", 3)
	v.SetDefault("signal_retry_backoff", "250ms")
	v.SetDefault("acquire_attempts", 1)
	v.SetDefault("tick_interval", "1s")
	v.SetDefault("room_capacity", 0)
	v.SetDefault("volume_floor", 5)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.Store)
	return &cfg, nil
}
