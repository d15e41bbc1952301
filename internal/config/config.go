package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MESHROOM"

// Config is the bus server configuration.
type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	JoinRate     int           `mapstructure:"join_rate"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
	MaxMembers   int           `mapstructure:"max_members"`
	Backpressure string        `mapstructure:"backpressure"`
}

// Peer is the CLI participant configuration.
type Peer struct {
	ServerURL  string   `mapstructure:"server_url"`
	Room       string   `mapstructure:"room"`
	ICEServers []string `mapstructure:"ice_servers"`
	Codec      string   `mapstructure:"codec"`
	AudioFile  string   `mapstructure:"audio_file"`
	LogLevel   string   `mapstructure:"log_level"`
}

func (p *Peer) WebRTCICEServers() []webrtc.ICEServer {
	if len(p.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: p.ICEServers}}
}

func newViper() (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func read(v *viper.Viper, fileName string) error {
	err := v.ReadInConfig()
	if err == nil {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return nil
	}
	return fmt.Errorf("read %s: %w", fileName, err)
}

func Load() (*Config, error) {
	v, fileName := newViper()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "meshroom-dev-secret")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("join_rate", 10)
	v.SetDefault("join_interval", "1m")
	v.SetDefault("max_members", 0)
	v.SetDefault("backpressure", "kick")

	if err := read(v, fileName); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("server config")
	return &cfg, nil
}

// LoadPeer layers flags over environment over file over defaults. Flag names use dashes
// where config keys use underscores.
func LoadPeer(flags *pflag.FlagSet) (*Peer, error) {
	v, fileName := newViper()

	v.SetDefault("server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room", "lobby")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("codec", "json")
	v.SetDefault("audio_file", "")
	v.SetDefault("log_level", "info")

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}
	if err := read(v, fileName); err != nil {
		return nil, err
	}
	var cfg Peer
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
