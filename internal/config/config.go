// internal/config/config.go
// Package config loads settings for the chat client and the relay: defaults, then an
// optional JSON file, then an optional .env file, then environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/message"
)

const (
	DefaultFile    = "groupchat.json"
	DefaultEnvFile = ".env"
)

// Duration reads "10s" style strings from JSON and the environment.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	BrokerURL       string   `json:"broker_url" env:"CHAT_BROKER_URL"`
	Transport       string   `json:"transport" env:"CHAT_TRANSPORT"` // stomp or nats
	Topic           string   `json:"topic" env:"CHAT_TOPIC"`
	Destination     string   `json:"destination" env:"CHAT_DESTINATION"`
	JoinDestination string   `json:"join_destination" env:"CHAT_JOIN_DESTINATION"` // empty disables the join announcement
	ConnectTimeout  Duration `json:"connect_timeout" env:"CHAT_CONNECT_TIMEOUT"`

	Reconnect ReconnectConfig  `json:"reconnect"`
	Relay     RelayConfig      `json:"relay"`
	Log       logger.LogConfig `json:"log"`
}

type ReconnectConfig struct {
	Enabled         bool     `json:"enabled" env:"CHAT_RECONNECT"`
	InitialInterval Duration `json:"initial_interval" env:"CHAT_RECONNECT_INITIAL_INTERVAL"`
	MaxInterval     Duration `json:"max_interval" env:"CHAT_RECONNECT_MAX_INTERVAL"`
}

type RelayConfig struct {
	Addr string `json:"addr" env:"RELAY_ADDR"`
	// NatsURL enables the NATS bridge when set.
	NatsURL       string `json:"nats_url" env:"NATS_URL"`
	MirrorSubject string `json:"mirror_subject" env:"RELAY_MIRROR_SUBJECT"`
}

func Default() Config {
	return Config{
		BrokerURL:       "ws://localhost:8080/ws",
		Transport:       "stomp",
		Topic:           message.GroupTopic,
		Destination:     message.SendDestination,
		JoinDestination: message.JoinDestination,
		ConnectTimeout:  Duration(10 * time.Second),
		Reconnect: ReconnectConfig{
			Enabled:         false,
			InitialInterval: Duration(time.Second),
			MaxInterval:     Duration(30 * time.Second),
		},
		Relay: RelayConfig{
			Addr:          ":8080",
			MirrorSubject: "chat.group",
		},
		Log: logger.DefaultLogConfig(),
	}
}

// Load builds the configuration. Missing files are not an error; the environment
// always wins.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.BrokerURL == "" {
		errs = append(errs, errors.New("broker_url is required"))
	}
	switch c.Transport {
	case "stomp", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.Destination == "" {
		errs = append(errs, errors.New("destination is required"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.Reconnect.Enabled && (c.Reconnect.InitialInterval <= 0 || c.Reconnect.MaxInterval < c.Reconnect.InitialInterval) {
		errs = append(errs, errors.New("reconnect intervals must be positive and max_interval >= initial_interval"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
