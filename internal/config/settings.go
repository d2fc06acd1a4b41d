package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the runtime configuration resolved from flags, env (DUELINE_*) and dueline.yaml.
type Settings struct {
	Workspace  string             `mapstructure:"workspace"`
	PolicyFile string             `mapstructure:"policy_file"`
	Log        LogSettings        `mapstructure:"log"`
	DB         DBSettings         `mapstructure:"db"`
	Sweep      SweepSettings      `mapstructure:"sweep"`
	Escalation EscalationSettings `mapstructure:"escalation"`
	Dispatch   DispatchSettings   `mapstructure:"dispatch"`
	Server     ServerSettings     `mapstructure:"server"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type DBSettings struct {
	BusyTimeoutMs int `mapstructure:"busy_timeout_ms"`
}

type SweepSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type EscalationSettings struct {
	// OnRead escalates inline when a status query finds an item at risk or breached.
	OnRead bool   `mapstructure:"on_read"`
	Actor  string `mapstructure:"actor"`
}

type DispatchSettings struct {
	QueueSize      int             `mapstructure:"queue_size"`
	Workers        int             `mapstructure:"workers"`
	MaxRetries     int             `mapstructure:"max_retries"`
	InitialBackoff time.Duration   `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration   `mapstructure:"max_backoff"`
	Channels       []string        `mapstructure:"channels"`
	Webhook        WebhookSettings `mapstructure:"webhook"`
	Kafka          KafkaSettings   `mapstructure:"kafka"`
}

type WebhookSettings struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type KafkaSettings struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ServerSettings struct {
	Addr             string `mapstructure:"addr"`
	BasePath         string `mapstructure:"base_path"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	AllowActorHeader bool   `mapstructure:"allow_actor_header"`
}

// SetDefaults registers defaults for every settings key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("policy_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("db.busy_timeout_ms", 5000)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("escalation.on_read", false)
	v.SetDefault("escalation.actor", "system:sla")
	v.SetDefault("dispatch.queue_size", 1000)
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.max_retries", 5)
	v.SetDefault("dispatch.initial_backoff", time.Second)
	v.SetDefault("dispatch.max_backoff", 30*time.Second)
	v.SetDefault("dispatch.channels", []string{"log"})
	v.SetDefault("dispatch.webhook.url", "")
	v.SetDefault("dispatch.webhook.secret", "")
	v.SetDefault("dispatch.webhook.timeout", 5*time.Second)
	v.SetDefault("dispatch.webhook.rate_limit", 0.0)
	v.SetDefault("dispatch.webhook.burst", 1)
	v.SetDefault("dispatch.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("dispatch.kafka.topic", "dueline-escalations")
	v.SetDefault("dispatch.kafka.write_timeout", 10*time.Second)
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/v0")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allow_actor_header", false)
}

// BindEnv wires DUELINE_* environment variables onto settings keys.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("DUELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// ReadFile merges an optional dueline.yaml from the workspace.
func ReadFile(v *viper.Viper, workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	v.SetConfigName("dueline")
	v.SetConfigType("yaml")
	v.AddConfigPath(workspace)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read settings file: %w", err)
		}
	}
	return nil
}

// LoadSettings decodes the resolved settings.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	if s.Sweep.Enabled && s.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if s.Dispatch.Webhook.RateLimit < 0 {
		return fmt.Errorf("dispatch.webhook.rate_limit must not be negative")
	}
	if s.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if s.Dispatch.InitialBackoff <= 0 || s.Dispatch.MaxBackoff < s.Dispatch.InitialBackoff {
		return fmt.Errorf("dispatch backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	for _, ch := range s.Dispatch.Channels {
		switch ch {
		case "log":
		case "webhook":
			if s.Dispatch.Webhook.URL == "" {
				return fmt.Errorf("dispatch.webhook.url is required for the webhook channel")
			}
		case "kafka":
			if len(s.Dispatch.Kafka.Brokers) == 0 || s.Dispatch.Kafka.Topic == "" {
				return fmt.Errorf("dispatch.kafka.brokers and dispatch.kafka.topic are required for the kafka channel")
			}
		default:
			return fmt.Errorf("unknown dispatch channel %q", ch)
		}
	}
	return nil
}
