package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultServerAddr       = ":8000"
	DefaultRoomCapacity     = 50
	DefaultMinJoinTokens    = 5
	DefaultMessageCost      = 1
	DefaultAssistantTimeout = 20 * time.Second
	DefaultOllamaModel      = "llama3.2"
	DefaultNatsSubject      = "discuss.rooms"

	envPrefix = "DISCUSS"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string

	RoomCapacity  int
	MinJoinTokens int
	MessageCost   int

	// OllamaHost enables the assistant when set.
	OllamaHost       string
	OllamaModel      string
	AssistantTimeout time.Duration

	// NatsURL enables cross-instance broadcasts when set.
	NatsURL     string
	NatsSubject string

	// OtlpEndpoint enables OpenTelemetry metric export when set.
	OtlpEndpoint string

	LogLevel       string
	LogFormat      string
	MigrateOnStart bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// NewConfig builds a Config with the required settings and defaults for
// everything else.
func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:      databaseDSN,
		ServerAddr:       serverAddr,
		SigningKey:       signingKey,
		AllowedOrigins:   allowedOrigins,
		RoomCapacity:     DefaultRoomCapacity,
		MinJoinTokens:    DefaultMinJoinTokens,
		MessageCost:      DefaultMessageCost,
		OllamaModel:      DefaultOllamaModel,
		AssistantTimeout: DefaultAssistantTimeout,
		NatsSubject:      DefaultNatsSubject,
		LogLevel:         "info",
		LogFormat:        "json",
	}, nil
}

func (c *Config) Validate() error {
	if c.RoomCapacity <= 0 {
		return fmt.Errorf("room capacity must be positive, got %d", c.RoomCapacity)
	}
	if c.MinJoinTokens < 0 {
		return fmt.Errorf("minimum join tokens cannot be negative, got %d", c.MinJoinTokens)
	}
	if c.MessageCost < 0 {
		return fmt.Errorf("message cost cannot be negative, got %d", c.MessageCost)
	}
	if c.AssistantTimeout <= 0 {
		return fmt.Errorf("assistant timeout must be positive, got %s", c.AssistantTimeout)
	}
	if c.OllamaHost != "" && c.OllamaModel == "" {
		return fmt.Errorf("ollama model cannot be empty when a host is set")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	return nil
}

// Load reads the configuration from flags, DISCUSS_* environment variables
// and an optional .env file, in that order of precedence.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	fs.String("addr", DefaultServerAddr, "address to listen on")
	fs.String("database-dsn", "", "postgres connection string")
	fs.String("signing-key", "", "base64 encoded HMAC key used to verify session tokens")
	fs.String("allowed-origins", "", "comma separated list of allowed origins")
	fs.Int("room-capacity", DefaultRoomCapacity, "maximum occupants per sub room")
	fs.Int("min-join-tokens", DefaultMinJoinTokens, "minimum token balance required to join a topic")
	fs.Int("message-cost", DefaultMessageCost, "tokens charged per message")
	fs.String("ollama-host", "", "ollama base URL, enables the assistant")
	fs.String("ollama-model", DefaultOllamaModel, "model used by the assistant")
	fs.Duration("assistant-timeout", DefaultAssistantTimeout, "time allowed for an assistant reply")
	fs.String("nats-url", "", "NATS server URL, enables cross-instance broadcasts")
	fs.String("nats-subject", DefaultNatsSubject, "NATS subject for room broadcasts")
	fs.String("otlp-endpoint", "", "OTLP gRPC collector host:port, enables metric export")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "json", "log format, json or console")
	fs.Bool("migrate", true, "apply database migrations on start")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	cfg, err := NewConfig(
		v.GetString("addr"),
		v.GetString("database-dsn"),
		v.GetString("signing-key"),
		splitList(v.GetString("allowed-origins")),
	)
	if err != nil {
		return nil, err
	}

	cfg.RoomCapacity = v.GetInt("room-capacity")
	cfg.MinJoinTokens = v.GetInt("min-join-tokens")
	cfg.MessageCost = v.GetInt("message-cost")
	cfg.OllamaHost = v.GetString("ollama-host")
	cfg.OllamaModel = v.GetString("ollama-model")
	cfg.AssistantTimeout = v.GetDuration("assistant-timeout")
	cfg.NatsURL = v.GetString("nats-url")
	cfg.NatsSubject = v.GetString("nats-subject")
	cfg.OtlpEndpoint = v.GetString("otlp-endpoint")
	cfg.LogLevel = v.GetString("log-level")
	cfg.LogFormat = v.GetString("log-format")
	cfg.MigrateOnStart = v.GetBool("migrate")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
