package client

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/databox/internal/core/observability/log"
	"github.com/zeusync/databox/internal/core/protocol/websocket"
)

// Config holds the client configuration. It is usually loaded from YAML.
type Config struct {
	// ServerURL is the WebSocket endpoint, e.g. ws://localhost:8080/databox.
	ServerURL string            `yaml:"server_url"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	// Databox is the default databox opened by the CLI.
	Databox string `yaml:"databox,omitempty"`

	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	ParallelFetch   bool         `yaml:"parallel_fetch"`
	CombineSeqEdits bool         `yaml:"combine_seq_edits"`
	Reload          ReloadConfig `yaml:"reload"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// ReconnectConfig is the dial retry policy.
type ReconnectConfig struct {
	Retries         int           `yaml:"retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// RateLimitConfig caps fetches per databox. Zero requests disables it.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ReloadConfig overrides the reload strategy chosen by the server.
type ReloadConfig struct {
	Strategy string         `yaml:"strategy,omitempty"`
	Options  map[string]any `yaml:"options,omitempty"`
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	ws := websocket.DefaultConfig()
	return Config{
		ServerURL:      "ws://localhost:8080/databox",
		ConnectTimeout: 30 * time.Second,
		RequestTimeout: ws.RequestTimeout,
		PingInterval:   ws.PingInterval,
		Reconnect: ReconnectConfig{
			Retries:         ws.DialRetries,
			InitialInterval: ws.DialInitialInterval,
			MaxInterval:     ws.DialMaxInterval,
		},
		LogLevel: log.LevelInfo.String(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Unknown keys are
// rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config")
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.Wrap(ErrInvalidConfig, "server_url is required")
	}
	if c.ConnectTimeout < 0 || c.RequestTimeout < 0 || c.PingInterval < 0 {
		return errors.Wrap(ErrInvalidConfig, "timeouts must not be negative")
	}
	if c.Reconnect.Retries < 0 {
		return errors.Wrap(ErrInvalidConfig, "reconnect.retries must not be negative")
	}
	if c.RateLimit.Requests < 0 || (c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0) {
		return errors.Wrap(ErrInvalidConfig, "rate_limit needs a positive window")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// Clone returns a deep copy, so maps can be changed without touching c.
func (c Config) Clone() (Config, error) {
	var out Config
	if err := deepcopy.Copy(&out, &c); err != nil {
		return Config{}, errors.Wrap(err, "failed to copy config")
	}
	return out, nil
}

func (c Config) websocketConfig() websocket.Config {
	ws := websocket.DefaultConfig()
	ws.URL = c.ServerURL
	if len(c.Headers) > 0 {
		ws.Header = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			ws.Header.Set(k, v)
		}
	}
	ws.RequestTimeout = c.RequestTimeout
	ws.PingInterval = c.PingInterval
	ws.DialRetries = c.Reconnect.Retries
	ws.DialInitialInterval = c.Reconnect.InitialInterval
	ws.DialMaxInterval = c.Reconnect.MaxInterval
	return ws
}
