package websocket

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Config holds the client connection settings.
type Config struct {
	URL    string
	Header http.Header

	HandshakeTimeout time.Duration
	// RequestTimeout bounds requests whose context has no deadline.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64

	// Dial retry policy.
	DialRetries         int
	DialInitialInterval time.Duration
	DialMaxInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    10 * time.Second,
		RequestTimeout:      15 * time.Second,
		WriteTimeout:        10 * time.Second,
		PingInterval:        30 * time.Second,
		MaxMessageSize:      4 << 20,
		DialRetries:         5,
		DialInitialInterval: 200 * time.Millisecond,
		DialMaxInterval:     5 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.Wrap(ErrInvalidConfig, "url is required")
	}
	if c.DialRetries < 0 {
		return errors.Wrap(ErrInvalidConfig, "dial retries must not be negative")
	}
	return nil
}
