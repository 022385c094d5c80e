package peer

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
)

const (
	DefaultMaxAttempts  = 5
	DefaultRetryDelay   = time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultEventBuffer  = 64
)

type Config struct {
	// RelayURL is the websocket endpoint, e.g. ws://host:8080/ws.
	RelayURL string
	Logger   *logrus.Logger

	// Descriptor and DisplayName are announced after every (re)connect
	// when Descriptor is set.
	Descriptor  string
	DisplayName string

	ChunkSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
	WriteTimeout time.Duration
	EventBuffer  int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = protocol.DefaultChunkSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}
