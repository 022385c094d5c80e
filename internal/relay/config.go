package relay

import (
	"log/slog"
	"time"
)

const (
	DefaultAddr                = ":8080"
	DefaultPath                = "/ws"
	DefaultMaxFrameBytes       = 1 << 20
	DefaultMaxSessionBytes     = 256 << 20
	DefaultMaxSessions         = 64
	DefaultMaxPendingPerTarget = 8
	DefaultHandshakeTimeout    = 60 * time.Second
	DefaultStallTimeout        = 60 * time.Second
	DefaultSendQueue           = 64
	DefaultPingInterval        = 25 * time.Second
	DefaultPongTimeout         = 60 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
	DefaultSweepInterval       = time.Second
)

type Config struct {
	Addr   string
	Path   string
	Logger *slog.Logger

	// AllowedOrigins lists the browser origins allowed to connect. Empty or
	// "*" allows any origin.
	AllowedOrigins []string

	MaxFrameBytes       int64
	MaxSessionBytes     int64
	MaxSessions         int
	MaxPendingPerTarget int

	HandshakeTimeout time.Duration
	StallTimeout     time.Duration

	SendQueue     int
	PingInterval  time.Duration
	PongTimeout   time.Duration
	WriteTimeout  time.Duration
	SweepInterval time.Duration

	// EventsPerSecond limits inbound frames per connection. Zero disables
	// the limiter.
	EventsPerSecond float64
	EventBurst      int

	// Ledger records connection and transfer metadata. Optional.
	Ledger Ledger
}

func DefaultConfig() Config {
	return Config{
		Addr:                DefaultAddr,
		Path:                DefaultPath,
		AllowedOrigins:      []string{"*"},
		MaxFrameBytes:       DefaultMaxFrameBytes,
		MaxSessionBytes:     DefaultMaxSessionBytes,
		MaxSessions:         DefaultMaxSessions,
		MaxPendingPerTarget: DefaultMaxPendingPerTarget,
		HandshakeTimeout:    DefaultHandshakeTimeout,
		StallTimeout:        DefaultStallTimeout,
		SendQueue:           DefaultSendQueue,
		PingInterval:        DefaultPingInterval,
		PongTimeout:         DefaultPongTimeout,
		WriteTimeout:        DefaultWriteTimeout,
		SweepInterval:       DefaultSweepInterval,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.MaxSessionBytes <= 0 {
		c.MaxSessionBytes = d.MaxSessionBytes
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.MaxPendingPerTarget <= 0 {
		c.MaxPendingPerTarget = d.MaxPendingPerTarget
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.EventsPerSecond > 0 && c.EventBurst <= 0 {
		c.EventBurst = int(c.EventsPerSecond) * 2
		if c.EventBurst < 1 {
			c.EventBurst = 1
		}
	}
	return c
}
