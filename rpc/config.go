package rpc

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// ServerConfig contains all configuration parameters for the RPC server.
type ServerConfig struct {
	// ListenAddr is the address and port the server will listen on.
	ListenAddr string

	// TLSConfig is the server side of the attested channel, see NewServerTLSConfig.
	TLSConfig *tls.Config

	// Log is the structured logger for server operations.
	Log *slog.Logger

	// DrainDuration is the time to wait after marking server not ready
	// before shutting down.
	DrainDuration time.Duration

	// GracefulShutdownDuration is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (cfg *ServerConfig) withDefaults() *ServerConfig {
	c := *cfg
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.GracefulShutdownDuration == 0 {
		c.GracefulShutdownDuration = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	return &c
}
