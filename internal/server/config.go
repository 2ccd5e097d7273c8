package server

import (
	"time"

	"payload-persist/internal/protocol"
)

type Config struct {
	Framing         protocol.Framing
	MaxRequestBytes int
	// ReadTimeout bounds the wait for a request; zero disables it.
	ReadTimeout time.Duration
	// RateLimit is the number of connections per minute accepted from one
	// remote IP; zero disables it.
	RateLimit int
}

func (c *Config) setDefaults() {
	if c.Framing == nil {
		c.Framing = protocol.LengthPrefixed{}
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = protocol.DefaultMaxRequestBytes
	}
}
