package proxy

import (
	"net"
	"time"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultChannelOpenTimeout = 10 * time.Second
	DefaultBufferSize         = 32 * 1024
)

type Config struct {
	// NegotiationTimeout bounds the greeting and request reads.
	NegotiationTimeout time.Duration

	// ChannelOpenTimeout bounds each channel open through the tunnel.
	ChannelOpenTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// LogTraffic emits one event per relayed connection.
	LogTraffic bool

	BufferSize int
}

func (c Config) withDefaults() Config {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.ChannelOpenTimeout <= 0 {
		c.ChannelOpenTimeout = DefaultChannelOpenTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}
