package session

import "time"

// Config defines per-session timing.
type Config struct {
	ConfigureTimeout  time.Duration
	ProbeTimeout      time.Duration
	DisconnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfigureTimeout:  30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		DisconnectTimeout: 2 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConfigureTimeout <= 0 {
		c.ConfigureTimeout = d.ConfigureTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	return c
}
