package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/cellink/urc"
)

// Config holds the settings of a Modem. Use NewConfigBuilder to obtain one
// with defaults applied.
type Config struct {
	Dialer Dialer
	// ATTimeout applies to commands whose context carries no deadline.
	ATTimeout time.Duration
	// InitTimeout bounds the whole initialization sequence run by New.
	InitTimeout time.Duration
	// DrainTimeout bounds how long the Loop waits for the late final result
	// of an abandoned command before accepting the next one.
	DrainTimeout time.Duration
	// URCBuffer is the capacity of the URC channel. URCs arriving while it
	// is full are dropped.
	URCBuffer int
	// EventMatcher tells unsolicited lines apart from command output while
	// a command is pending.
	EventMatcher func(line string) bool
	Logger       *slog.Logger
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.URCBuffer <= 0 {
		c.URCBuffer = 100
	}
	if c.EventMatcher == nil {
		c.EventMatcher = urc.Match
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithDrainTimeout(d time.Duration) *ConfigBuilder {
	b.config.DrainTimeout = d
	return b
}

func (b *ConfigBuilder) WithURCBuffer(n int) *ConfigBuilder {
	b.config.URCBuffer = n
	return b
}

func (b *ConfigBuilder) WithEventMatcher(match func(string) bool) *ConfigBuilder {
	b.config.EventMatcher = match
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
