package waiter

import (
	"fmt"
	"time"
)

// DefaultChannelPrefix is prepended to a job identifier to name its channel.
const DefaultChannelPrefix = "generate_assignment_id_"

// Config is shared by Waiter and Publisher.
type Config struct {
	// ChannelPrefix names channels as ChannelPrefix + job ID.
	// Default: DefaultChannelPrefix
	ChannelPrefix string

	// Timeout bounds each Wait. Zero waits until the caller gives up.
	Timeout time.Duration

	// TeardownTimeout bounds the unsubscribe that runs after a wait ends.
	// Default: 5s
	TeardownTimeout time.Duration

	// ResultTTL is how long published results stay in the result store.
	// Zero keeps them until overwritten.
	ResultTTL time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = DefaultChannelPrefix
	}
	if c.TeardownTimeout == 0 {
		c.TeardownTimeout = 5 * time.Second
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.ResultTTL < 0 {
		return fmt.Errorf("result TTL must not be negative")
	}
	return nil
}

// Channel returns the channel completions for jobID are published on.
func (c *Config) Channel(jobID string) string {
	return c.ChannelPrefix + jobID
}
