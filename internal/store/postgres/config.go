package postgres

import "fmt"

// ResultStoreConfig holds configuration for the PostgreSQL result store.
// Pool configuration is handled separately via PoolConfig.
type ResultStoreConfig struct {
	// QueryTimeoutSeconds is the maximum time a query can run before timing out.
	// Default: 5 seconds
	QueryTimeoutSeconds int32

	// CleanupIntervalSeconds is how often expired results are deleted.
	// Default: 60 seconds
	CleanupIntervalSeconds int32
}

// Validate checks that the configuration is valid.
func (c *ResultStoreConfig) Validate() error {
	if c.QueryTimeoutSeconds < 0 {
		return fmt.Errorf("query timeout must not be negative")
	}
	if c.CleanupIntervalSeconds < 0 {
		return fmt.Errorf("cleanup interval must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *ResultStoreConfig) ApplyDefaults() {
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 5
	}
	if c.CleanupIntervalSeconds == 0 {
		c.CleanupIntervalSeconds = 60
	}
}
