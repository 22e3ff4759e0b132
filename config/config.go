// Package config loads tempo configuration from TOML files and the
// environment using viper.
package config

import (
	"github.com/teranos/tempo/errors"
)

// Config holds the scheduler store configuration.
type Config struct {
	// InstanceName identifies the logical scheduler this store belongs to.
	InstanceName string `mapstructure:"instance_name"`

	// InstanceID identifies this process within the cluster. The value
	// "AUTO" generates a unique id from the hostname at startup.
	InstanceID string `mapstructure:"instance_id"`

	// IsClustered enables cluster check-in and failover recovery.
	IsClustered bool `mapstructure:"is_clustered"`

	// ClusterCheckinInterval is the heartbeat period in milliseconds.
	ClusterCheckinInterval int64 `mapstructure:"cluster_checkin_interval"`

	// MisfireThreshold is how late (milliseconds) a trigger may fire
	// before it is considered misfired.
	MisfireThreshold int64 `mapstructure:"misfire_threshold"`

	// MaxMisfiresToHandleAtATime bounds each misfire recovery pass.
	MaxMisfiresToHandleAtATime int `mapstructure:"max_misfires_to_handle_at_a_time"`

	// LockOnInsert controls whether pure inserts take the trigger lock.
	LockOnInsert bool `mapstructure:"lock_on_insert"`

	// UseDBLocks selects row-based locks instead of in-process mutexes.
	// Required when IsClustered is set.
	UseDBLocks bool `mapstructure:"use_db_locks"`

	// SelectWithLockSQL overrides the row-lock statement. Empty means
	// the SQLite default (a write statement against sched_locks).
	SelectWithLockSQL string `mapstructure:"select_with_lock_sql"`

	Database DatabaseConfig `mapstructure:"db"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Validate rejects configurations the store cannot run with.
func (c *Config) Validate() error {
	if c.IsClustered && !c.UseDBLocks {
		return errors.NewClientError("clustered mode requires use_db_locks")
	}
	if c.ClusterCheckinInterval <= 0 {
		return errors.NewClientError("cluster_checkin_interval must be positive, got %d", c.ClusterCheckinInterval)
	}
	if c.MisfireThreshold <= 0 {
		return errors.NewClientError("misfire_threshold must be positive, got %d", c.MisfireThreshold)
	}
	if c.MaxMisfiresToHandleAtATime <= 0 {
		return errors.NewClientError("max_misfires_to_handle_at_a_time must be positive, got %d", c.MaxMisfiresToHandleAtATime)
	}
	if c.InstanceName == "" {
		return errors.NewClientError("instance_name must not be empty")
	}
	return nil
}
