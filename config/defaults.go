package config

import "github.com/spf13/viper"

// Default values applied before any config file or environment override.
const (
	DefaultInstanceName               = "TempoScheduler"
	DefaultInstanceID                 = "AUTO"
	DefaultClusterCheckinIntervalMS   = 7500
	DefaultMisfireThresholdMS         = 60000
	DefaultMaxMisfiresToHandleAtATime = 20
	DefaultDatabasePath               = "tempo.db"
)

// SetDefaults registers the default configuration values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("instance_name", DefaultInstanceName)
	v.SetDefault("instance_id", DefaultInstanceID)
	v.SetDefault("is_clustered", false)
	v.SetDefault("cluster_checkin_interval", DefaultClusterCheckinIntervalMS)
	v.SetDefault("misfire_threshold", DefaultMisfireThresholdMS)
	v.SetDefault("max_misfires_to_handle_at_a_time", DefaultMaxMisfiresToHandleAtATime)
	v.SetDefault("lock_on_insert", true)
	v.SetDefault("use_db_locks", false)
	v.SetDefault("select_with_lock_sql", "")
	v.SetDefault("db.path", DefaultDatabasePath)
	v.SetDefault("log.json", false)
}
