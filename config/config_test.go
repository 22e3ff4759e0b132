package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
)

func validConfig() Config {
	return Config{
		InstanceName:               DefaultInstanceName,
		InstanceID:                 DefaultInstanceID,
		ClusterCheckinInterval:     DefaultClusterCheckinIntervalMS,
		MisfireThreshold:           DefaultMisfireThresholdMS,
		MaxMisfiresToHandleAtATime: DefaultMaxMisfiresToHandleAtATime,
		LockOnInsert:               true,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "clustered requires db locks",
			mutate: func(c *Config) {
				c.IsClustered = true
				c.UseDBLocks = false
			},
			wantErr: "use_db_locks",
		},
		{
			name: "clustered with db locks is valid",
			mutate: func(c *Config) {
				c.IsClustered = true
				c.UseDBLocks = true
			},
		},
		{
			name: "checkin interval must be positive",
			mutate: func(c *Config) {
				c.ClusterCheckinInterval = 0
			},
			wantErr: "cluster_checkin_interval",
		},
		{
			name: "misfire threshold must be positive",
			mutate: func(c *Config) {
				c.MisfireThreshold = -1
			},
			wantErr: "misfire_threshold",
		},
		{
			name: "misfire batch size must be positive",
			mutate: func(c *Config) {
				c.MaxMisfiresToHandleAtATime = 0
			},
			wantErr: "max_misfires_to_handle_at_a_time",
		},
		{
			name: "instance name must not be empty",
			mutate: func(c *Config) {
				c.InstanceName = ""
			},
			wantErr: "instance_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsClientError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "AUTO", v.GetString("instance_id"))
	assert.Equal(t, DefaultInstanceName, v.GetString("instance_name"))
	assert.False(t, v.GetBool("is_clustered"))
	assert.Equal(t, int64(DefaultClusterCheckinIntervalMS), v.GetInt64("cluster_checkin_interval"))
	assert.Equal(t, int64(DefaultMisfireThresholdMS), v.GetInt64("misfire_threshold"))
	assert.Equal(t, DefaultMaxMisfiresToHandleAtATime, v.GetInt("max_misfires_to_handle_at_a_time"))
	assert.True(t, v.GetBool("lock_on_insert"))
	assert.False(t, v.GetBool("use_db_locks"))
	assert.Equal(t, DefaultDatabasePath, v.GetString("db.path"))
	assert.False(t, v.GetBool("log.json"))
}

func TestLoadFromFile(t *testing.T) {
	t.Run("reads values and keeps defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "tempo.toml")

		content := `
instance_name = "prod-scheduler"
is_clustered = true
use_db_locks = true
cluster_checkin_interval = 15000

[db]
path = "/var/lib/tempo/tempo.db"
`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		cfg, err := LoadFromFile(configPath)
		require.NoError(t, err)

		assert.Equal(t, "prod-scheduler", cfg.InstanceName)
		assert.True(t, cfg.IsClustered)
		assert.True(t, cfg.UseDBLocks)
		assert.Equal(t, int64(15000), cfg.ClusterCheckinInterval)
		assert.Equal(t, "/var/lib/tempo/tempo.db", cfg.Database.Path)

		// Untouched keys keep their defaults
		assert.Equal(t, "AUTO", cfg.InstanceID)
		assert.Equal(t, int64(DefaultMisfireThresholdMS), cfg.MisfireThreshold)
		assert.True(t, cfg.LockOnInsert)
	})

	t.Run("rejects invalid combinations", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "tempo.toml")

		content := `
is_clustered = true
use_db_locks = false
`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		_, err := LoadFromFile(configPath)
		require.Error(t, err)
		assert.True(t, errors.IsClientError(err))
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
		require.Error(t, err)
	})
}

func TestLoadCachesConfig(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first, err := Load()
	require.NoError(t, err)

	second, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, second)
}
