package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, 10, cfg.SyncNum)
	assert.Equal(t, 30, cfg.BatchSize)
	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, "config/schedule.yaml", cfg.ScheduleFile)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PCRDB_HOST", "db.internal")
	t.Setenv("PCRDB_PORT", "5433")
	t.Setenv("PCRDB_SYNC_NUM", "4")
	t.Setenv("PCRDB_LOG_JSON", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, 5433, cfg.DBPort)
	assert.Equal(t, 4, cfg.SyncNum)
	assert.True(t, cfg.LogJSON)
}

func TestDSN(t *testing.T) {
	cfg := &Config{
		DBHost: "h", DBPort: 5432, DBName: "d", DBUser: "u", DBPassword: "p",
	}
	assert.Equal(t, "host=h port=5432 dbname=d user=u password=p", cfg.DSN())
}
