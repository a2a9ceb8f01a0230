package storage

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg := ConfigFromEnv()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "canopy", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 10, cfg.MaxConns)
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("CANOPY_DB_HOST", "db.internal")
	t.Setenv("CANOPY_DB_PORT", "5433")
	t.Setenv("CANOPY_DB_MAX_CONNS", "25")

	cfg := ConfigFromEnv()

	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 5433, cfg.Port)
	assert.Equal(t, 25, cfg.MaxConns)
}

func TestConfigFromEnv_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("CANOPY_DB_PORT", "not-a-port")

	cfg := ConfigFromEnv()
	assert.Equal(t, 5432, cfg.Port)
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		Host: "localhost", Port: 5432, User: "canopy",
		Password: "secret", Database: "canopy", SSLMode: "require",
	}

	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=canopy")
	assert.Contains(t, dsn, "sslmode=require")
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	has, err := hasEmbeddedMigrations()
	require.NoError(t, err)
	assert.True(t, has)
}

// Every up migration must ship a matching down migration.
func TestMigrationsPaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}

	assert.Equal(t, ups, downs)
}
