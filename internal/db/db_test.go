package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/promptembed/internal/config"
)

func TestDSN(t *testing.T) {
	require.Equal(t, "postgres://x", DSN(config.DatabaseConfig{DSN: "postgres://x", Host: "ignored"}))
	require.Equal(t,
		"host=db port=5432 user=u password=p dbname=cache sslmode=disable",
		DSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "cache"}))
	require.Contains(t, DSN(config.DatabaseConfig{Host: "db", SSLMode: "require"}), "sslmode=require")
}

func TestMigrationFiles(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	require.Equal(t, "001_vector_cache.sql", files[0])
	require.IsIncreasing(t, files)
}
