package database

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID   uint
	Name string
}

// sqliteConfig returns an in-memory SQLite Config
func sqliteConfig() Config {
	return Config{Driver: DriverSQLite, DSN: ":memory:", MaxOpenConns: 1}
}

// postgresConfig returns a Config for a local test PostgreSQL
func postgresConfig() Config {
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		host = "localhost"
	}

	return Config{
		Driver:          DriverPostgres,
		Host:            host,
		Port:            5432,
		User:            "dock",
		Password:        "test_password",
		DBName:          "dock_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func TestNew_SQLite(t *testing.T) {
	db, err := New(sqliteConfig())
	require.NoError(t, err)
	defer Close(db)

	assert.NoError(t, HealthCheck(db))
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestMigrate(t *testing.T) {
	db, err := New(sqliteConfig())
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, Migrate(db))
	assert.False(t, db.Migrator().HasTable(&record{}))

	require.NoError(t, Migrate(db, &record{}))
	assert.True(t, db.Migrator().HasTable(&record{}))

	// migrating an existing table is a no-op
	require.NoError(t, Migrate(db, &record{}))
}

func TestClose(t *testing.T) {
	db, err := New(sqliteConfig())
	require.NoError(t, err)

	require.NoError(t, Close(db))
	assert.Error(t, HealthCheck(db))
}

// TestConnectionPool tests connection pool configuration
func TestConnectionPool(t *testing.T) {
	config := postgresConfig()
	config.MaxOpenConns = 25
	config.MaxIdleConns = 10

	db, err := New(config)
	if err != nil {
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
	}
	defer Close(db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, config.MaxOpenConns, sqlDB.Stats().MaxOpenConnections)
}
