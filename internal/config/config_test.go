package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDBConnectRetryPolicy(t *testing.T) {
	t.Setenv("DB_CONNECT_RETRIES", "")
	t.Setenv("DB_CONNECT_BACKOFF_SECONDS", "")

	cfg := Load()
	assert.Equal(t, 30, cfg.DBConnectRetries)
	assert.Equal(t, 2*time.Second, cfg.DBConnectBackoff)

	t.Setenv("DB_CONNECT_RETRIES", "5")
	t.Setenv("DB_CONNECT_BACKOFF_SECONDS", "1")

	cfg = Load()
	assert.Equal(t, 5, cfg.DBConnectRetries)
	assert.Equal(t, time.Second, cfg.DBConnectBackoff)
}
