package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("PRESENCE_GRACE", "")
	t.Setenv("AUTH_TIMEOUT", "")
	t.Setenv("CORS_ORIGINS", "")

	cfg := Load()
	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 3*time.Second, cfg.PresenceGrace)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("AUTH_TIMEOUT", "2s")
	t.Setenv("PRESENCE_GRACE", "not-a-duration")
	t.Setenv("DEBUG_ROUTES", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")

	cfg := Load()
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 2*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 3*time.Second, cfg.PresenceGrace)
	assert.True(t, cfg.DebugRoutes)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}
