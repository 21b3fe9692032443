package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DEFAULT_STEPS", "DEFAULT_CFG", "POLL_INTERVAL", "JOB_TIMEOUT", "ENABLE_SAFETY", "COMFYUI_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, 32, cfg.DefaultSteps)
	assert.Equal(t, 6.0, cfg.DefaultCFG)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.JobTimeout)
	assert.True(t, cfg.EnableSafety)
	assert.Equal(t, "http://127.0.0.1:8188", cfg.EngineURL)
	assert.Zero(t, cfg.RateLimitCapacity)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COMFYUI_URL", "http://engine:8188/")
	t.Setenv("ENABLE_SAFETY", "FALSE")
	t.Setenv("JOB_TIMEOUT", "90")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("DEFAULT_WIDTH", "768")

	cfg := Load()

	assert.Equal(t, "http://engine:8188", cfg.EngineURL)
	assert.False(t, cfg.EnableSafety)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 768, cfg.DefaultWidth)
}
