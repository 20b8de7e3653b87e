// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "127.0.0.1:5552", cfg.Listen)
	assert.Equal(t, "outputs", cfg.OutputDir)
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, 5, cfg.MaxTasksPerGPU)
	assert.Equal(t, 0.9, cfg.MaxMemoryUtilization)
	assert.Equal(t, 1.2, cfg.MemoryConfidence)
	assert.Equal(t, 50, cfg.CalibrationSamples)
	assert.Equal(t, 1.0, cfg.ReservedMemoryGB)
	assert.Equal(t, 2*time.Second, cfg.SchedulerTick)
	assert.Equal(t, 30*time.Second, cfg.GPUSnapshotTTL)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Hour, cfg.TaskTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 180*time.Second, cfg.StandardAudioDuration)
	assert.Equal(t, 0.3, cfg.AudioDurationSlope)
	assert.Equal(t, 128, cfg.EventBufferSize)

	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBED_LISTEN", "0.0.0.0:9000")
	t.Setenv("SCRIBED_MAX_CONCURRENT_TASKS", "8")
	t.Setenv("SCRIBED_MAX_MEMORY_UTILIZATION", "0.75")
	t.Setenv("SCRIBED_SCHEDULER_TICK", "500ms")
	t.Setenv("SCRIBED_TASK_TIMEOUT", "2h")

	cfg := FromEnv()
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 8, cfg.MaxConcurrentTasks)
	assert.Equal(t, 0.75, cfg.MaxMemoryUtilization)
	assert.Equal(t, 500*time.Millisecond, cfg.SchedulerTick)
	assert.Equal(t, 2*time.Hour, cfg.TaskTimeout)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("SCRIBED_MAX_CONCURRENT_TASKS", "many")
	t.Setenv("SCRIBED_SCHEDULER_TICK", "soon")

	cfg := FromEnv()
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, 2*time.Second, cfg.SchedulerTick)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	base := FromEnv()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"concurrency zero", func(c *Config) { c.MaxConcurrentTasks = 0 }},
		{"concurrency above hard cap", func(c *Config) { c.MaxConcurrentTasks = HardConcurrencyLimit + 1 }},
		{"tasks per gpu zero", func(c *Config) { c.MaxTasksPerGPU = 0 }},
		{"utilization above one", func(c *Config) { c.MaxMemoryUtilization = 1.5 }},
		{"confidence below one", func(c *Config) { c.MemoryConfidence = 0.5 }},
		{"negative reserved memory", func(c *Config) { c.ReservedMemoryGB = -1 }},
		{"zero tick", func(c *Config) { c.SchedulerTick = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"timeout below interval", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval / 2 }},
		{"zero event buffer", func(c *Config) { c.EventBufferSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestModelTable(t *testing.T) {
	assert.Equal(t, 1.0, BaseModelMemoryGB("tiny"))
	assert.Equal(t, 10.0, BaseModelMemoryGB("large-v3"))
	assert.Equal(t, 6.0, BaseModelMemoryGB("turbo"))
	// Unknown models get the conservative default.
	assert.Equal(t, DefaultModelMemoryGB, BaseModelMemoryGB("mystery"))

	assert.True(t, IsKnownModel("base"))
	assert.False(t, IsKnownModel("gpt-4"))

	// Smaller models rank earlier.
	assert.Less(t, ModelRank("tiny"), ModelRank("large"))
	assert.Less(t, ModelRank("small"), ModelRank("turbo"))
}

func TestLanguageAndFormatTables(t *testing.T) {
	assert.True(t, IsKnownLanguage("auto"))
	assert.True(t, IsKnownLanguage("zh"))
	assert.False(t, IsKnownLanguage("tlh"))

	assert.True(t, IsKnownFormat("srt"))
	assert.False(t, IsKnownFormat("pdf"))
}
