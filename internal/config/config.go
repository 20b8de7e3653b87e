// SPDX-License-Identifier: MIT

// Package config loads and validates the scribed runtime configuration
// from the environment.
package config

import (
	"fmt"
	"time"
)

// HardConcurrencyLimit caps the runtime-adjustable concurrency setting.
const HardConcurrencyLimit = 20

// Config is the immutable runtime configuration, loaded once at startup.
// The only runtime-mutable setting is the global concurrency limit, which
// lives behind the orchestrator, not here.
type Config struct {
	Listen    string
	OutputDir string
	LogLevel  string

	MaxConcurrentTasks   int
	MaxTasksPerGPU       int
	MaxMemoryUtilization float64
	MemoryConfidence     float64
	CalibrationSamples   int
	ReservedMemoryGB     float64

	SchedulerTick  time.Duration
	GPUSnapshotTTL time.Duration

	MaxRetries  int
	TaskTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	StandardAudioDuration time.Duration
	AudioDurationSlope    float64

	EventBufferSize int
}

// FromEnv builds a Config from SCRIBED_* environment variables with the
// documented defaults.
func FromEnv() Config {
	return Config{
		Listen:    ParseString("SCRIBED_LISTEN", "127.0.0.1:5552"),
		OutputDir: ParseString("SCRIBED_OUTPUT_DIR", "outputs"),
		LogLevel:  ParseString("SCRIBED_LOG_LEVEL", "info"),

		MaxConcurrentTasks:   ParseInt("SCRIBED_MAX_CONCURRENT_TASKS", 3),
		MaxTasksPerGPU:       ParseInt("SCRIBED_MAX_TASKS_PER_GPU", 5),
		MaxMemoryUtilization: ParseFloat("SCRIBED_MAX_MEMORY_UTILIZATION", 0.9),
		MemoryConfidence:     ParseFloat("SCRIBED_MEMORY_CONFIDENCE_FACTOR", 1.2),
		CalibrationSamples:   ParseInt("SCRIBED_CALIBRATION_SAMPLE_SIZE", 50),
		ReservedMemoryGB:     ParseFloat("SCRIBED_RESERVED_MEMORY_GB", 1.0),

		SchedulerTick:  ParseDuration("SCRIBED_SCHEDULER_TICK", 2*time.Second),
		GPUSnapshotTTL: ParseDuration("SCRIBED_GPU_SNAPSHOT_TTL", 30*time.Second),

		MaxRetries:  ParseInt("SCRIBED_MAX_RETRIES", 3),
		TaskTimeout: ParseDuration("SCRIBED_TASK_TIMEOUT", time.Hour),

		HeartbeatInterval: ParseDuration("SCRIBED_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  ParseDuration("SCRIBED_HEARTBEAT_TIMEOUT", 120*time.Second),

		StandardAudioDuration: ParseDuration("SCRIBED_STANDARD_AUDIO_DURATION", 180*time.Second),
		AudioDurationSlope:    ParseFloat("SCRIBED_AUDIO_DURATION_SLOPE", 0.3),

		EventBufferSize: ParseInt("SCRIBED_EVENT_BUFFER_SIZE", 128),
	}
}

// Validate checks the configuration against its documented ranges.
func (c Config) Validate() error {
	if c.MaxConcurrentTasks < 1 || c.MaxConcurrentTasks > HardConcurrencyLimit {
		return fmt.Errorf("max concurrent tasks %d out of range [1, %d]", c.MaxConcurrentTasks, HardConcurrencyLimit)
	}
	if c.MaxTasksPerGPU < 1 {
		return fmt.Errorf("max tasks per GPU must be positive, got %d", c.MaxTasksPerGPU)
	}
	if c.MaxMemoryUtilization <= 0 || c.MaxMemoryUtilization > 1 {
		return fmt.Errorf("max memory utilization %.2f out of range (0, 1]", c.MaxMemoryUtilization)
	}
	if c.MemoryConfidence < 1 {
		return fmt.Errorf("memory confidence factor %.2f must be >= 1", c.MemoryConfidence)
	}
	if c.CalibrationSamples < 1 {
		return fmt.Errorf("calibration sample size must be positive, got %d", c.CalibrationSamples)
	}
	if c.ReservedMemoryGB < 0 {
		return fmt.Errorf("reserved memory must be non-negative, got %.2f", c.ReservedMemoryGB)
	}
	if c.SchedulerTick <= 0 {
		return fmt.Errorf("scheduler tick must be positive, got %s", c.SchedulerTick)
	}
	if c.GPUSnapshotTTL <= 0 {
		return fmt.Errorf("GPU snapshot TTL must be positive, got %s", c.GPUSnapshotTTL)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s must be >= interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.StandardAudioDuration <= 0 {
		return fmt.Errorf("standard audio duration must be positive, got %s", c.StandardAudioDuration)
	}
	if c.AudioDurationSlope < 0 {
		return fmt.Errorf("audio duration slope must be non-negative, got %.2f", c.AudioDurationSlope)
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.EventBufferSize)
	}
	return nil
}
