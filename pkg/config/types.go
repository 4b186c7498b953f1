package config

// Config is the root of the application configuration tree. Every field
// maps to a two-level key (section.key) so the same setting can come from
// the config file, a VOXLANE_SECTION_KEY environment variable or a
// --section.key flag.
type Config struct {
	Log          LogConfig          `koanf:"log" json:"log"`
	Server       ServerConfig       `koanf:"server" json:"server"`
	Engine       EngineConfig       `koanf:"engine" json:"engine"`
	Pool         PoolConfig         `koanf:"pool" json:"pool"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator" json:"orchestrator"`
	Admission    AdmissionConfig    `koanf:"admission" json:"admission"`
	Storage      StorageConfig      `koanf:"storage" json:"storage"`
	Alert        AlertConfig        `koanf:"alert" json:"alert"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is the minimum level that is emitted (debug, info, warn,
	// error).
	Level string `koanf:"level" json:"level"`

	// Format selects the output encoding: "text" for human-readable
	// console output, "json" for machine-readable lines.
	Format string `koanf:"format" json:"format"`

	// File is an optional path to write logs to instead of stderr.
	File string `koanf:"file" json:"file"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host" json:"host"`
	Port int    `koanf:"port" json:"port"`

	// ReadHeaderTimeoutSec bounds how long a client may take to send
	// request headers.
	ReadHeaderTimeoutSec int `koanf:"read_header_timeout_seconds" json:"read_header_timeout_seconds"`

	// IdleTimeoutSec closes keep-alive connections that stay quiet.
	IdleTimeoutSec int `koanf:"idle_timeout_seconds" json:"idle_timeout_seconds"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `koanf:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`

	// UploadMaxMB caps the size of a single uploaded media file.
	UploadMaxMB int `koanf:"upload_max_mb" json:"upload_max_mb"`

	// TrustedProxies lists reverse proxies (CIDR blocks or bare addresses)
	// whose X-Forwarded-For headers are believed when attributing requests
	// to a client for admission control. Empty means the immediate peer is
	// always the client.
	TrustedProxies []string `koanf:"trusted_proxies" json:"trusted_proxies"`
}

// EngineConfig controls how recognition engine instances are created.
type EngineConfig struct {
	// Command is the recognition binary invoked once per job. Empty
	// selects the simulated engine.
	Command string `koanf:"command" json:"command"`

	// Args are extra arguments placed before the audio path.
	Args []string `koanf:"args" json:"args"`

	// TimeoutSec bounds a single recognition run.
	TimeoutSec int `koanf:"timeout_seconds" json:"timeout_seconds"`

	// Options are loosely typed engine options passed as --key value
	// pairs, e.g. {"model": "base", "beam_size": 5}.
	Options map[string]any `koanf:"options" json:"options,omitempty"`

	// SimSteps and SimStepDelayMs shape the simulated engine: how many
	// synthetic segments it produces and how long each one takes.
	SimSteps       int `koanf:"sim_steps" json:"sim_steps"`
	SimStepDelayMs int `koanf:"sim_step_delay_ms" json:"sim_step_delay_ms"`
}

// PoolConfig controls the engine pool.
type PoolConfig struct {
	InitialSize int `koanf:"initial_size" json:"initial_size"`
	MinSize     int `koanf:"min_size" json:"min_size"`
	MaxSize     int `koanf:"max_size" json:"max_size"`

	// MaxIdleMinutes is how long a surplus engine may sit unused before
	// the health loop reclaims it.
	MaxIdleMinutes int `koanf:"max_idle_minutes" json:"max_idle_minutes"`

	// HealthIntervalSec is how often the health loop runs.
	HealthIntervalSec int `koanf:"health_interval_seconds" json:"health_interval_seconds"`
}

// OrchestratorConfig controls the transcription worker pool.
type OrchestratorConfig struct {
	// Workers is the number of jobs processed concurrently.
	Workers int `koanf:"workers" json:"workers"`

	// AcquireTimeoutSec bounds how long a job waits for an engine.
	AcquireTimeoutSec int `koanf:"acquire_timeout_seconds" json:"acquire_timeout_seconds"`

	// TaskTimeoutSec is the default deadline for synchronous submissions
	// that wait for their jobs to finish.
	TaskTimeoutSec int `koanf:"task_timeout_seconds" json:"task_timeout_seconds"`
}

// AdmissionConfig controls request rate limiting.
type AdmissionConfig struct {
	Enabled            bool `koanf:"enabled" json:"enabled"`
	PerMinute          int  `koanf:"per_minute" json:"per_minute"`
	PerHour            int  `koanf:"per_hour" json:"per_hour"`
	PerOriginPerMinute int  `koanf:"per_origin_per_minute" json:"per_origin_per_minute"`
}

// StorageConfig controls the persistence workspace.
type StorageConfig struct {
	// WorkspaceRoot is the directory holding history records, uploads,
	// logs and exports.
	WorkspaceRoot string `koanf:"workspace_root" json:"workspace_root"`

	// MaxAgeDays deletes history records older than this (0 = keep).
	MaxAgeDays int `koanf:"max_age_days" json:"max_age_days"`

	// MaxRecords caps the number of history records kept (0 = no cap).
	MaxRecords int `koanf:"max_records" json:"max_records"`
}

// AlertConfig controls the lifecycle webhook. Deliveries are disabled
// unless both base_url and token are set; there are deliberately no
// defaults for either.
type AlertConfig struct {
	BaseURL    string `koanf:"base_url" json:"base_url"`
	Token      string `koanf:"token" json:"token"`
	WorkflowID string `koanf:"workflow_id" json:"workflow_id"`
	UserID     string `koanf:"user_id" json:"user_id"`
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:                 "0.0.0.0",
		Port:                 8998,
		ReadHeaderTimeoutSec: 10,
		IdleTimeoutSec:       30,
		ShutdownTimeoutSec:   30,
		UploadMaxMB:          512,
		TrustedProxies:       []string{},
	}
}

// DefaultEngineConfig returns the engine defaults: no binary configured,
// so the simulated engine is used until one is set.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Command:        "",
		Args:           []string{},
		TimeoutSec:     600,
		SimSteps:       4,
		SimStepDelayMs: 250,
	}
}

// DefaultPoolConfig returns the engine pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		InitialSize:       2,
		MinSize:           1,
		MaxSize:           6,
		MaxIdleMinutes:    5,
		HealthIntervalSec: 30,
	}
}

// DefaultOrchestratorConfig returns the orchestrator defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Workers:           12,
		AcquireTimeoutSec: 60,
		TaskTimeoutSec:    3600,
	}
}

// DefaultAdmissionConfig returns the admission control defaults.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		Enabled:            true,
		PerMinute:          36,
		PerHour:            240,
		PerOriginPerMinute: 10,
	}
}

// DefaultStorageConfig returns the storage defaults.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		WorkspaceRoot: "voxlane-data",
	}
}
