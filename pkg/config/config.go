// Package config loads and merges application configuration from defaults,
// a YAML file, environment variables and command-line flags.
package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Global Koanf instance, initialized once at startup.
var (
	k    *koanf.Koanf
	once sync.Once
)

// InitGlobalConfig initializes the global Koanf instance.
// This should be called early in the application lifecycle, before Load.
func InitGlobalConfig() {
	once.Do(func() {
		k = koanf.New(".")
	})
}

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex // To protect currentConfig during runtime updates
}

// NewManager creates a new Manager backed by the global Koanf instance,
// initializing it if not already done.
func NewManager() *Manager {
	InitGlobalConfig()
	return &Manager{
		koanfInstance: k,
	}
}

// DefaultConfig returns a Config populated with the baseline values used
// when no other source overrides them.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
		Server:       DefaultServerConfig(),
		Engine:       DefaultEngineConfig(),
		Pool:         DefaultPoolConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Admission:    DefaultAdmissionConfig(),
		Storage:      DefaultStorageConfig(),
	}
}

// Load loads configuration from the standard sources and populates the
// manager's current config.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--log.level=debug)
//  2. Environment variables (VOXLANE_LOG_LEVEL=debug)
//  3. Config file (YAML)
//  4. Default values
//
// Environment variables use the VOXLANE_ prefix; the first underscore
// separates section from key:
//
//	VOXLANE_LOG_LEVEL             -> log.level
//	VOXLANE_ORCHESTRATOR_WORKERS  -> orchestrator.workers
//
// For custom source ordering, use LoadWithSources instead.
func (m *Manager) Load(flags *pflag.FlagSet, customConfigFilePath string) error {
	// Check debug flag before creating sources
	debug := false
	if flags != nil {
		debugFlag := flags.Lookup("debug")
		if debugFlag != nil && debugFlag.Value.String() == "true" {
			debug = true
		}
	}

	sources := DefaultSources(customConfigFilePath, flags, debug)
	return m.LoadWithSources(sources)
}

// LoadWithSources loads configuration from the provided sources in priority
// order. Sources with lower priority values are loaded first, higher
// priority sources override lower priority values.
//
// This method allows custom source ordering and additional sources (e.g.
// a secrets manager) to be inserted into the loading chain.
func (m *Manager) LoadWithSources(sources []ConfigSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Sort sources by priority (lowest first)
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	for _, src := range sources {
		if err := src.Load(m.koanfInstance); err != nil {
			return fmt.Errorf("error loading config from %s: %w", src.Name(), err)
		}
	}

	// Unmarshal the final merged configuration into m.currentConfig
	var newCfg Config
	if err := m.koanfInstance.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	m.currentConfig = newCfg

	m.postProcessConfig()

	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentConfig
}

// postProcessConfig normalizes values after loading and unmarshaling.
func (m *Manager) postProcessConfig() {
	m.currentConfig.Log.Level = strings.ToLower(m.currentConfig.Log.Level)
	m.currentConfig.Log.Format = strings.ToLower(m.currentConfig.Log.Format)
}

// DefaultConfigAsMap flattens DefaultConfig into the map consumed by the
// defaults source, so Koanf knows every key even before other sources load.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		// Log configuration
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,
		"log.file":   def.Log.File,

		// Server configuration
		"server.host":                        def.Server.Host,
		"server.port":                        def.Server.Port,
		"server.read_header_timeout_seconds": def.Server.ReadHeaderTimeoutSec,
		"server.idle_timeout_seconds":        def.Server.IdleTimeoutSec,
		"server.shutdown_timeout_seconds":    def.Server.ShutdownTimeoutSec,
		"server.upload_max_mb":               def.Server.UploadMaxMB,
		"server.trusted_proxies":             def.Server.TrustedProxies,

		// Engine configuration
		"engine.command":           def.Engine.Command,
		"engine.args":              def.Engine.Args,
		"engine.timeout_seconds":   def.Engine.TimeoutSec,
		"engine.sim_steps":         def.Engine.SimSteps,
		"engine.sim_step_delay_ms": def.Engine.SimStepDelayMs,

		// Engine pool configuration
		"pool.initial_size":            def.Pool.InitialSize,
		"pool.min_size":                def.Pool.MinSize,
		"pool.max_size":                def.Pool.MaxSize,
		"pool.max_idle_minutes":        def.Pool.MaxIdleMinutes,
		"pool.health_interval_seconds": def.Pool.HealthIntervalSec,

		// Orchestrator configuration
		"orchestrator.workers":                 def.Orchestrator.Workers,
		"orchestrator.acquire_timeout_seconds": def.Orchestrator.AcquireTimeoutSec,
		"orchestrator.task_timeout_seconds":    def.Orchestrator.TaskTimeoutSec,

		// Admission control configuration
		"admission.enabled":               def.Admission.Enabled,
		"admission.per_minute":            def.Admission.PerMinute,
		"admission.per_hour":              def.Admission.PerHour,
		"admission.per_origin_per_minute": def.Admission.PerOriginPerMinute,

		// Storage configuration
		"storage.workspace_root": def.Storage.WorkspaceRoot,
		"storage.max_age_days":   def.Storage.MaxAgeDays,
		"storage.max_records":    def.Storage.MaxRecords,

		// Alert webhook configuration (disabled by default)
		"alert.base_url":    def.Alert.BaseURL,
		"alert.token":       def.Alert.Token,
		"alert.workflow_id": def.Alert.WorkflowID,
		"alert.user_id":     def.Alert.UserID,
	}
}

// BindFlags defines command-line flags corresponding to configuration
// settings. These flags allow overriding config file / environment
// variable settings. This function should be called when setting up Cobra
// commands.
func BindFlags(flags *pflag.FlagSet) {
	var flagvar bool
	flags.BoolVar(&flagvar, "debug", false, "Enable debug logging")

	// Note: The main --config / -c flag for specifying the config file path
	// is typically defined directly on the root Cobra command's PersistentFlags.
}
