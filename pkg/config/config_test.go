package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to reset global variables for testing
func resetGlobalConfig() {
	k = nil
	once = sync.Once{}
}

func TestInitGlobalConfig_InitializesKoanfOnce(t *testing.T) {
	resetGlobalConfig()
	InitGlobalConfig()
	assert.NotNil(t, k, "Global koanf instance should be initialized")
}

func TestInitGlobalConfig_IsIdempotent(t *testing.T) {
	resetGlobalConfig()
	InitGlobalConfig()
	firstInstance := k
	InitGlobalConfig()
	secondInstance := k
	assert.Equal(t, firstInstance, secondInstance, "Koanf instance should not change on repeated InitGlobalConfig calls")
}

func TestInitGlobalConfig_KoanfUsesDotDelimiter(t *testing.T) {
	resetGlobalConfig()
	InitGlobalConfig()
	assert.Equal(t, ".", k.Delim(), "Koanf delimiter should be '.'")
}

func TestNewManager_InitializesManagerWithGlobalKoanf(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	assert.NotNil(t, manager, "Manager should not be nil")
	assert.NotNil(t, manager.koanfInstance, "Manager's koanfInstance should not be nil")
	assert.Equal(t, k, manager.koanfInstance, "Manager's koanfInstance should use the global Koanf instance")
}

func TestNewManager_MultipleManagersShareGlobalKoanf(t *testing.T) {
	resetGlobalConfig()
	manager1 := NewManager()
	manager2 := NewManager()
	assert.Equal(t, manager1.koanfInstance, manager2.koanfInstance, "All managers should share the same global Koanf instance")
}

func TestDefaultConfig_ReturnsExpectedDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level, "Default log level should be 'info'")
	assert.Equal(t, "text", cfg.Log.Format, "Default log format should be 'text'")
	assert.Equal(t, "", cfg.Log.File, "Default log file should be empty")

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8998, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Server.ShutdownTimeoutSec)
	assert.Empty(t, cfg.Server.TrustedProxies, "No proxy is trusted unless configured")

	assert.Equal(t, 2, cfg.Pool.InitialSize)
	assert.Equal(t, 1, cfg.Pool.MinSize)
	assert.Equal(t, 6, cfg.Pool.MaxSize)

	assert.Equal(t, 12, cfg.Orchestrator.Workers)
	assert.Equal(t, 60, cfg.Orchestrator.AcquireTimeoutSec)
	assert.Equal(t, 3600, cfg.Orchestrator.TaskTimeoutSec)

	assert.True(t, cfg.Admission.Enabled)
	assert.Equal(t, 36, cfg.Admission.PerMinute)
	assert.Equal(t, 240, cfg.Admission.PerHour)
	assert.Equal(t, 10, cfg.Admission.PerOriginPerMinute)

	assert.Equal(t, "voxlane-data", cfg.Storage.WorkspaceRoot)
	assert.Zero(t, cfg.Storage.MaxAgeDays)

	assert.Empty(t, cfg.Alert.BaseURL, "Webhook must be disabled unless explicitly configured")
	assert.Empty(t, cfg.Alert.Token)
}

func TestManager_Load_LoadsDefaultsWhenNoFlags(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	err := manager.Load(nil, "")
	assert.NoError(t, err, "Load should not return error when loading defaults")
	cfg := manager.Get()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8998, cfg.Server.Port)
	assert.Equal(t, 12, cfg.Orchestrator.Workers)
}

func TestManager_Load_OverridesWithFlags(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	flags := newTestFlagSet()
	_ = flags.Set("log.level", "error")
	_ = flags.Set("log.format", "json")
	_ = flags.Set("log.file", "/tmp/test.log")
	err := manager.Load(flags, "")
	assert.NoError(t, err, "Load should not return error when loading with flags")
	cfg := manager.Get()
	assert.Equal(t, "error", cfg.Log.Level, "Flag should override log level")
	assert.Equal(t, "json", cfg.Log.Format, "Flag should override log format")
	assert.Equal(t, "/tmp/test.log", cfg.Log.File, "Flag should override log file")
}

func TestManager_Load_DebugFlagSetsLogLevelToDebug(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	flags := newTestFlagSet()
	_ = flags.Set("debug", "true")
	err := manager.Load(flags, "")
	assert.NoError(t, err, "Load should not return error when loading with debug flag")
	cfg := manager.Get()
	assert.Equal(t, "debug", cfg.Log.Level, "Debug flag should set log level to debug")
}

func TestManager_Load_ConfigFile(t *testing.T) {
	resetGlobalConfig()

	path := filepath.Join(t.TempDir(), "voxlane.yaml")
	content := []byte("server:\n  port: 9001\norchestrator:\n  workers: 4\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	manager := NewManager()
	err := manager.Load(nil, path)
	assert.NoError(t, err, "Load should not return error with a valid config file")

	cfg := manager.Get()
	assert.Equal(t, 9001, cfg.Server.Port, "Config file should override server port")
	assert.Equal(t, 4, cfg.Orchestrator.Workers, "Config file should override worker count")
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "Keys absent from the file keep their defaults")
}

func TestManager_Load_MissingExplicitConfigFileFails(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	err := manager.Load(nil, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err, "An explicitly given config file must exist")
}

func TestManager_Load_EnvVarsOverrideDefaults(t *testing.T) {
	resetGlobalConfig()

	t.Setenv("VOXLANE_LOG_LEVEL", "warn")
	t.Setenv("VOXLANE_LOG_FORMAT", "json")
	t.Setenv("VOXLANE_SERVER_PORT", "9999")

	manager := NewManager()
	err := manager.Load(nil, "")
	assert.NoError(t, err, "Load should not return error when loading with env vars")

	cfg := manager.Get()
	assert.Equal(t, "warn", cfg.Log.Level, "ENV var should override log level")
	assert.Equal(t, "json", cfg.Log.Format, "ENV var should override log format")
	assert.Equal(t, 9999, cfg.Server.Port, "ENV var should override server port")
}

func TestManager_Load_EnvVarNamingConvention(t *testing.T) {
	resetGlobalConfig()

	// Only the first underscore becomes a dot; the rest stays part of
	// the key.
	t.Setenv("VOXLANE_ADMISSION_PER_ORIGIN_PER_MINUTE", "3")
	t.Setenv("VOXLANE_ORCHESTRATOR_ACQUIRE_TIMEOUT_SECONDS", "5")
	t.Setenv("VOXLANE_STORAGE_WORKSPACE_ROOT", "/srv/voxlane")

	manager := NewManager()
	err := manager.Load(nil, "")
	assert.NoError(t, err, "Load should not return error")

	cfg := manager.Get()
	assert.Equal(t, 3, cfg.Admission.PerOriginPerMinute)
	assert.Equal(t, 5, cfg.Orchestrator.AcquireTimeoutSec)
	assert.Equal(t, "/srv/voxlane", cfg.Storage.WorkspaceRoot)
}

func TestManager_Load_EnvVarCommaSeparatedList(t *testing.T) {
	resetGlobalConfig()

	// List-valued keys take comma-separated env values
	t.Setenv("VOXLANE_SERVER_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.1")

	manager := NewManager()
	err := manager.Load(nil, "")
	assert.NoError(t, err, "Load should not return error")

	cfg := manager.Get()
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.Server.TrustedProxies)
}

func TestManager_Load_FlagsOverrideEnvVars(t *testing.T) {
	resetGlobalConfig()

	t.Setenv("VOXLANE_LOG_LEVEL", "warn")

	manager := NewManager()
	flags := newTestFlagSet()
	_ = flags.Set("log.level", "error") // Flag should win over env var

	err := manager.Load(flags, "")
	assert.NoError(t, err, "Load should not return error")

	cfg := manager.Get()
	assert.Equal(t, "error", cfg.Log.Level, "CLI flag should override ENV var")
}

func TestManager_Load_EnvVarsOverrideConfigFile(t *testing.T) {
	resetGlobalConfig()

	path := filepath.Join(t.TempDir(), "voxlane.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o644))
	t.Setenv("VOXLANE_SERVER_PORT", "9002")

	manager := NewManager()
	err := manager.Load(nil, path)
	assert.NoError(t, err)
	assert.Equal(t, 9002, manager.Get().Server.Port, "ENV var should override config file")
}

func TestManager_Load_NormalizesLogCasing(t *testing.T) {
	resetGlobalConfig()

	t.Setenv("VOXLANE_LOG_LEVEL", "WARN")
	t.Setenv("VOXLANE_LOG_FORMAT", "JSON")

	manager := NewManager()
	err := manager.Load(nil, "")
	assert.NoError(t, err)

	cfg := manager.Get()
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestBindFlags_AddsDebugFlag(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	debugFlag := flags.Lookup("debug")
	assert.NotNil(t, debugFlag, "BindFlags should add a 'debug' flag")
	assert.Equal(t, "Enable debug logging", debugFlag.Usage, "Debug flag should have correct usage")
	assert.Equal(t, "false", debugFlag.DefValue, "Debug flag should default to false")
}

func TestBindFlags_DebugFlagCanBeSet(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err := flags.Set("debug", "true")
	assert.NoError(t, err, "Should be able to set 'debug' flag")
	val, err := flags.GetBool("debug")
	assert.NoError(t, err, "Should be able to get 'debug' flag value after setting")
	assert.True(t, val, "Value of 'debug' flag should be true after setting")
}

func newTestFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log.level", "info", "")
	flags.String("log.format", "text", "")
	flags.String("log.file", "", "")
	flags.Bool("debug", false, "")
	return flags
}
