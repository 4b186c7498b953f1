package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	// EnvPrefix namespaces the environment variables read by the env
	// source.
	EnvPrefix = "VOXLANE_"

	// DefaultConfigFile is probed in the working directory when no
	// explicit config file path is given.
	DefaultConfigFile = "voxlane.yaml"
)

// ConfigSource is one layer of the configuration chain. Sources are loaded
// in ascending Priority order, so a higher-priority source overrides the
// values of lower ones.
type ConfigSource interface {
	// Name identifies the source in error messages.
	Name() string

	// Priority orders the source within the chain.
	Priority() int

	// Load merges the source's values into k.
	Load(k *koanf.Koanf) error
}

// DefaultSources builds the standard loading chain:
//
//	defaults < config file < environment < flags < debug override
//
// When configFilePath is empty, DefaultConfigFile is probed and silently
// skipped if absent; an explicitly given path must exist.
func DefaultSources(configFilePath string, flags *pflag.FlagSet, debug bool) []ConfigSource {
	fileSrc := fileSource{path: configFilePath, required: true}
	if configFilePath == "" {
		fileSrc = fileSource{path: DefaultConfigFile, required: false}
	}

	return []ConfigSource{
		defaultsSource{},
		fileSrc,
		envSource{prefix: EnvPrefix},
		flagSource{flags: flags},
		debugSource{enabled: debug},
	}
}

// defaultsSource seeds the baseline values from DefaultConfigAsMap.
type defaultsSource struct{}

func (defaultsSource) Name() string  { return "defaults" }
func (defaultsSource) Priority() int { return 0 }

func (defaultsSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil)
}

// fileSource loads a YAML config file. Optional files that do not exist
// are skipped without error.
type fileSource struct {
	path     string
	required bool
}

func (s fileSource) Name() string  { return "file:" + s.path }
func (s fileSource) Priority() int { return 10 }

func (s fileSource) Load(k *koanf.Koanf) error {
	if s.path == "" {
		return nil
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if s.required {
			return fmt.Errorf("config file %s does not exist", s.path)
		}
		return nil
	}
	return k.Load(file.Provider(s.path), yaml.Parser())
}

// envSource maps VOXLANE_SECTION_KEY variables onto section.key paths.
type envSource struct {
	prefix string
}

func (s envSource) Name() string  { return "env" }
func (s envSource) Priority() int { return 20 }

func (s envSource) Load(k *koanf.Koanf) error {
	return k.Load(env.Provider(s.prefix, ".", s.keyToPath), nil)
}

// keyToPath turns VOXLANE_ADMISSION_PER_MINUTE into admission.per_minute.
// Only the first underscore separates section from key; the rest belong to
// the key itself, which is why config keys never nest deeper than two
// levels.
func (s envSource) keyToPath(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, s.prefix))
	return strings.Replace(key, "_", ".", 1)
}

// flagSource overlays values from command-line flags. Flags named after
// config paths (--log.level) override every other source.
type flagSource struct {
	flags *pflag.FlagSet
}

func (s flagSource) Name() string  { return "flags" }
func (s flagSource) Priority() int { return 30 }

func (s flagSource) Load(k *koanf.Koanf) error {
	if s.flags == nil {
		return nil
	}
	return k.Load(posflag.Provider(s.flags, ".", k), nil)
}

// debugSource forces verbose logging when --debug is set, regardless of
// what the other sources configured.
type debugSource struct {
	enabled bool
}

func (s debugSource) Name() string  { return "debug-override" }
func (s debugSource) Priority() int { return 40 }

func (s debugSource) Load(k *koanf.Koanf) error {
	if !s.enabled {
		return nil
	}
	return k.Load(confmap.Provider(map[string]any{"log.level": "debug"}, "."), nil)
}
