package common

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed config.default.yaml
var defaultConfig []byte

// ConfigPathEnv overrides every other config source when set.
const ConfigPathEnv = "CONFIG_PATH"

// ConfigManager loads a typed configuration from the embedded defaults followed by
// any number of optional YAML files. Later sources win.
type ConfigManager[T any] struct {
	kf     *koanf.Koanf
	mu     sync.RWMutex
	config T
	paths  []string
}

type ConfigOption func(*configOptions)

type configOptions struct {
	paths    []string
	defaults []byte
}

// WithConfigFile adds an optional YAML file. Missing files are skipped.
func WithConfigFile(path string) ConfigOption {
	return func(o *configOptions) {
		if path != "" {
			o.paths = append(o.paths, path)
		}
	}
}

// WithDefaults replaces the embedded defaults (used by tests).
func WithDefaults(data []byte) ConfigOption {
	return func(o *configOptions) { o.defaults = data }
}

func NewConfigManager[T any](opts ...ConfigOption) (*ConfigManager[T], error) {
	o := &configOptions{defaults: defaultConfig}
	for _, opt := range opts {
		opt(o)
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		o.paths = append(o.paths, p)
	}

	cm := &ConfigManager[T]{
		kf:    koanf.New("."),
		paths: o.paths,
	}

	if err := cm.kf.Load(rawbytes.Provider(o.defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	for _, p := range o.paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat config %s: %w", p, err)
		}
		if err := cm.kf.Load(file.Provider(p), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", p, err)
		}
	}

	if err := cm.kf.UnmarshalWithConf("", &cm.config, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cm, nil
}

func (cm *ConfigManager[T]) GetConfig() T {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Sources returns the files that were considered, in load order.
func (cm *ConfigManager[T]) Sources() []string {
	return cm.paths
}
