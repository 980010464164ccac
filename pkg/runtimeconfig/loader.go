package runtimeconfig

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// BackendType names a configuration source.
type BackendType string

const (
	BackendFile      BackendType = "file"
	BackendConsul    BackendType = "consul"
	BackendEtcd      BackendType = "etcd"
	BackendZookeeper BackendType = "zookeeper"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Type selects the backend. Defaults to BackendFile.
	Type BackendType

	// Path is a filesystem path (BackendFile), a Consul key, an etcd key,
	// or a Zookeeper znode path.
	Path string

	// Endpoints is the backend's connection address list. Defaults per
	// backend when left empty (localhost:8500/2379/2181).
	Endpoints []string

	// Watch starts a background reload goroutine when true.
	Watch bool

	// OnChange is invoked with the newly reloaded config after a
	// successful Watch-triggered reload.
	OnChange func(*RuntimeConfig) error
}

// Loader loads a RuntimeConfig from one of four backends via koanf, with
// optional reactive reload.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = BackendFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("runtimeconfig: path is required")
	}

	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case BackendConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case BackendEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case BackendZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

// Load fetches the document from the configured backend, expands
// environment variable references, unmarshals it, and fills defaults.
func (l *Loader) Load() (*RuntimeConfig, error) {
	provider, err := l.buildProvider()
	if err != nil {
		return nil, err
	}

	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("runtimeconfig: failed to load config from %s: %w", l.options.Type, err)
	}

	if err := l.expandEnvVarsInKoanf(); err != nil {
		return nil, fmt.Errorf("runtimeconfig: failed to expand environment variables: %w", err)
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}

	return cfg, nil
}

func (l *Loader) buildProvider() (koanf.Provider, error) {
	switch l.options.Type {
	case BackendFile:
		return file.Provider(l.options.Path), nil

	case BackendConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{Cfg: consulConfig, Key: l.options.Path}), nil

	case BackendEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil

	case BackendZookeeper:
		return NewZookeeperProvider(l.options.Endpoints, l.options.Path)

	default:
		return nil, fmt.Errorf("runtimeconfig: unsupported backend %q", l.options.Type)
	}
}

// parserFor reports which parser, if any, applies to the configured
// backend. File and Zookeeper backends serve raw YAML bytes that need
// parsing; Consul and etcd's koanf providers already decode key/value
// pairs themselves.
func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == BackendFile || l.options.Type == BackendZookeeper {
		return l.parser
	}
	return nil
}

type Watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	watcher, ok := provider.(Watcher)
	if !ok {
		log.Printf("runtimeconfig: backend %s does not support watching", l.options.Type)
		return
	}

	err := watcher.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err != nil {
			log.Printf("runtimeconfig: watch error: %v", err)
			return
		}

		if err := l.koanf.Load(provider, l.parserFor()); err != nil {
			log.Printf("runtimeconfig: failed to reload config: %v", err)
			return
		}
		if err := l.expandEnvVarsInKoanf(); err != nil {
			log.Printf("runtimeconfig: failed to expand env vars in reloaded config: %v", err)
			return
		}

		newCfg, err := l.unmarshal()
		if err != nil {
			log.Printf("runtimeconfig: reloaded config failed validation: %v", err)
			return
		}

		if l.options.OnChange != nil {
			if err := l.options.OnChange(newCfg); err != nil {
				log.Printf("runtimeconfig: config change callback failed: %v", err)
			}
		}
	})
	if err != nil {
		log.Printf("runtimeconfig: watch stopped with error: %v", err)
	}
}

func (l *Loader) unmarshal() (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("runtimeconfig: failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) expandEnvVarsInKoanf() error {
	expanded := ExpandEnvVarsInData(l.koanf.Raw())

	expandedMap, ok := expanded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("runtimeconfig: unexpected type after env var expansion")
	}

	newKoanf := koanf.New(".")
	if err := newKoanf.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return fmt.Errorf("runtimeconfig: failed to load expanded config: %w", err)
	}

	l.koanf = newKoanf
	return nil
}

// Stop ends a running Watch goroutine. Safe to call even if Watch was
// never started.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// Load is a convenience wrapper that loads once and returns only the config;
// the Loader is discarded. If opts.Watch is set the watch goroutine still
// starts, and nothing returned by Load can Stop it.
func Load(opts LoaderOptions) (*RuntimeConfig, error) {
	cfg, _, err := LoadWithLoader(opts)
	return cfg, err
}

// LoadWithLoader loads once and also returns the Loader, needed when the
// caller wants Watch/OnChange/Stop.
func LoadWithLoader(opts LoaderOptions) (*RuntimeConfig, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("runtimeconfig: failed to create loader: %w", err)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("runtimeconfig: failed to load config: %w", err)
	}

	return cfg, loader, nil
}

// ParseBackendType parses a backend name from config or CLI flags.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return BackendFile, nil
	case "consul":
		return BackendConsul, nil
	case "etcd":
		return BackendEtcd, nil
	case "zookeeper", "zk":
		return BackendZookeeper, nil
	default:
		return "", fmt.Errorf("runtimeconfig: invalid backend %q (valid: file, consul, etcd, zookeeper)", s)
	}
}
