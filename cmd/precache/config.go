package main

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/always-cache/precache"
	"github.com/always-cache/precache/cache"
	"github.com/always-cache/precache/pkg/manifest"
	routerules "github.com/always-cache/precache/pkg/route-rules"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config is the deployment described by the config file.
// Environment variables override the file, flags override both.
type Config struct {
	Origin string `yaml:"origin" env:"PRECACHE_ORIGIN"`
	Host   string `yaml:"host" env:"PRECACHE_HOST"`
	Port   int    `yaml:"port" env:"PRECACHE_PORT"`
	// Storage provider: sqlite, bolt or memory.
	Provider string `yaml:"provider" env:"PRECACHE_PROVIDER"`
	DB       string `yaml:"db" env:"PRECACHE_DB"`

	Version string `yaml:"version" env:"PRECACHE_VERSION"`
	// Path of a manifest file, relative to the config file.
	Manifest string `yaml:"manifest" env:"PRECACHE_MANIFEST"`
	// Inline manifest, used if no manifest file is set.
	Assets             manifest.Manifest `yaml:"assets"`
	RuntimeBucket      string            `yaml:"runtimeBucket" env:"PRECACHE_RUNTIME_BUCKET"`
	InstallConcurrency int               `yaml:"installConcurrency" env:"PRECACHE_INSTALL_CONCURRENCY"`
	Rules              routerules.Rules  `yaml:"rules"`
}

// getConfig reads the config file, if any, and applies the environment.
func getConfig(fs afero.Fs, filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := afero.ReadFile(fs, filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
		if config.Manifest != "" && !filepath.IsAbs(config.Manifest) {
			config.Manifest = filepath.Join(filepath.Dir(filename), config.Manifest)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// withDefaults fills in what neither the file, the environment nor flags set.
func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.Provider == "" {
		c.Provider = "sqlite"
	}
	if c.DB == "" {
		c.DB = "cache.db"
	}
	return c
}

// originURL returns the origin to proxy to.
// A bare address is taken as an https origin.
func (c Config) originURL() (url.URL, error) {
	if c.Origin == "" {
		return url.URL{}, fmt.Errorf("no origin configured")
	}
	origin, err := url.Parse(c.Origin)
	if err != nil {
		return url.URL{}, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Host == "" {
		origin, err = url.Parse("https://" + c.Origin)
		if err != nil {
			return url.URL{}, fmt.Errorf("parse origin: %w", err)
		}
	}
	if origin.Path != "" && origin.Path != "/" {
		return url.URL{}, fmt.Errorf("origins with paths are not supported: %s", c.Origin)
	}
	return url.URL{Scheme: origin.Scheme, Host: origin.Host}, nil
}

// workerConfig builds the config of the version to register.
func (c Config) workerConfig(fs afero.Fs, storage cache.Storage, logger *zerolog.Logger) (precache.Config, error) {
	origin, err := c.originURL()
	if err != nil {
		return precache.Config{}, err
	}
	assets := c.Assets
	if c.Manifest != "" {
		if assets, err = manifest.Load(fs, c.Manifest); err != nil {
			return precache.Config{}, err
		}
	}
	// the public origin is the one seen by clients
	public := origin
	if c.Host != "" {
		public.Host = c.Host
	}
	return precache.Config{
		Version:            c.Version,
		RuntimeBucket:      c.RuntimeBucket,
		Manifest:           assets,
		Origin:             public,
		Storage:            storage,
		Network:            precache.NewOriginFetcher(origin, c.Host),
		Rules:              c.Rules,
		InstallConcurrency: c.InstallConcurrency,
		Logger:             logger,
	}, nil
}

// openStorage opens the configured storage provider.
func openStorage(provider, db string) (cache.Storage, error) {
	switch provider {
	case "sqlite":
		// sqlite in-memory db
		if db == "memory" {
			db = ""
		}
		storage, err := cache.NewSQLiteStorage(db)
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "bolt":
		storage, err := cache.NewBoltStorage(db)
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "memory":
		return cache.NewMemStorage(), nil
	}
	return nil, fmt.Errorf("unsupported storage provider: %s", provider)
}
