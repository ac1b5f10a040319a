package precache

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/always-cache/precache/cache"
	"github.com/always-cache/precache/pkg/manifest"
	routerules "github.com/always-cache/precache/pkg/route-rules"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

const (
	DefaultRuntimeBucket      = "precache-runtime"
	DefaultInstallConcurrency = 4
	// Tag of the background sync registered by default.
	DefaultSyncTag = "sync-count"
)

// SyncHandler performs deferred work for a background sync tag.
type SyncHandler func(ctx context.Context) error

type Config struct {
	// Version tag of this deployment.
	// Defaults to a digest of the manifest, the rules, the runtime bucket
	// and the install concurrency, so changing any of them deploys anew.
	Version string
	// Name of the version-pinned bucket. Defaults to "precache-<version>".
	InstallBucket string
	// Name of the bucket populated from observed traffic.
	RuntimeBucket string
	// Assets to store during install, in order.
	Manifest manifest.Manifest
	// Origin the worker is scoped to. Manifest URLs and relative request
	// URLs are resolved against it. Defaults to http://localhost.
	Origin url.URL
	// Storage for cache buckets. An in-memory storage is used if nil.
	Storage cache.Storage
	// Network used for install fetches, cache misses and passthrough.
	// Defaults to the registration's network.
	Network Fetcher
	// Optional rules selecting requests that are never intercepted.
	Rules routerules.Rules
	// Background sync handlers by tag. If nil, DefaultSyncTag is
	// registered as a no-op.
	SyncHandlers map[string]SyncHandler
	// Maximum number of manifest assets fetched at the same time.
	InstallConcurrency int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// withDefaults fills in defaults and validates the config.
func (c Config) withDefaults() (Config, error) {
	if err := c.Manifest.Validate(); err != nil {
		return c, err
	}
	if err := c.Rules.Validate(); err != nil {
		return c, err
	}
	if c.RuntimeBucket == "" {
		c.RuntimeBucket = DefaultRuntimeBucket
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = DefaultInstallConcurrency
	}
	if c.Version == "" {
		c.Version = c.defaultVersion()
	}
	if c.InstallBucket == "" {
		c.InstallBucket = "precache-" + c.Version
	}
	if c.InstallBucket == c.RuntimeBucket {
		return c, fmt.Errorf("install and runtime bucket must differ, both are %q", c.RuntimeBucket)
	}
	if c.Origin.Host == "" {
		c.Origin = url.URL{Scheme: "http", Host: "localhost"}
	}
	if c.Storage == nil {
		c.Storage = cache.NewMemStorage()
	}
	if c.Network == nil {
		return c, fmt.Errorf("no network fetcher configured")
	}
	if c.SyncHandlers == nil {
		c.SyncHandlers = map[string]SyncHandler{
			DefaultSyncTag: func(context.Context) error { return nil },
		}
	}
	if c.Logger == nil {
		logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
		c.Logger = &logger
	}
	return c, nil
}

// defaultVersion digests everything a deployment installs and routes by.
func (c Config) defaultVersion() string {
	h := blake3.New()
	fmt.Fprintf(h, "%s\n%s\n%d\n", c.Manifest.Hash(), c.RuntimeBucket, c.InstallConcurrency)
	for _, rule := range c.Rules {
		fmt.Fprintf(h, "%s\x00%s\x00%v\x00%s\n", rule.Prefix, rule.Path, rule.Query, rule.Strategy)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
