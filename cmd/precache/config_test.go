package main

import (
	"testing"

	"github.com/always-cache/precache/cache"
	routerules "github.com/always-cache/precache/pkg/route-rules"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
origin: http://10.0.0.5
host: www.example.com
version: "2024-06"
manifest: manifest.yaml
rules:
  - prefix: /api/
    strategy: network-only
`

const testManifestYAML = `
- /index.html
- url: /app.js
  revision: 3f2a9c1e
`

func testFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/precache/config.yaml", []byte(testConfigYAML), 0644))
	require.NoError(t, afero.WriteFile(fs, "/etc/precache/manifest.yaml", []byte(testManifestYAML), 0644))
	return fs
}

func TestGetConfig(t *testing.T) {
	config, err := getConfig(testFs(t), "/etc/precache/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.5", config.Origin)
	assert.Equal(t, "www.example.com", config.Host)
	assert.Equal(t, "2024-06", config.Version)
	assert.Equal(t, "/etc/precache/manifest.yaml", config.Manifest)
	require.Len(t, config.Rules, 1)
	assert.Equal(t, routerules.NetworkOnly, config.Rules[0].Strategy)
}

func TestGetConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("PRECACHE_ORIGIN", "https://origin.example.com")
	t.Setenv("PRECACHE_PORT", "9000")
	t.Setenv("PRECACHE_PROVIDER", "bolt")

	config, err := getConfig(testFs(t), "/etc/precache/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "https://origin.example.com", config.Origin)
	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, "bolt", config.Provider)
	// not set in the environment
	assert.Equal(t, "www.example.com", config.Host)
}

func TestGetConfigWithoutFile(t *testing.T) {
	t.Setenv("PRECACHE_ORIGIN", "http://localhost:3000")

	config, err := getConfig(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	config = config.withDefaults()

	assert.Equal(t, "http://localhost:3000", config.Origin)
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "sqlite", config.Provider)
	assert.Equal(t, "cache.db", config.DB)
}

func TestGetConfigMissingFile(t *testing.T) {
	_, err := getConfig(afero.NewMemMapFs(), "/nope.yaml")
	assert.Error(t, err)
}

func TestOriginURL(t *testing.T) {
	tests := []struct {
		origin  string
		want    string
		wantErr bool
	}{
		{origin: "http://example.com", want: "http://example.com"},
		{origin: "http://example.com/", want: "http://example.com"},
		{origin: "10.0.0.5", want: "https://10.0.0.5"},
		{origin: "http://example.com/blog", wantErr: true},
		{origin: "", wantErr: true},
	}
	for _, tt := range tests {
		origin, err := Config{Origin: tt.origin}.originURL()
		if tt.wantErr {
			assert.Error(t, err, tt.origin)
			continue
		}
		require.NoError(t, err, tt.origin)
		assert.Equal(t, tt.want, origin.String())
	}
}

func TestWorkerConfig(t *testing.T) {
	fs := testFs(t)
	config, err := getConfig(fs, "/etc/precache/config.yaml")
	require.NoError(t, err)
	logger := zerolog.Nop()
	storage := cache.NewMemStorage()

	wc, err := config.withDefaults().workerConfig(fs, storage, &logger)
	require.NoError(t, err)

	assert.Equal(t, "2024-06", wc.Version)
	assert.Equal(t, "http://www.example.com", wc.Origin.String())
	assert.Equal(t, []string{"/index.html", "/app.js"}, wc.Manifest.URLs())
	assert.Equal(t, "3f2a9c1e", wc.Manifest[1].Revision)
	assert.NotNil(t, wc.Network)
	assert.Same(t, storage, wc.Storage)
}

func TestWorkerConfigInlineAssets(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config.yaml", []byte("origin: http://example.com\nassets:\n  - /\n  - url: /style.css\n"), 0644))
	config, err := getConfig(fs, "/config.yaml")
	require.NoError(t, err)

	wc, err := config.workerConfig(fs, cache.NewMemStorage(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/style.css"}, wc.Manifest.URLs())
}

func TestOpenStorage(t *testing.T) {
	storage, err := openStorage("memory", "")
	require.NoError(t, err)
	require.NoError(t, storage.Close())

	storage, err = openStorage("sqlite", "memory")
	require.NoError(t, err)
	require.NoError(t, storage.Close())

	_, err = openStorage("redis", "")
	assert.Error(t, err)
}
