package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/always-cache/precache"
	"github.com/always-cache/precache/pkg/manifest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T, load precache.ConfigLoader) (http.Handler, *precache.Registration) {
	t.Helper()
	logger := zerolog.Nop()
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("origin " + r.URL.Path))
	})
	reg := precache.NewRegistration(precache.HandlerFetcher{Handler: origin}, &logger)
	return newRouter(reg, load), reg
}

func staticLoader(version string) precache.ConfigLoader {
	return func() (precache.Config, error) {
		return precache.Config{Version: version, Manifest: manifest.Manifest{{URL: "/index.html"}}}, nil
	}
}

func TestAdminUpdateAndStatus(t *testing.T) {
	router, reg := testRouter(t, staticLoader("v1"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.precache/update", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotNil(t, reg.Active())
	assert.Equal(t, "v1", reg.Active().Version())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.precache/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var status precache.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.NotNil(t, status.Active)
	assert.Equal(t, "activated", status.Active.State)
	assert.Equal(t, []string{"precache-v1"}, status.Buckets)
	assert.Equal(t, map[string]int{"precache-v1": 1}, status.Entries)
}

func TestAdminUpdateFailure(t *testing.T) {
	router, reg := testRouter(t, func() (precache.Config, error) {
		return precache.Config{}, errors.New("bad config")
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.precache/update", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Nil(t, reg.Active())
}

func TestAdminSync(t *testing.T) {
	router, _ := testRouter(t, staticLoader("v1"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.precache/sync/sync-count", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/.precache/update", nil))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.precache/sync/sync-count", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.precache/sync/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouterServesThroughRegistration(t *testing.T) {
	router, _ := testRouter(t, staticLoader("v1"))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/.precache/update", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))
	assert.Equal(t, "origin /index.html", rr.Body.String())
	assert.Equal(t, "Precache; hit", rr.Header().Get("Cache-Status"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/about", nil))
	assert.Equal(t, "origin /about", rr.Body.String())
	assert.Equal(t, "Precache; fwd=uri-miss; stored", rr.Header().Get("Cache-Status"))
}

func TestAdminPurge(t *testing.T) {
	router, reg := testRouter(t, staticLoader("v1"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.precache/purge?url=/about", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/.precache/update", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/about", nil))
	assert.Equal(t, 1, reg.Status().Entries[precache.DefaultRuntimeBucket])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.precache/purge", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.precache/purge?url=/about", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"purged":1}`, rr.Body.String())
	assert.Equal(t, 0, reg.Status().Entries[precache.DefaultRuntimeBucket])
}
