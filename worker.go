package precache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"
	"github.com/always-cache/precache/pkg/manifest"
	routerules "github.com/always-cache/precache/pkg/route-rules"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoResponse is returned by Fetch when neither the network nor any
	// bucket produced a response.
	ErrNoResponse = errors.New("no response from network or cache")
	// ErrUnknownSyncTag is returned by Sync for tags without a handler.
	ErrUnknownSyncTag = errors.New("unknown sync tag")
	// ErrInvalidState is returned when a lifecycle phase is run out of order.
	ErrInvalidState = errors.New("invalid worker state")

	errVaryWildcard = errors.New("response varies on *")
	errEncodedBody  = errors.New("response body is content-encoded")
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Worker is the cache lifecycle manager of one deployed version.
// The hosting runtime (see Registration) calls Install and Activate once,
// in that order, and then routes intercepted requests to Fetch.
type Worker struct {
	version       string
	installBucket string
	runtimeBucket string
	manifest      manifest.Manifest
	storage       cache.Storage
	network       Fetcher
	keyer         cachekey.CacheKeyer
	rules         routerules.Rules
	syncHandlers  map[string]SyncHandler
	concurrency   int
	log           zerolog.Logger

	mutex       sync.Mutex
	state       State
	skipWaiting bool
}

// AssetOutcome is the result of storing one manifest asset.
type AssetOutcome struct {
	URL      string
	Key      string
	Revision string
	Status   int
	Err      error
}

func (o AssetOutcome) OK() bool {
	return o.Err == nil
}

// InstallSummary collects the outcome of every manifest asset, in manifest order.
type InstallSummary struct {
	Version  string
	Bucket   string
	Outcomes []AssetOutcome
}

// Stored returns the number of assets stored in the install bucket.
func (s InstallSummary) Stored() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed returns the outcomes of assets that could not be stored.
func (s InstallSummary) Failed() []AssetOutcome {
	failed := make([]AssetOutcome, 0)
	for _, o := range s.Outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// ActivateSummary lists what happened to each bucket during activation.
type ActivateSummary struct {
	Kept    []string
	Deleted []string
	Failed  map[string]error
}

// NewWorker creates a worker for the configured version.
func NewWorker(config Config) (*Worker, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger.With().
		Str("version", config.Version).
		Logger()
	return &Worker{
		version:       config.Version,
		installBucket: config.InstallBucket,
		runtimeBucket: config.RuntimeBucket,
		manifest:      config.Manifest,
		storage:       config.Storage,
		network:       config.Network,
		keyer:         cachekey.NewCacheKeyer(config.Origin),
		rules:         config.Rules,
		syncHandlers:  config.SyncHandlers,
		concurrency:   config.InstallConcurrency,
		log:           logger,
		state:         StateParsed,
	}, nil
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) InstallBucket() string {
	return w.installBucket
}

func (w *Worker) RuntimeBucket() string {
	return w.runtimeBucket
}

func (w *Worker) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

// SkipWaiting reports whether the worker asked to replace the active
// version without waiting for its clients to go away.
func (w *Worker) SkipWaiting() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.skipWaiting
}

func (w *Worker) transition(from, to State) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: cannot go from %s to %s", ErrInvalidState, w.state, to)
	}
	w.state = to
	w.log.Debug().Str("state", to.String()).Msg("Worker state changed")
	return nil
}

func (w *Worker) setState(s State) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.state = s
	w.log.Debug().Str("state", s.String()).Msg("Worker state changed")
}

// Install opens the install bucket and stores every manifest asset.
// A failing asset does not fail the install, its outcome is recorded in the
// summary instead. An error is returned only if the bucket cannot be opened
// or the context is canceled; the worker is then redundant.
func (w *Worker) Install(ctx context.Context) (InstallSummary, error) {
	summary := InstallSummary{Version: w.version, Bucket: w.installBucket}
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return summary, err
	}
	bucket, err := w.storage.Open(w.installBucket)
	if err != nil {
		w.setState(StateRedundant)
		return summary, fmt.Errorf("open install bucket %q: %w", w.installBucket, err)
	}

	summary.Outcomes = make([]AssetOutcome, len(w.manifest))
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, entry := range w.manifest {
		g.Go(func() error {
			summary.Outcomes[i] = w.installAsset(ctx, bucket, entry)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		w.setState(StateRedundant)
		return summary, err
	}

	for _, o := range summary.Failed() {
		w.log.Warn().Err(o.Err).Str("url", o.URL).Int("status", o.Status).Msg("Could not precache asset")
	}
	w.log.Info().
		Str("bucket", w.installBucket).
		Int("stored", summary.Stored()).
		Int("failed", len(summary.Failed())).
		Msg("Installed")

	w.mutex.Lock()
	w.skipWaiting = true
	w.mutex.Unlock()
	w.setState(StateInstalled)
	return summary, nil
}

func (w *Worker) installAsset(ctx context.Context, bucket cache.Bucket, entry manifest.Entry) AssetOutcome {
	outcome := AssetOutcome{URL: entry.URL, Revision: entry.Revision}
	u, err := w.keyer.Origin.Parse(entry.URL)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.keyer.Resolve(u).String(), nil)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Key = w.keyer.GetKeyPrefix(req)

	// a bucket left over from an earlier install of this version may
	// already hold the revision
	if entry.Revision != "" {
		stored, found, err := bucket.Get(outcome.Key)
		if err == nil && found && stored.Revision == entry.Revision {
			w.log.Trace().Str("key", outcome.Key).Msg("Revision already stored")
			outcome.Status = stored.Status
			return outcome
		}
	}

	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	defer res.Body.Close()
	outcome.Status = res.StatusCode
	if res.StatusCode != http.StatusOK {
		outcome.Err = fmt.Errorf("unexpected status %d", res.StatusCode)
		return outcome
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Key, outcome.Err = w.put(bucket, req, res, body, entry.Revision)
	return outcome
}

// Activate deletes every bucket that belongs to neither this version nor
// the runtime. Failures are logged and reported, never fatal.
func (w *Worker) Activate(ctx context.Context) (ActivateSummary, error) {
	summary := ActivateSummary{Failed: make(map[string]error)}
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return summary, err
	}
	defer w.setState(StateActivated)

	names, err := w.storage.Names()
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list buckets")
		summary.Failed[""] = err
		return summary, nil
	}
	for _, name := range names {
		if name == w.installBucket || name == w.runtimeBucket {
			summary.Kept = append(summary.Kept, name)
			continue
		}
		if err := ctx.Err(); err != nil {
			summary.Failed[name] = err
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			w.log.Error().Err(err).Str("bucket", name).Msg("Could not delete obsolete bucket")
			summary.Failed[name] = err
			continue
		}
		w.log.Trace().Str("bucket", name).Msg("Deleted obsolete bucket")
		summary.Deleted = append(summary.Deleted, name)
	}
	w.log.Info().Strs("deleted", summary.Deleted).Msg("Activated")
	return summary, nil
}

// Intercepts reports whether Fetch should handle the request.
// Only same-origin GET requests not routed network-only are intercepted.
func (w *Worker) Intercepts(req *http.Request) bool {
	return req.Method == http.MethodGet &&
		w.keyer.SameOrigin(req) &&
		w.rules.Strategy(req) == routerules.CacheFirst
}

// Fetch answers an intercepted request cache-first.
// A stored response from any bucket is returned without touching the network.
// On a miss the network is asked once; a 200 is stored in the runtime bucket
// unless it is private to the requesting client.
// If the network fails or does not return a 200, the buckets are checked once
// more in case a concurrent request stored the response meanwhile.
// After a network error with nothing stored, ErrNoResponse is returned.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, CacheStatus, error) {
	var cs CacheStatus
	if entry, bucket, ok := w.match(req); ok {
		cs.Hit(bucket)
		return entry.Response(req), cs, nil
	}

	cs.Forward(FwdReasonUriMiss)
	res, err := w.network.Fetch(ctx, req)
	if err == nil && res.StatusCode == http.StatusOK {
		body, readErr := io.ReadAll(res.Body)
		res.Body.Close()
		if readErr == nil {
			res.Body = io.NopCloser(bytes.NewReader(body))
			if shareable(req, res) {
				cs.Stored = w.putRuntime(req, res, body)
			} else {
				cs.Detail("private")
			}
			return res, cs, nil
		}
		res, err = nil, readErr
	}

	if entry, bucket, ok := w.match(req); ok {
		if res != nil {
			res.Body.Close()
		}
		cs.Hit(bucket)
		cs.Detail("fallback")
		return entry.Response(req), cs, nil
	}
	if err != nil {
		return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return res, cs, nil
}

// Purge removes the runtime entries stored for a URL, all variants included.
// It returns the number of entries removed.
func (w *Worker) Purge(target string) (int, error) {
	u, err := w.keyer.Origin.Parse(target)
	if err != nil {
		return 0, err
	}
	bucket, err := w.storage.Bucket(w.runtimeBucket)
	if errors.Is(err, cache.ErrBucketNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	req := &http.Request{Method: http.MethodGet, URL: w.keyer.Resolve(u)}
	entries, err := bucket.All(w.keyer.GetKeyPrefix(req))
	if err != nil {
		return 0, err
	}
	for i, entry := range entries {
		if err := bucket.Purge(entry.Key); err != nil {
			return i, err
		}
	}
	w.log.Debug().Str("url", req.URL.String()).Int("entries", len(entries)).Msg("Purged runtime entries")
	return len(entries), nil
}

// Sync runs the handler registered for the tag.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	handler, ok := w.syncHandlers[tag]
	if !ok {
		w.log.Debug().Str("tag", tag).Msg("No handler for sync tag")
		return fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}
	if err := handler(ctx); err != nil {
		return fmt.Errorf("sync %s: %w", tag, err)
	}
	w.log.Trace().Str("tag", tag).Msg("Sync completed")
	return nil
}

// match looks the request up in every bucket, in bucket creation order.
func (w *Worker) match(req *http.Request) (cache.Entry, string, bool) {
	names, err := w.storage.Names()
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list buckets")
		return cache.Entry{}, "", false
	}
	prefix := w.keyer.GetKeyPrefix(req)
	for _, name := range names {
		bucket, err := w.storage.Bucket(name)
		if errors.Is(err, cache.ErrBucketNotFound) {
			continue
		} else if err != nil {
			w.log.Error().Err(err).Str("bucket", name).Msg("Could not open bucket")
			continue
		}
		entries, err := bucket.All(prefix)
		if err != nil {
			w.log.Error().Err(err).Str("bucket", name).Msg("Could not retrieve from cache")
			continue
		}
		for _, entry := range entries {
			if w.keyer.Matches(entry.Key, req, entry.Header) {
				w.log.Trace().Str("key", entry.Key).Str("bucket", name).Msg("Cache hit")
				return entry, name, true
			}
		}
	}
	return cache.Entry{}, "", false
}

// putRuntime stores a network response in the runtime bucket.
// Failures are logged only.
func (w *Worker) putRuntime(req *http.Request, res *http.Response, body []byte) bool {
	bucket, err := w.storage.Open(w.runtimeBucket)
	if err == nil {
		_, err = w.put(bucket, req, res, body, "")
	}
	if err != nil {
		w.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not write to runtime bucket")
		return false
	}
	return true
}

func (w *Worker) put(bucket cache.Bucket, req *http.Request, res *http.Response, body []byte, revision string) (string, error) {
	key, ok := w.keyer.AddVaryKeys(w.keyer.GetKeyPrefix(req), req, res.Header)
	if !ok {
		return "", errVaryWildcard
	}
	if enc := res.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return "", errEncodedBody
	}
	entry := cache.Entry{
		Key:      key,
		Status:   res.StatusCode,
		Header:   storableHeader(res.Header),
		Body:     body,
		Revision: revision,
		StoredAt: time.Now(),
	}
	w.log.Trace().Str("key", key).Str("bucket", bucket.Name()).Msg("Writing to cache")
	if err := bucket.Put(entry); err != nil {
		return key, err
	}
	return key, nil
}

// storableHeader drops header fields that describe the connection rather
// than the response, and cookies meant for the requesting client only.
func storableHeader(h http.Header) http.Header {
	header := h.Clone()
	if header == nil {
		return make(http.Header)
	}
	for _, name := range cachekey.GetListHeader(header, "Connection") {
		header.Del(name)
	}
	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Cache-Status", "Set-Cookie", "Set-Cookie2"} {
		header.Del(name)
	}
	return header
}

// shareable reports whether a network response may be served to other
// clients later on.
func shareable(req *http.Request, res *http.Response) bool {
	if req.Header.Get("Authorization") != "" {
		return false
	}
	for _, directive := range cachekey.GetListHeader(res.Header, "Cache-Control") {
		name, _, _ := strings.Cut(directive, "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "private", "no-store":
			return false
		}
	}
	return true
}
