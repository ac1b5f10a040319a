package precache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/always-cache/precache/cache"

	"github.com/rs/zerolog"
)

// ErrNoActiveWorker is returned when an operation needs an activated worker.
var ErrNoActiveWorker = errors.New("no active worker")

// Registration hosts the workers of successive versions.
// It drives their lifecycle, keeps track of the clients they control,
// and routes requests to the active worker.
type Registration struct {
	network Fetcher
	// storage shared by versions that do not configure their own
	storage cache.Storage
	log     zerolog.Logger
	clients *clients

	// serializes Register calls
	registerMutex sync.Mutex

	mutex      sync.RWMutex
	active     *Worker
	installing *Worker
}

type WorkerStatus struct {
	Version       string `json:"version"`
	State         string `json:"state"`
	InstallBucket string `json:"installBucket"`
	RuntimeBucket string `json:"runtimeBucket"`
}

type Status struct {
	Active     *WorkerStatus  `json:"active,omitempty"`
	Installing *WorkerStatus  `json:"installing,omitempty"`
	Buckets    []string       `json:"buckets"`
	Entries    map[string]int `json:"entries"`
	Clients    ClientCounts   `json:"clients"`
}

// NewRegistration creates a registration without any worker.
// Until a worker is active, every request is passed to the network.
func NewRegistration(network Fetcher, logger *zerolog.Logger) *Registration {
	// use console logger if not specified
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		log = *logger
	}
	return &Registration{
		network: network,
		storage: cache.NewMemStorage(),
		log:     log,
		clients: newClients(),
	}
}

// Register deploys the configured version.
// The worker is installed and, since install always asks to skip waiting,
// activated right away; it then replaces the active worker and claims all
// clients. Registering the active version again is a no-op.
// Each phase is awaited before the next one starts.
func (r *Registration) Register(ctx context.Context, config Config) (*Worker, error) {
	r.registerMutex.Lock()
	defer r.registerMutex.Unlock()

	if config.Network == nil {
		config.Network = r.network
	}
	if config.Storage == nil {
		config.Storage = r.storage
	}
	if config.Logger == nil {
		config.Logger = &r.log
	}
	w, err := NewWorker(config)
	if err != nil {
		return nil, err
	}
	if active := r.Active(); active != nil && active.Version() == w.Version() {
		r.log.Debug().Str("version", w.Version()).Msg("Version already active")
		return active, nil
	}

	r.mutex.Lock()
	r.installing = w
	r.mutex.Unlock()

	if _, err := w.Install(ctx); err != nil {
		r.discard(w)
		return nil, fmt.Errorf("install %s: %w", w.Version(), err)
	}
	if !w.SkipWaiting() {
		r.discard(w)
		return nil, fmt.Errorf("install %s: %w: not ready to activate", w.Version(), ErrInvalidState)
	}
	if _, err := w.Activate(ctx); err != nil {
		r.discard(w)
		return nil, fmt.Errorf("activate %s: %w", w.Version(), err)
	}

	r.mutex.Lock()
	previous := r.active
	r.active = w
	r.installing = nil
	r.mutex.Unlock()
	if previous != nil {
		previous.setState(StateRedundant)
	}

	claimed := r.clients.claim(w.Version())
	r.log.Info().Str("version", w.Version()).Int("clients", claimed).Msg("Worker active, clients claimed")
	return w, nil
}

// discard drops a worker that will never become active.
func (r *Registration) discard(w *Worker) {
	r.mutex.Lock()
	if r.installing == w {
		r.installing = nil
	}
	r.mutex.Unlock()
	w.setState(StateRedundant)
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Worker {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.active
}

// Sync dispatches a background sync tag to the active worker.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	w := r.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	return w.Sync(ctx, tag)
}

// Purge removes the runtime entries the active worker stored for a URL.
func (r *Registration) Purge(target string) (int, error) {
	w := r.Active()
	if w == nil {
		return 0, ErrNoActiveWorker
	}
	return w.Purge(target)
}

// Status returns a snapshot of the registration.
func (r *Registration) Status() Status {
	r.mutex.RLock()
	active, installing := r.active, r.installing
	r.mutex.RUnlock()

	status := Status{
		Active:     workerStatus(active),
		Installing: workerStatus(installing),
		Buckets:    []string{},
		Entries:    make(map[string]int),
		Clients:    r.clients.counts(),
	}
	if active == nil {
		return status
	}
	names, err := active.storage.Names()
	if err != nil {
		r.log.Error().Err(err).Msg("Could not list buckets")
		return status
	}
	status.Buckets = names
	for _, name := range names {
		bucket, err := active.storage.Bucket(name)
		if err != nil {
			continue
		}
		n := 0
		if err := bucket.Keys(func(string) { n++ }); err != nil {
			r.log.Error().Err(err).Str("bucket", name).Msg("Could not count entries")
			continue
		}
		status.Entries[name] = n
	}
	return status
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		Version:       w.Version(),
		State:         w.State().String(),
		InstallBucket: w.InstallBucket(),
		RuntimeBucket: w.RuntimeBucket(),
	}
}

// ServeHTTP implements the http.Handler interface.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer r.recover(w, req)

	active := r.Active()
	activeVersion := ""
	if active != nil {
		activeVersion = active.Version()
	}
	cl := r.clients.identify(w, req, activeVersion)

	var cs CacheStatus
	switch {
	case active == nil || cl.controller == "":
		cs.Forward(FwdReasonBypass)
		cs.Detail("uncontrolled")
	case req.Method != http.MethodGet:
		cs.Forward(FwdReasonMethod)
	case !active.Intercepts(req):
		cs.Forward(FwdReasonBypass)
	default:
		res, cs, err := active.Fetch(req.Context(), req)
		if err != nil {
			r.log.Error().Err(err).Str("url", req.URL.String()).Msg("No response")
			w.Header().Add("Cache-Status", cs.String())
			http.Error(w, "Could not get response", http.StatusBadGateway)
			r.logRequest(req, cs)
			return
		}
		r.send(w, req, res, cs)
		return
	}
	r.passthrough(w, req, active, cs)
}

// passthrough sends the request to the network without touching any bucket.
func (r *Registration) passthrough(w http.ResponseWriter, req *http.Request, active *Worker, cs CacheStatus) {
	network := r.network
	if active != nil {
		network = active.network
	}
	res, err := network.Fetch(req.Context(), req)
	if err != nil {
		r.log.Error().Err(err).Str("url", req.URL.String()).Msg("Error connecting to network")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	r.send(w, req, res, cs)
}

// recover recovers from panics and passes the request to the network.
func (r *Registration) recover(w http.ResponseWriter, req *http.Request) {
	if err := recover(); err != nil {
		r.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		var cs CacheStatus
		cs.Forward(FwdReasonBypass)
		cs.Detail("panic")
		r.passthrough(w, req, nil, cs)
	}
}

func (r *Registration) send(w http.ResponseWriter, req *http.Request, res *http.Response, cs CacheStatus) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		r.log.Error().Err(err).Msg("Could not write response body to client")
	}
	r.logRequest(req, cs)
	r.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (r *Registration) logRequest(req *http.Request, cs CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	r.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("sourceIp", getRequestSourceIp(req)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Str("bucket", cs.Bucket).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
