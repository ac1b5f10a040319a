package precache

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
)

func originServer(t *testing.T, handler http.HandlerFunc) *url.URL {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestOriginFetcherRewritesHost(t *testing.T) {
	var gotHost string
	origin := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.Write([]byte("origin " + r.URL.Path))
	})
	f := NewOriginFetcher(*origin, "www.example.com")

	res, err := f.Fetch(context.Background(), httptest.NewRequest("GET", "/index.html", nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "origin /index.html" {
		t.Fatalf("Body is %s", body)
	}
	if gotHost != "www.example.com" {
		t.Fatalf("Host is %s", gotHost)
	}
}

func TestOriginFetcherNeverLeavesOrigin(t *testing.T) {
	origin := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("origin " + r.URL.Path))
	})
	var internalCalls atomic.Int32
	internal := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		internalCalls.Add(1)
		w.Write([]byte("internal secret"))
	})
	f := NewOriginFetcher(*origin, "")
	reg := NewRegistration(f, testLogger())

	rr := httptest.NewRecorder()
	reg.ServeHTTP(rr, httptest.NewRequest("GET", "http://"+internal.Host+"/admin", nil))

	if strings.Contains(rr.Body.String(), "secret") || internalCalls.Load() != 0 {
		t.Fatalf("Request reached %s: %s", internal.Host, rr.Body.String())
	}
	if rr.Body.String() != "origin /admin" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestOriginFetcherDoesNotFollowRedirects(t *testing.T) {
	origin := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.Write([]byte("new"))
	})
	f := NewOriginFetcher(*origin, "")

	res, err := f.Fetch(context.Background(), httptest.NewRequest("GET", "/old", nil))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusFound || res.Header.Get("Location") != "/new" {
		t.Fatalf("Got %d to %s", res.StatusCode, res.Header.Get("Location"))
	}
}

func TestOriginFetcherStripsHopByHopHeaders(t *testing.T) {
	var got http.Header
	origin := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	})
	f := NewOriginFetcher(*origin, "")

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Connection", "X-Trace")
	req.Header.Set("X-Trace", "abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Accept", "text/html")
	res, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	for _, name := range []string{"X-Trace", "Keep-Alive", "Proxy-Connection", "Upgrade"} {
		if got.Get(name) != "" {
			t.Fatalf("%s forwarded: %s", name, got.Get(name))
		}
	}
	if got.Get("Accept") != "text/html" {
		t.Fatalf("Accept is %s", got.Get("Accept"))
	}
}

// gzipOrigin compresses its answer whenever the client accepts gzip.
func gzipOrigin(t *testing.T) *url.URL {
	return originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept-Encoding")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Write([]byte("plain " + r.URL.Path))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("plain " + r.URL.Path))
		gz.Close()
	})
}

func TestOriginFetcherDecodesBodies(t *testing.T) {
	f := NewOriginFetcher(*gzipOrigin(t), "")

	req := httptest.NewRequest("GET", "/app.js", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	res, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "plain /app.js" {
		t.Fatalf("Body is %q", body)
	}
	if enc := res.Header.Get("Content-Encoding"); enc != "" {
		t.Fatalf("Content-Encoding is %s", enc)
	}
}

func TestServeHTTPEncodingIndependentOfFirstClient(t *testing.T) {
	reg := NewRegistration(NewOriginFetcher(*gzipOrigin(t), ""), testLogger())
	if _, err := reg.Register(context.Background(), Config{Version: "v1"}); err != nil {
		t.Fatal(err)
	}

	first := httptest.NewRequest("GET", "/app.js", nil)
	first.Header.Set("Accept-Encoding", "gzip")
	reg.ServeHTTP(httptest.NewRecorder(), first)

	rr := httptest.NewRecorder()
	reg.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	if cs := rr.Header().Get("Cache-Status"); cs != "Precache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if rr.Header().Get("Content-Encoding") != "" || rr.Body.String() != "plain /app.js" {
		t.Fatalf("Served %q encoded as %q", rr.Body.String(), rr.Header().Get("Content-Encoding"))
	}
}

func TestHandlerFetcherHidesAcceptEncoding(t *testing.T) {
	var got string
	f := HandlerFetcher{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Accept-Encoding")
	})}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	res, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if got != "" {
		t.Fatalf("Handler saw Accept-Encoding %s", got)
	}
	if req.Header.Get("Accept-Encoding") != "gzip" {
		t.Fatalf("Caller request modified")
	}
}
