package precache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"net/url"

	cachekey "github.com/always-cache/precache/pkg/cache-key"
	tee "github.com/always-cache/precache/pkg/response-writer-tee"
)

// Fetcher is the network as seen by the worker.
// A returned error means a network error; any HTTP status is a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// OriginFetcher sends requests to an origin server.
// Every request goes to the origin, whatever host an absolute-form
// request names.
type OriginFetcher struct {
	origin     url.URL
	hostHeader string
	client     *http.Client
}

// NewOriginFetcher creates a fetcher for the origin.
// If host is set, it is used for the Host header and TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewOriginFetcher(origin url.URL, host string) *OriginFetcher {
	hostHeader := origin.Host
	transport := http.DefaultTransport
	if host != "" {
		hostHeader = host
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return &OriginFetcher{
		origin:     origin,
		hostHeader: hostHeader,
		client: &http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (o *OriginFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := getForwardRequest(req.WithContext(ctx))
	out.RequestURI = ""
	out.URL.Scheme = o.origin.Scheme
	out.URL.Host = o.origin.Host
	out.URL.User = nil
	out.Host = o.hostHeader
	return o.client.Do(out)
}

// HandlerFetcher uses an http.Handler as the network.
// The handler response is fully buffered before it is returned.
type HandlerFetcher struct {
	Handler http.Handler
}

func (h HandlerFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	rw := tee.NewResponseSaver()
	// handlers see no Accept-Encoding so that stored bodies are never encoded
	in := req.Clone(ctx)
	in.Header.Del("Accept-Encoding")
	h.Handler.ServeHTTP(rw, in)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rw.Response())), req)
}

// getForwardRequest clones the request without hop-by-hop headers.
// Accept-Encoding is removed as well: the transport then negotiates
// gzip itself and hands back a decoded body.
func getForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())

	for _, header := range cachekey.GetListHeader(r.Header, "Connection") {
		r.Header.Del(header)
	}
	r.Header.Del("Connection")
	r.Header.Del("Proxy-Connection")
	r.Header.Del("Keep-Alive")
	r.Header.Del("TE")
	r.Header.Del("Transfer-Encoding")
	r.Header.Del("Upgrade")
	r.Header.Del("Accept-Encoding")

	return r
}
