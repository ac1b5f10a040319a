package cachekey

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	methodSeparator = " "
	varySeparator   = "\t"
	headerSeparator = "\n"
)

// CacheKeyer builds request keys relative to one origin.
// A key has the form `METHOD absolute-url<TAB>` followed by one
// `\nname: value` line per request header selected by the response Vary.
type CacheKeyer struct {
	// Origin all relative request URLs are resolved against.
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	return CacheKeyer{Origin: url.URL{Scheme: origin.Scheme, Host: origin.Host}}
}

// Resolve returns the absolute URL of the request, without fragment.
func (c CacheKeyer) Resolve(u *url.URL) *url.URL {
	abs := c.Origin.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs
}

// SameOrigin reports whether the request targets the keyer's origin.
// Requests with a relative URL (the usual server-side form) are same-origin.
func (c CacheKeyer) SameOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, c.Origin.Scheme) && strings.EqualFold(r.URL.Host, c.Origin.Host)
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	return r.Method + methodSeparator + c.Resolve(r.URL).String() + varySeparator
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response headers involved.
// It returns false if the response varies on `*`, in which case it can never be matched.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, resHeader http.Header) (string, bool) {
	key := prefix
	for _, name := range GetListHeader(resHeader, "Vary") {
		if name == "*" {
			return "", false
		}
		// stored bodies are never content-encoded, so they fit any Accept-Encoding
		if strings.EqualFold(name, "Accept-Encoding") {
			continue
		}
		if values := req.Header.Values(name); len(values) > 0 {
			key = key + headerSeparator + strings.ToLower(name) + ": " + strings.Join(values, ", ")
		}
	}
	return key, true
}

// Matches reports whether a stored entry with the given key and response headers
// can be used for the request.
func (c CacheKeyer) Matches(key string, req *http.Request, resHeader http.Header) bool {
	full, ok := c.AddVaryKeys(c.GetKeyPrefix(req), req, resHeader)
	return ok && full == key
}

// GetListHeader splits comma-separated header field values into their items.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}
