package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func testKeyer() CacheKeyer {
	origin, _ := url.Parse("https://app.test")
	return NewCacheKeyer(*origin)
}

func TestKeyPrefixDropsFragment(t *testing.T) {
	keygen := testKeyer()
	r, _ := http.NewRequest("GET", "/page?x=1#top", nil)
	if key := keygen.GetKeyPrefix(r); key != "GET https://app.test/page?x=1\t" {
		t.Fatalf("Key is %q", key)
	}
}

func TestRelativeAndAbsoluteShareKey(t *testing.T) {
	keygen := testKeyer()
	rel, _ := http.NewRequest("GET", "/app.js", nil)
	abs, _ := http.NewRequest("GET", "https://app.test/app.js", nil)
	if keygen.GetKeyPrefix(rel) != keygen.GetKeyPrefix(abs) {
		t.Fatalf("Keys differ: %q %q", keygen.GetKeyPrefix(rel), keygen.GetKeyPrefix(abs))
	}
}

func TestSameOrigin(t *testing.T) {
	keygen := testKeyer()
	cases := map[string]bool{
		"/local":                    true,
		"https://app.test/x":        true,
		"https://APP.test/x":        true,
		"http://app.test/x":         false,
		"https://cdn.app.test/x":    false,
		"https://app.test:8443/x":   false,
		"https://other.example/app": false,
	}
	for target, want := range cases {
		r, _ := http.NewRequest("GET", target, nil)
		if got := keygen.SameOrigin(r); got != want {
			t.Fatalf("SameOrigin(%s) is %v", target, got)
		}
	}
}

func TestVaryKeys(t *testing.T) {
	keygen := testKeyer()
	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "fi")
	resHeader := http.Header{"Vary": []string{"Accept-Language, Accept-Encoding"}}

	key, ok := keygen.AddVaryKeys(keygen.GetKeyPrefix(req), req, resHeader)
	if !ok || key != "GET https://app.test/\t\naccept-language: fi" {
		t.Fatalf("Key is %q", key)
	}
	if !keygen.Matches(key, req, resHeader) {
		t.Fatal("Request should match its own key")
	}

	other, _ := http.NewRequest("GET", "/", nil)
	other.Header.Set("Accept-Language", "sv")
	if keygen.Matches(key, other, resHeader) {
		t.Fatal("Different vary header value should not match")
	}

	// encoding preferences never split entries
	gzipped, _ := http.NewRequest("GET", "/", nil)
	gzipped.Header.Set("Accept-Language", "fi")
	gzipped.Header.Set("Accept-Encoding", "gzip")
	if !keygen.Matches(key, gzipped, resHeader) {
		t.Fatal("Accept-Encoding should not affect the key")
	}
}

func TestVaryStarNeverMatches(t *testing.T) {
	keygen := testKeyer()
	req, _ := http.NewRequest("GET", "/", nil)
	if _, ok := keygen.AddVaryKeys(keygen.GetKeyPrefix(req), req, http.Header{"Vary": []string{"*"}}); ok {
		t.Fatal("Vary: * must not produce a key")
	}
}

func TestGetListHeader(t *testing.T) {
	h := http.Header{"Cache-Control": []string{"private, max-age=60", " ,no-store"}}
	got := GetListHeader(h, "Cache-Control")
	if len(got) != 3 || got[0] != "private" || got[1] != "max-age=60" || got[2] != "no-store" {
		t.Fatalf("List is %q", got)
	}
}
