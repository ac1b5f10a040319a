package cache

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrBucketNotFound is returned when operating on a bucket that does not
// exist (anymore).
var ErrBucketNotFound = errors.New("cache bucket not found")

// Storage is a set of named cache buckets.
// Bucket names are listed in creation order, which is also the order
// used when looking up a request across all buckets.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the bucket with the given name, creating it if needed.
	Open(name string) (Bucket, error)
	// Bucket returns an existing bucket.
	// It returns ErrBucketNotFound if there is no bucket with that name.
	Bucket(name string) (Bucket, error)
	// Has checks if a bucket with the given name exists.
	Has(name string) (bool, error)
	// Names returns the names of all buckets in creation order.
	Names() ([]string, error)
	// Delete removes the bucket and all its entries.
	// It returns false if there was no such bucket.
	Delete(name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Bucket stores response snapshots keyed by request key.
// A key starts with a request prefix (method and URL) and may continue
// with the request header values selected by the response Vary header.
type Bucket interface {
	Name() string
	// All returns all entries whose key has the given prefix.
	All(prefix string) ([]Entry, error)
	// Get returns the entry with exactly the given key.
	Get(key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	// It returns ErrBucketNotFound if the bucket has been deleted.
	Put(Entry) error
	// Keys calls the given callback for each key in the bucket.
	Keys(cb func(string)) error
	// Purge removes the entry for the given key.
	Purge(key string) error
}

// Entry is a stored response snapshot.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	Revision string
	StoredAt time.Time
}

// Response creates a fresh *http.Response from the stored snapshot.
// Every call returns an independent body reader.
func (e Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
