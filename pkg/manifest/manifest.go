// Package manifest reads and generates precache manifests.
//
// A manifest is an ordered list of asset URLs known at build time. Each entry
// is either a plain URL string or an object with a url and an optional
// revision token:
//
//	- /index.html
//	- url: /app.js
//	  revision: 3f2a9c1e
//
// JSON manifests use the same shapes.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

var ErrDuplicateURL = errors.New("duplicate manifest url")

// Entry is a normalized manifest entry.
type Entry struct {
	URL      string `json:"url" yaml:"url"`
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
}

type entryObject struct {
	URL      string `json:"url" yaml:"url"`
	Revision string `json:"revision" yaml:"revision"`
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = Entry{URL: s}
		return nil
	}
	var obj entryObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("manifest entry must be a string or an object with url: %w", err)
	}
	*e = Entry(obj)
	return nil
}

func (e *Entry) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*e = Entry{URL: value.Value}
		return nil
	case yaml.MappingNode:
		var obj entryObject
		if err := value.Decode(&obj); err != nil {
			return err
		}
		*e = Entry(obj)
		return nil
	}
	return fmt.Errorf("line %d: manifest entry must be a string or an object with url", value.Line)
}

// Manifest is the ordered asset list installed by a version.
type Manifest []Entry

// Parse decodes a YAML or JSON manifest and validates it.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	// YAML is a superset of JSON, so one decoder handles both
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads and parses the manifest file at path.
func Load(fs afero.Fs, path string) (Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Validate checks that every entry has a URL and that URLs are unique.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m))
	for i, e := range m {
		if strings.TrimSpace(e.URL) == "" {
			return fmt.Errorf("manifest entry %d: empty url", i)
		}
		if _, ok := seen[e.URL]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateURL, e.URL)
		}
		seen[e.URL] = struct{}{}
	}
	return nil
}

// URLs returns the entry URLs in manifest order.
func (m Manifest) URLs() []string {
	urls := make([]string, len(m))
	for i, e := range m {
		urls[i] = e.URL
	}
	return urls
}

// Hash returns a hex digest over all URLs and revisions.
// Two manifests hash the same iff they list the same assets in the same order.
func (m Manifest) Hash() string {
	h := blake3.New()
	for _, e := range m {
		fmt.Fprintf(h, "%s\x00%s\n", e.URL, e.Revision)
	}
	return hex.EncodeToString(h.Sum(nil))
}
