package manifest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// revisionLength is the number of hex characters kept from the content hash.
const revisionLength = 16

type GenerateOptions struct {
	// URL prefix prepended to the slash-separated relative file path.
	Prefix string
	// Glob patterns (path.Match syntax, matched against the relative path)
	// a file must match to be included. Empty includes everything.
	Include []string
	// Glob patterns excluding files, checked after Include.
	Exclude []string
}

// Generate walks root and returns a manifest entry per matching file.
// The revision of each entry is derived from the file contents, so it
// changes exactly when the file does. Entries are in lexical path order.
func Generate(fs afero.Fs, root string, opts GenerateOptions) (Manifest, error) {
	m := make(Manifest, 0)
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ok, err := selected(rel, opts); err != nil || !ok {
			return err
		}
		rev, err := fileRevision(fs, p)
		if err != nil {
			return err
		}
		m = append(m, Entry{
			URL:      joinURL(opts.Prefix, rel),
			Revision: rev,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generate manifest: %w", err)
	}
	return m, nil
}

func selected(rel string, opts GenerateOptions) (bool, error) {
	if len(opts.Include) > 0 {
		included := false
		for _, pattern := range opts.Include {
			ok, err := matchPattern(pattern, rel)
			if err != nil {
				return false, err
			}
			if ok {
				included = true
				break
			}
		}
		if !included {
			return false, nil
		}
	}
	for _, pattern := range opts.Exclude {
		ok, err := matchPattern(pattern, rel)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

// matchPattern matches the pattern against the full relative path and,
// for patterns without a slash, against the base name.
func matchPattern(pattern, rel string) (bool, error) {
	ok, err := path.Match(pattern, rel)
	if err != nil || ok {
		return ok, err
	}
	if !strings.Contains(pattern, "/") {
		return path.Match(pattern, path.Base(rel))
	}
	return false, nil
}

func fileRevision(fs afero.Fs, p string) (string, error) {
	f, err := fs.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil))[:revisionLength], nil
}

func joinURL(prefix, rel string) string {
	if prefix == "" {
		prefix = "/"
	}
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return prefix + rel
}
