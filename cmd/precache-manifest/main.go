package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/always-cache/precache/pkg/manifest"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var (
	// CLI flags
	dirFlag     string
	prefixFlag  string
	outFlag     string
	formatFlag  string
	includeFlag string
	excludeFlag string
)

func init() {
	flag.StringVar(&dirFlag, "dir", "dist", "Build output directory to list")
	flag.StringVar(&prefixFlag, "prefix", "/", "URL prefix of the directory")
	flag.StringVar(&outFlag, "out", "", "Output file (default stdout)")
	flag.StringVar(&formatFlag, "format", "yaml", "Output format: yaml or json")
	flag.StringVar(&includeFlag, "include", "", "Comma-separated glob patterns of files to include")
	flag.StringVar(&excludeFlag, "exclude", "", "Comma-separated glob patterns of files to exclude")
}

func splitList(s string) []string {
	list := make([]string, 0)
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// encode writes the manifest in the given format.
func encode(w io.Writer, m manifest.Manifest, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	return fmt.Errorf("unsupported format: %s", format)
}

func run(fs afero.Fs, w io.Writer) (manifest.Manifest, error) {
	m, err := manifest.Generate(fs, dirFlag, manifest.GenerateOptions{
		Prefix:  prefixFlag,
		Include: splitList(includeFlag),
		Exclude: splitList(excludeFlag),
	})
	if err != nil {
		return nil, err
	}
	return m, encode(w, m, formatFlag)
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var out io.Writer = os.Stdout
	if outFlag != "" {
		f, err := os.Create(outFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot create output file")
		}
		defer f.Close()
		out = f
	}

	m, err := run(afero.NewOsFs(), out)
	if err != nil {
		log.Fatal().Err(err).Str("dir", dirFlag).Msg("Could not generate manifest")
	}
	log.Info().Int("assets", len(m)).Str("hash", m.Hash()[:12]).Msg("Manifest generated")
}
