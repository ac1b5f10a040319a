package routerules

import (
	"fmt"
	"net/http"
	"strings"
)

// Strategy is how the worker handles a matched request.
type Strategy string

const (
	// Serve from any bucket, falling back to the network and populating
	// the runtime bucket.
	CacheFirst Strategy = "cache-first"
	// Never intercept, the request goes straight to the network.
	NetworkOnly Strategy = "network-only"
)

type Rules []Rule

type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Query    map[string]string `yaml:"query"`
	Strategy Strategy          `yaml:"strategy"`
}

// Strategy returns the strategy of the first rule matching the request.
// Requests matching no rule are handled cache-first.
func (r Rules) Strategy(req *http.Request) Strategy {
	if rule := r.find(req); rule != nil && rule.Strategy != "" {
		return rule.Strategy
	}
	return CacheFirst
}

// Validate checks that all rules use a known strategy.
func (r Rules) Validate() error {
	for i, rule := range r {
		switch rule.Strategy {
		case "", CacheFirst, NetworkOnly:
		default:
			return fmt.Errorf("rule %d: unknown strategy %q", i, rule.Strategy)
		}
	}
	return nil
}

func (r Rules) find(req *http.Request) *Rule {
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}
