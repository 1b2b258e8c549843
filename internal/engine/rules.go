package engine

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleSet holds the URL hints of a single engine.
type RuleSet struct {
	Default    *float64           `yaml:"default"`
	Domains    map[string]float64 `yaml:"domains"`
	Extensions map[string]float64 `yaml:"extensions"`
}

// Rules are per-engine URL heuristics used to compute Capabilities.Priority.
//
// Example file:
//
//	engines:
//	  http:
//	    default: 0.5
//	    extensions:
//	      .iso: 0.9
//	  media:
//	    domains:
//	      youtube.com: 1.0
type Rules struct {
	Engines map[string]RuleSet `yaml:"engines"`
}

// LoadRules reads a rules file. An empty path yields empty rules.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return &Rules{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	return ParseRules(data)
}

// ParseRules decodes YAML rules and validates the weights.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	for name, set := range r.Engines {
		if set.Default != nil {
			if err := checkWeight(name, "default", *set.Default); err != nil {
				return nil, err
			}
		}

		for k, v := range set.Domains {
			if err := checkWeight(name, k, v); err != nil {
				return nil, err
			}
		}

		for k, v := range set.Extensions {
			if err := checkWeight(name, k, v); err != nil {
				return nil, err
			}
		}
	}

	return &r, nil
}

func checkWeight(engineName, key string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("rules for %s: weight of %q must be within [0,1], got %v", engineName, key, v)
	}

	return nil
}

// Priority returns the highest matching hint for engineName on rawURL. Domains
// match exactly or as a parent domain. Without a match the engine default is
// used, then fallback.
func (r *Rules) Priority(engineName, rawURL string, fallback float64) float64 {
	if r == nil {
		return fallback
	}

	set, ok := r.Engines[engineName]
	if !ok {
		return fallback
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}

	host := strings.ToLower(u.Hostname())
	ext := strings.ToLower(path.Ext(u.Path))

	best := -1.0

	for domain, w := range set.Domains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			best = max(best, w)
		}
	}

	if ext != "" {
		for e, w := range set.Extensions {
			if strings.EqualFold(e, ext) {
				best = max(best, w)
			}
		}
	}

	if best >= 0 {
		return best
	}

	if set.Default != nil {
		return *set.Default
	}

	return fallback
}
