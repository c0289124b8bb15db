// Package rules gates which domains the daemon is allowed to touch.
//
// A rules file lists domains and a mode: in blacklist mode listed domains
// are excluded, in whitelist mode only listed domains are included.
// Entries support a leading wildcard, e.g. "*.example.com".
package rules

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Mode selects how the domain list is interpreted.
type Mode string

const (
	ModeBlacklist Mode = "blacklist"
	ModeWhitelist Mode = "whitelist"
)

// Rules is a parsed restriction policy.
type Rules struct {
	Mode    Mode     `yaml:"mode"`
	Domains []string `yaml:"domains"`
}

// Default returns the policy used when no rules file is configured:
// blacklist mode with an empty list, i.e. every domain enabled.
func Default() *Rules {
	return &Rules{Mode: ModeBlacklist}
}

// Load reads a rules file. A missing path yields the default policy.
func Load(path string) (*Rules, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a rules document.
func Parse(data []byte) (*Rules, error) {
	r := Default()
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if r.Mode != ModeBlacklist && r.Mode != ModeWhitelist {
		return nil, fmt.Errorf("unknown rules mode %q", r.Mode)
	}
	return r, nil
}

// Enabled reports whether the daemon may capture or restore on the domain.
func (r *Rules) Enabled(domain string) bool {
	listed := false
	for _, entry := range r.Domains {
		if matches(entry, domain) {
			listed = true
			break
		}
	}

	if r.Mode == ModeWhitelist {
		return listed
	}
	return !listed
}

// matches checks one list entry against a domain, honoring a "*." prefix.
func matches(entry, domain string) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	if base, ok := strings.CutPrefix(entry, "*."); ok {
		return domain == base || strings.HasSuffix(domain, "."+base)
	}
	return entry == domain
}
