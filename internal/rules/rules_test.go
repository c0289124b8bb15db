package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEnablesEverything(t *testing.T) {
	r := Default()

	assert.True(t, r.Enabled("example.com"))
	assert.True(t, r.Enabled("accounts.google.com"))
}

func TestBlacklistExcludesListed(t *testing.T) {
	r := &Rules{Mode: ModeBlacklist, Domains: []string{"bank.com", "*.internal.corp"}}

	tests := []struct {
		domain string
		want   bool
	}{
		{"bank.com", false},
		{"example.com", true},
		{"internal.corp", false},
		{"vpn.internal.corp", false},
		{"deep.vpn.internal.corp", false},
		{"notinternal.corp", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Enabled(tt.domain), tt.domain)
	}
}

func TestWhitelistIncludesOnlyListed(t *testing.T) {
	r := &Rules{Mode: ModeWhitelist, Domains: []string{"*.example.com"}}

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"mail.example.com", true},
		{"other.com", false},
		{"example.com.evil.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Enabled(tt.domain), tt.domain)
	}
}

func TestParse(t *testing.T) {
	r, err := Parse([]byte("mode: whitelist\ndomains:\n  - example.com\n  - \"*.corp.net\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ModeWhitelist, r.Mode)
	assert.Equal(t, []string{"example.com", "*.corp.net"}, r.Domains)
}

func TestParseRejectsUnknownMode(t *testing.T) {
	_, err := Parse([]byte("mode: denylist\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: blacklist\ndomains: [bank.com]\n"), 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	assert.False(t, r.Enabled("bank.com"))
	assert.True(t, r.Enabled("example.com"))
}

func TestLoadEmptyPathIsDefault(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), r)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
