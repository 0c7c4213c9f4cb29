// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_DefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 3*time.Second, cfg.Twitter.PollInterval)
	assert.Equal(t, "twitter_%d", cfg.Bridge.UsernameTemplate)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
homeserver:
  address: https://matrix.example.com
  domain: example.com
bridge:
  permissions:
    "@boss:example.com": admin
twitter:
  poll_interval: 10s
store:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://matrix.example.com", cfg.Homeserver.Address)
	assert.Equal(t, 10*time.Second, cfg.Twitter.PollInterval)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "admin", cfg.Bridge.Permissions["@boss:example.com"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("TWIDM_POLL_INTERVAL", "30s")
	t.Setenv("TWIDM_STORE_BACKEND", "badger")
	t.Setenv("TWIDM_STORE_PATH", filepath.Join(t.TempDir(), "badger"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Twitter.PollInterval)
	assert.Equal(t, "badger", cfg.Store.Backend)
}

func TestValidate_RejectsBadBackend(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "etcd"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Store.Backend")
}

func TestValidate_RejectsBadPermissionLevel(t *testing.T) {
	cfg := Default()
	cfg.Bridge.Permissions = map[string]string{"*": "root"}
	require.Error(t, Validate(cfg))
}

func TestValidate_InitialSyncAllowsUnlimited(t *testing.T) {
	cfg := Default()
	cfg.Bridge.InitialConversationSync = -1
	require.NoError(t, Validate(cfg))

	cfg.Bridge.InitialConversationSync = -2
	require.Error(t, Validate(cfg))
}

func TestValidate_UsernameTemplateNeedsPlaceholder(t *testing.T) {
	cfg := Default()
	cfg.Bridge.UsernameTemplate = "twitter"
	require.Error(t, Validate(cfg))
}

func TestNewRegistration_MintsTokensOnce(t *testing.T) {
	cfg := Default()
	reg := NewRegistration(&cfg)
	require.NotEmpty(t, reg.ASToken)
	require.NotEmpty(t, reg.HSToken)
	assert.Equal(t, cfg.Appservice.ASToken, reg.ASToken)

	again := NewRegistration(&cfg)
	assert.Equal(t, reg.ASToken, again.ASToken, "tokens must be stable once set")
}

func TestWriteRegistration_RoundTrip(t *testing.T) {
	cfg := Default()
	reg := NewRegistration(&cfg)
	path := filepath.Join(t.TempDir(), "registration.yaml")
	require.NoError(t, WriteRegistration(reg, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Registration
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, reg.ID, got.ID)
	require.Len(t, got.Namespaces.Users, 1)
	assert.Equal(t, "@twitter_[0-9]+:example\\.com", got.Namespaces.Users[0].Regex)
}

func TestGhostRegex_EscapesTemplate(t *testing.T) {
	got := ghostRegex("tw.user_%d", "ex.org")
	assert.Equal(t, `@tw\.user_[0-9]+:ex\.org`, got)
}
