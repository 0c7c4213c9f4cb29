// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Registration is the appservice registration document the homeserver loads.
type Registration struct {
	ID              string `yaml:"id"`
	URL             string `yaml:"url"`
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
	SenderLocalpart string `yaml:"sender_localpart"`
	RateLimited     bool   `yaml:"rate_limited"`
	Namespaces      struct {
		Users []RegistrationNamespace `yaml:"users"`
	} `yaml:"namespaces"`
}

// RegistrationNamespace declares a user ID pattern the appservice controls.
type RegistrationNamespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

// NewRegistration derives a registration from the config, minting fresh
// tokens for any that are unset.
func NewRegistration(cfg *Config) Registration {
	if cfg.Appservice.ASToken == "" {
		cfg.Appservice.ASToken = uuid.NewString()
	}
	if cfg.Appservice.HSToken == "" {
		cfg.Appservice.HSToken = uuid.NewString()
	}

	var reg Registration
	reg.ID = cfg.Appservice.ID
	reg.URL = "http://" + cfg.Appservice.Listen
	reg.ASToken = cfg.Appservice.ASToken
	reg.HSToken = cfg.Appservice.HSToken
	reg.SenderLocalpart = cfg.Appservice.BotLocalpart
	reg.Namespaces.Users = []RegistrationNamespace{{
		Exclusive: true,
		Regex:     ghostRegex(cfg.Bridge.UsernameTemplate, cfg.Homeserver.Domain),
	}}
	return reg
}

// WriteRegistration renders the registration YAML and writes it atomically,
// so a homeserver watching the file never sees a partial document.
func WriteRegistration(reg Registration, path string) error {
	raw, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("registration: marshal: %w", err)
	}
	if err := renameio.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("registration: write %s: %w", path, err)
	}
	return nil
}

// GhostPattern compiles a matcher for ghost Matrix IDs minted from the
// username template.
func (b Bridge) GhostPattern(domain string) (*regexp.Regexp, error) {
	return regexp.Compile("^" + ghostRegex(b.UsernameTemplate, domain) + "$")
}

func ghostRegex(usernameTemplate, domain string) string {
	localpart := strings.ReplaceAll(regexp.QuoteMeta(usernameTemplate), `%d`, `[0-9]+`)
	return fmt.Sprintf("@%s:%s", localpart, regexp.QuoteMeta(domain))
}
