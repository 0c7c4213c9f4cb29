// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "testing"

func TestGetPermissions_LookupOrder(t *testing.T) {
	b := Bridge{Permissions: map[string]string{
		"@admin:example.com": "admin",
		"example.com":        "user",
		"*":                  "relaybot",
	}}

	tests := []struct {
		name        string
		mxid        string
		whitelisted bool
		admin       bool
		level       PermissionLevel
	}{
		{"exact match wins", "@admin:example.com", true, true, PermissionAdmin},
		{"domain fallback", "@someone:example.com", true, false, PermissionUser},
		{"wildcard fallback", "@stranger:other.org", false, false, PermissionRelaybot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wl, admin, lvl := b.GetPermissions(tt.mxid)
			if wl != tt.whitelisted || admin != tt.admin || lvl != tt.level {
				t.Errorf("GetPermissions(%s) = (%v, %v, %v), want (%v, %v, %v)",
					tt.mxid, wl, admin, lvl, tt.whitelisted, tt.admin, tt.level)
			}
		})
	}
}

func TestGetPermissions_NoEntries(t *testing.T) {
	var b Bridge
	wl, admin, lvl := b.GetPermissions("@anyone:anywhere.net")
	if wl || admin || lvl != PermissionRelaybot {
		t.Errorf("empty permissions should deny, got (%v, %v, %v)", wl, admin, lvl)
	}
}

func TestGetPermissions_InvalidLevelIgnored(t *testing.T) {
	b := Bridge{Permissions: map[string]string{
		"@weird:example.com": "superuser",
		"*":                  "user",
	}}
	// Invalid level entries fall through to the next lookup stage.
	wl, _, lvl := b.GetPermissions("@weird:example.com")
	if !wl || lvl != PermissionUser {
		t.Errorf("expected wildcard user level, got whitelisted=%v level=%v", wl, lvl)
	}
}
