// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "strings"

// PermissionLevel orders bridge permission levels from least to most powerful.
type PermissionLevel int

const (
	PermissionRelaybot PermissionLevel = iota
	PermissionUser
	PermissionAdmin
)

// String returns the configuration spelling of the level.
func (l PermissionLevel) String() string {
	switch l {
	case PermissionAdmin:
		return "admin"
	case PermissionUser:
		return "user"
	default:
		return "relaybot"
	}
}

func parseLevel(s string) (PermissionLevel, bool) {
	switch s {
	case "admin":
		return PermissionAdmin, true
	case "user":
		return PermissionUser, true
	case "relaybot":
		return PermissionRelaybot, true
	}
	return PermissionRelaybot, false
}

// Permissions resolves the permission triple for a Matrix user ID. Lookup
// order: exact mxid, the mxid's homeserver domain, then the "*" wildcard.
// A user is whitelisted at level user or above.
func (b Bridge) GetPermissions(mxid string) (whitelisted, admin bool, level PermissionLevel) {
	if lvl, ok := b.lookup(mxid); ok {
		return lvl >= PermissionUser, lvl >= PermissionAdmin, lvl
	}
	if _, domain, ok := strings.Cut(mxid, ":"); ok {
		if lvl, okd := b.lookup(domain); okd {
			return lvl >= PermissionUser, lvl >= PermissionAdmin, lvl
		}
	}
	if lvl, ok := b.lookup("*"); ok {
		return lvl >= PermissionUser, lvl >= PermissionAdmin, lvl
	}
	return false, false, PermissionRelaybot
}

func (b Bridge) lookup(key string) (PermissionLevel, bool) {
	raw, ok := b.Permissions[key]
	if !ok {
		return PermissionRelaybot, false
	}
	lvl, ok := parseLevel(raw)
	return lvl, ok
}
