// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import "fmt"

// Open creates a Store based on the backend configuration. All backends are
// wrapped with per-operation latency instrumentation.
func Open(backend, path string) (Store, error) {
	if backend == "" {
		backend = "sqlite"
	}

	var (
		s   Store
		err error
	)
	switch backend {
	case "memory":
		s = NewMemoryStore()
	case "badger":
		s, err = OpenBadgerStore(path)
	case "sqlite":
		s, err = NewSqliteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}
	return instrument(backend, s), nil
}
