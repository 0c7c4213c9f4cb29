// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"testing"

	"go.uber.org/goleak"
)

// Badger and the sqlite pool run background goroutines; this catches any
// store that leaks them past Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
