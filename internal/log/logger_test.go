// SPDX-License-Identifier: AGPL-3.0-or-later

package log

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithComponent(t *testing.T) {
	var buf strings.Builder
	l := zerolog.New(&buf)
	l = l.With().Str("component", "poller").Logger()
	l.Info().Msg("tick")

	if !strings.Contains(buf.String(), `"component":"poller"`) {
		t.Errorf("expected component field, got %s", buf.String())
	}
}

func TestWithContext_EnrichesCorrelationFields(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTxnID(ctx, "txn-9")

	var buf strings.Builder
	l := WithContext(ctx, zerolog.New(&buf))
	l.Info().Msg("handled")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-1"`) {
		t.Errorf("missing request_id: %s", out)
	}
	if !strings.Contains(out, `"txn_id":"txn-9"`) {
		t.Errorf("missing txn_id: %s", out)
	}
}

func TestWithContext_NoFieldsReturnsSameLogger(t *testing.T) {
	var buf strings.Builder
	base := zerolog.New(&buf)
	l := WithContext(context.Background(), base)
	l.Info().Msg("plain")

	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected correlation field: %s", buf.String())
	}
}

func TestRequestIDFromContext_NilSafe(t *testing.T) {
	//nolint:staticcheck // deliberate nil context
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
