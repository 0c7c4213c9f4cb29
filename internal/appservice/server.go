// SPDX-License-Identifier: AGPL-3.0-or-later

package appservice

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/mxbridge/twidm/internal/log"
	"github.com/mxbridge/twidm/internal/metrics"
	"github.com/mxbridge/twidm/internal/telemetry"
)

// EventProcessor receives Matrix events pushed by the homeserver. The server
// has already authenticated the transaction and filtered duplicates.
type EventProcessor interface {
	HandleMatrixEvent(ctx context.Context, evt Event)
}

// ServerConfig configures the transaction listener.
type ServerConfig struct {
	HSToken string
	// TxnCacheSize bounds the replayed-transaction-ID cache.
	TxnCacheSize int
}

// Server is the inbound appservice HTTP surface.
type Server struct {
	cfg       ServerConfig
	processor EventProcessor
	logger    zerolog.Logger

	txnMu    sync.Mutex
	txnSeen  map[string]struct{}
	txnOrder []string
}

// NewServer creates the transaction listener around an event processor.
func NewServer(cfg ServerConfig, processor EventProcessor) *Server {
	if cfg.TxnCacheSize <= 0 {
		cfg.TxnCacheSize = 512
	}
	return &Server{
		cfg:       cfg,
		processor: processor,
		logger:    log.WithComponent("appservice"),
		txnSeen:   make(map[string]struct{}),
	}
}

// Router builds the chi router for the appservice listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httprate.LimitByIP(100, time.Minute))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Put("/_matrix/app/v1/transactions/{txnID}", s.handleTransaction)
	r.Get("/_matrix/app/v1/ping", s.handlePing)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		// Older homeservers send the token as a query parameter.
		token = r.URL.Query().Get("access_token")
	}
	return token != "" && token == s.cfg.HSToken
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		metrics.Transactions.WithLabelValues("unauthorized").Inc()
		writeJSON(w, http.StatusForbidden, map[string]string{
			"errcode": "M_FORBIDDEN",
			"error":   "Bad token supplied",
		})
		return
	}

	txnID := chi.URLParam(r, "txnID")
	ctx := log.ContextWithTxnID(r.Context(), txnID)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ctx = log.ContextWithRequestID(ctx, rid)
	}
	logger := log.WithContext(ctx, s.logger)

	var txn Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		metrics.Transactions.WithLabelValues("malformed").Inc()
		logger.Warn().Err(err).Msg("malformed transaction body")
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"errcode": "M_NOT_JSON",
			"error":   "Body is not valid JSON",
		})
		return
	}

	// Reserve the ID before processing so a concurrent duplicate delivery
	// cannot slip past the seen check while the first one is still in
	// flight. The homeserver retries until it sees 200; replays are acked
	// without reprocessing.
	if !s.reserve(txnID) {
		metrics.Transactions.WithLabelValues("replay").Inc()
		logger.Debug().Msg("ignoring replayed transaction")
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	ctx, span := telemetry.Tracer("appservice").Start(ctx, "transaction")
	span.SetAttributes(telemetry.TransactionAttributes(txnID, len(txn.Events))...)
	for _, evt := range txn.Events {
		s.processor.HandleMatrixEvent(ctx, evt)
	}
	span.End()

	metrics.Transactions.WithLabelValues("ok").Inc()
	logger.Debug().Int("events", len(txn.Events)).Msg("transaction processed")
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN"})
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reserve marks a transaction ID as seen. It reports false when the ID was
// already reserved by an earlier or concurrent delivery.
func (s *Server) reserve(txnID string) bool {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if _, dup := s.txnSeen[txnID]; dup {
		return false
	}
	s.txnSeen[txnID] = struct{}{}
	s.txnOrder = append(s.txnOrder, txnID)
	if len(s.txnOrder) > s.cfg.TxnCacheSize {
		oldest := s.txnOrder[0]
		s.txnOrder = s.txnOrder[1:]
		delete(s.txnSeen, oldest)
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
