// Package sink is a local stand-in for the billing ingestion endpoint. It
// accepts event batches, validates them, deduplicates on transaction id the
// way the platform does, and can inject rate limits, server errors and stalls.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/usagesim/pkg/config"
	"github.com/pario-ai/usagesim/pkg/models"
)

const maxBodySize = 10 << 20

// Stats counts what the sink has seen.
type Stats struct {
	Requests    int `json:"requests"`
	Batches     int `json:"batches"`
	Events      int `json:"events"`
	Duplicates  int `json:"duplicates"`
	Rejected    int `json:"rejected"`
	RateLimited int `json:"rate_limited"`
	Errors      int `json:"errors"`
	Stalled     int `json:"stalled"`
}

// Server is the local ingestion endpoint.
type Server struct {
	cfg config.SinkConfig
	log zerolog.Logger
	mux *http.ServeMux

	mu    sync.Mutex
	stats Stats
	seen  map[string]struct{}
	usage map[string]int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a sink Server.
func New(cfg config.SinkConfig, opts ...Option) *Server {
	if cfg.Path == "" {
		cfg.Path = "/v1/ingest"
	}
	s := &Server{
		cfg:   cfg,
		log:   zerolog.Nop(),
		mux:   http.NewServeMux(),
		seen:  make(map[string]struct{}),
		usage: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST "+cfg.Path, s.handleIngest)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the sink with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Listen).Str("path", s.cfg.Path).Msg("sink listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Usage returns the accepted quantity per customer and subject, keyed
// "customer/subject".
func (s *Server) Usage() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.usage))
	for k, v := range s.usage {
		out[k] = v
	}
	return out
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	n := s.nextRequest()
	log := s.log.With().Int("request", n).Logger()

	if s.cfg.APIKey != "" && extractAPIKey(r) != s.cfg.APIKey {
		s.count(func(st *Stats) { st.Rejected++ })
		writeJSONError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	switch {
	case every(n, s.cfg.StallEvery):
		s.count(func(st *Stats) { st.Stalled++ })
		log.Debug().Dur("stall", s.cfg.Stall).Msg("stalling request")
		// The server only notices a client hang-up once the body is consumed.
		_, _ = io.Copy(io.Discard, http.MaxBytesReader(w, r.Body, maxBodySize))
		select {
		case <-time.After(s.cfg.Stall):
		case <-r.Context().Done():
			return
		}
		writeJSONError(w, http.StatusGatewayTimeout, "stalled")
		return
	case every(n, s.cfg.RateLimitEvery):
		s.count(func(st *Stats) { st.RateLimited++ })
		if s.cfg.RetryAfter > 0 {
			secs := int((s.cfg.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSONError(w, http.StatusTooManyRequests, "rate limited")
		return
	case every(n, s.cfg.ErrorEvery):
		s.count(func(st *Stats) { st.Errors++ })
		writeJSONError(w, http.StatusInternalServerError, "injected failure")
		return
	}

	var events []models.UsageEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&events); err != nil {
		s.count(func(st *Stats) { st.Rejected++ })
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode batch: %v", err))
		return
	}
	for _, ev := range events {
		if err := ev.Validate(nil); err != nil {
			s.count(func(st *Stats) { st.Rejected++ })
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	dup := s.accept(events)
	log.Debug().Int("events", len(events)).Int("duplicates", dup).Msg("batch accepted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"accepted":%d,"duplicates":%d}`, len(events)-dup, dup)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}

func (s *Server) nextRequest() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Requests++
	return s.stats.Requests
}

func (s *Server) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// accept records a valid batch and returns how many events repeated an
// already accepted transaction id.
func (s *Server) accept(events []models.UsageEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Batches++
	dup := 0
	for _, ev := range events {
		if _, ok := s.seen[ev.TransactionID]; ok {
			dup++
			continue
		}
		s.seen[ev.TransactionID] = struct{}{}
		s.stats.Events++
		s.usage[ev.CustomerID+"/"+ev.Subject()] += ev.Quantity()
	}
	s.stats.Duplicates += dup
	return dup
}

func every(n, interval int) bool {
	return interval > 0 && n%interval == 0
}

// extractAPIKey gets the client API key from the Authorization header.
func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"code":%d}}`, message, code)
}
