package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"guardianrails/internal/chain"
	"guardianrails/internal/config"
	"guardianrails/internal/guardian"
	"guardianrails/internal/hmacauth"
	"guardianrails/internal/idempotency"
	"guardianrails/internal/reconcile"
	"guardianrails/internal/store"
	"guardianrails/internal/txflow"
)

const requestIDHeader = "X-Request-Id"

// Deps are the collaborators the server wires together.
type Deps struct {
	Config      *config.Config
	Records     store.RecordStore
	Submitter   chain.Submitter
	Receipts    chain.ReceiptSource
	Idempotency idempotency.Store
	Logger      zerolog.Logger
}

type Server struct {
	cfg         *config.Config
	records     store.RecordStore
	idem        idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	logger      zerolog.Logger
	now         func() time.Time
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
	idemHealth  func(context.Context) error

	initiator  *txflow.Initiator
	watcher    *txflow.Watcher
	controller *reconcile.Controller
	caches     *reconcile.Caches

	// Sessions run on bgCtx so they outlive the request that started them.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	// inflight joins concurrent action requests with the same scoped key.
	inflight singleflight.Group

	mu       sync.Mutex
	sessions map[string]*reconcile.Session
}

func NewServer(deps Deps) *Server {
	cfg := deps.Config
	logger := deps.Logger.With().Str("component", "server").Logger()
	metrics := newMetricsRegistry()

	s := &Server{
		cfg:     cfg,
		records: deps.Records,
		idem:    deps.Idempotency,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  deps.Logger.With().Str("component", "hmacauth").Logger(),
		},
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		caches:   reconcile.NewCaches(deps.Records),
		sessions: make(map[string]*reconcile.Session),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	s.initiator = txflow.NewInitiator(deps.Submitter, deps.Logger, metrics.registry)
	s.watcher = txflow.NewWatcher(deps.Receipts, txflow.WatcherConfig{
		Retention:  cfg.Reconcile.WatcherRetention,
		Logger:     deps.Logger,
		Registerer: metrics.registry,
	})
	s.controller = reconcile.NewController(s.watcher, reconcile.Config{
		GraceDelay: cfg.Reconcile.GraceDelay,
		Logger:     deps.Logger,
		Registerer: metrics.registry,
	}, reconcile.WithOnDelete(func(guardianWallet string) {
		logger.Info().Str("guardian", guardianWallet).Msg("proposal cancelled, dropping from views")
	}))

	if checker, ok := deps.Records.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Submitter.(chain.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}
	if checker, ok := deps.Idempotency.(interface{ Ping(context.Context) error }); ok {
		s.idemHealth = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/relationships", s.hmac.Middleware(http.HandlerFunc(s.handleRelationships)))
	mux.Handle("POST /api/v1/relationships/actions", s.hmac.Middleware(http.HandlerFunc(s.handleAction)))
	mux.Handle("POST /api/v1/relationships/proposals", s.hmac.Middleware(http.HandlerFunc(s.handleProposal)))
	mux.Handle("GET /api/v1/transactions/{txHash}", s.hmac.Middleware(http.HandlerFunc(s.handleTransaction)))
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.accessLog(mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler is the full middleware chain, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, detaches every reconciliation session
// and closes the watcher. Submitted transactions are unaffected.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.bgCancel()
	s.controller.Wait()
	s.watcher.Close()
	return err
}

func (s *Server) trackSession(sess *reconcile.Session) {
	txID := sess.Handle().TxID
	s.mu.Lock()
	s.sessions[txID] = sess
	s.metrics.setSessions(len(s.sessions))
	s.mu.Unlock()

	retention := s.cfg.Reconcile.WatcherRetention
	go func() {
		select {
		case <-sess.Done():
		case <-s.bgCtx.Done():
			return
		}
		time.AfterFunc(retention, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.sessions[txID] == sess {
				delete(s.sessions, txID)
				s.metrics.setSessions(len(s.sessions))
			}
		})
	}()
}

func (s *Server) session(txID string) (*reconcile.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[txID]
	return sess, ok
}

func (s *Server) pendingSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		select {
		case <-sess.Done():
		default:
			n++
		}
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := probe(ctx, s.dbHealthFn)
	idemInfo := probe(ctx, s.idemHealth)
	if !dbInfo.Connected || !idemInfo.Connected {
		overallHealthy = false
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status          string      `json:"status"`
		RPC             interface{} `json:"rpc"`
		Database        interface{} `json:"database"`
		Idempotency     interface{} `json:"idempotency"`
		PendingSessions int         `json:"pending_sessions"`
	}{
		Status:          status,
		RPC:             rpcInfo,
		Database:        dbInfo,
		Idempotency:     idemInfo,
		PendingSessions: s.pendingSessions(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type probeInfo struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func probe(ctx context.Context, fn func(context.Context) error) probeInfo {
	info := probeInfo{Connected: true}
	if fn == nil {
		return info
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		info.Connected = false
		info.Error = err.Error()
	}
	return info
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.incHTTP(route, rec.status)
		s.logger.Debug().
			Str("request_id", r.Header.Get(requestIDHeader)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// refreshLoaded reloads every loaded view of rec, from both sides, so a change
// one party made shows up for the other as well.
func (s *Server) refreshLoaded(ctx context.Context, rec guardian.Relationship) error {
	var errs []error
	for _, p := range guardian.Perspectives {
		c := s.caches.Get(rec.Owner(p), p)
		if !c.Loaded() {
			continue
		}
		if err := c.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s view of %s: %w", p, c.Owner(), err))
		}
	}
	return errors.Join(errs...)
}

// relationshipViews is the reconciliation target for an action on rec.
type relationshipViews struct {
	s   *Server
	rec guardian.Relationship
}

func (v relationshipViews) Refresh(ctx context.Context) error {
	return v.s.refreshLoaded(ctx, v.rec)
}

// Drop removes a cancelled proposal from the recipient's view. The guardian's
// own view holds only its relationships and is left to the refresh.
func (v relationshipViews) Drop(guardianWallet string) {
	v.s.caches.Get(v.rec.RecipientWallet, guardian.PerspectiveRecipient).Drop(guardianWallet)
}
