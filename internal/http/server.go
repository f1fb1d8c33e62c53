package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"famledger/internal/log"
	"famledger/internal/metrics"
	"famledger/internal/middleware/ratelimit"
	"famledger/internal/middleware/security"
	"famledger/internal/middleware/trace"
	"famledger/internal/services"
)

// Services are the application services behind the API.
type Services struct {
	Ledger     *services.LedgerService
	Debts      *services.DebtService
	Budgets    *services.BudgetService
	Categories *services.CategoryResolver
	Reconciler *services.Reconciler
}

// Options tune the server. Zero values are usable.
type Options struct {
	Logger       *log.Logger
	Metrics      *metrics.Metrics
	RateLimitRPM int
	// Ready backs /readyz; nil means always ready.
	Ready func(context.Context) error
}

type Server struct {
	http.Server
	svc      Services
	logger   *log.Logger
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter
	detector *security.Detector
	ready    func(context.Context) error

	shutdownOnce sync.Once
}

// familyHandler serves a request already scoped to one family.
type familyHandler func(w http.ResponseWriter, r *http.Request, familyID string)

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, svc Services, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	s := &Server{
		svc:      svc,
		logger:   logger,
		metrics:  opts.Metrics,
		limiter:  ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: opts.RateLimitRPM}),
		detector: security.NewDetector(),
		ready:    opts.Ready,
	}
	s.metrics.WatchRateLimiter(s.limiter.Rejected, s.limiter.ActiveClients)

	api := http.NewServeMux()
	s.routes(api)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", handleHealth)
	root.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		root.Handle("GET /metrics", s.metrics.Handler())
	}
	root.Handle("/api/", s.limiter.Middleware(s.detector.ExtractClientIP, s.handleRateLimited)(api))

	var h http.Handler = root
	h = s.inspect(h)
	h = log.RequestIDMiddleware(trace.RequestID)(h)
	h = log.Middleware(logger)(h)
	h = trace.NewMiddleware(logger, s.detector.ExtractClientIP, s.metrics).Middleware(h)
	h = security.NewHeadersMiddleware(security.APIHeadersConfig()).Middleware(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.Handle("GET /api/accounts", s.family(s.handleListAccounts))
	mux.Handle("POST /api/accounts", s.family(s.handleCreateAccount))
	mux.Handle("GET /api/accounts/{id}", s.family(s.handleGetAccount))
	mux.Handle("DELETE /api/accounts/{id}", s.family(s.handleDeleteAccount))
	mux.Handle("POST /api/accounts/{id}/reconcile", s.family(s.handleReconcileAccount))

	mux.Handle("GET /api/categories", s.family(s.handleListCategories))
	mux.Handle("POST /api/categories", s.family(s.handleCreateCategory))
	mux.Handle("POST /api/family/setup", s.family(s.handleFamilySetup))

	mux.Handle("GET /api/transactions", s.family(s.handleListTransactions))
	mux.Handle("POST /api/transactions", s.family(s.handleCreateTransaction))
	mux.Handle("GET /api/transactions/{id}", s.family(s.handleGetTransaction))
	mux.Handle("PUT /api/transactions/{id}", s.family(s.handleUpdateTransaction))
	mux.Handle("DELETE /api/transactions/{id}", s.family(s.handleDeleteTransaction))
	mux.Handle("POST /api/transfers", s.family(s.handleTransfer))

	mux.Handle("GET /api/debts", s.family(s.handleListDebts))
	mux.Handle("POST /api/debts", s.family(s.handleCreateDebt))
	mux.Handle("GET /api/debts/{id}", s.family(s.handleGetDebt))
	mux.Handle("PATCH /api/debts/{id}", s.family(s.handleUpdateDebt))
	mux.Handle("DELETE /api/debts/{id}", s.family(s.handleDeleteDebt))
	mux.Handle("POST /api/debts/{id}/payments", s.family(s.handlePayDebt))

	mux.Handle("GET /api/budgets", s.family(s.handleListBudgets))
	mux.Handle("POST /api/budgets", s.family(s.handleCreateBudget))
	mux.Handle("GET /api/budgets/status", s.family(s.handleAllBudgetStatus))
	mux.Handle("GET /api/budgets/{id}", s.family(s.handleGetBudget))
	mux.Handle("PUT /api/budgets/{id}", s.family(s.handleUpdateBudget))
	mux.Handle("DELETE /api/budgets/{id}", s.family(s.handleDeleteBudget))
	mux.Handle("GET /api/budgets/{id}/status", s.family(s.handleBudgetStatus))
}

// family rejects requests without a family context. The header is set by
// the authentication layer in front of this service.
func (s *Server) family(h familyHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := familyID(r)
		if id == "" {
			writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, headerFamilyID+" header is required")
			return
		}
		logger := log.FromContext(r.Context()).With(log.FieldFamilyID, id)
		ctx := context.WithValue(r.Context(), log.LoggerContextKey, logger)
		h(w, r.WithContext(ctx), id)
	})
}

// inspect logs requests that look like probes. They are still served; the
// router answers 404 for paths it does not know.
func (s *Server) inspect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reason := s.detector.Inspect(r); reason != "" {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
				log.FieldPath, r.URL.Path,
				log.FieldMethod, r.Method,
				log.FieldClientIP, s.detector.ExtractClientIP(r),
				"reason", reason)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldPath, r.URL.Path)
	writeErrorCode(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, try again later")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "Readiness check failed", log.FieldError, err)
			writeErrorCode(w, http.StatusServiceUnavailable, CodeUnavailable, "data store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Shutdown stops the rate limiter and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

// Close releases background resources without serving; used by tests that
// drive Handler directly.
func (s *Server) Close() error {
	s.limiter.Stop()
	return s.Server.Close()
}
