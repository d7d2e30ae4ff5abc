package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-paygate/internal/console/handler"
	"github.com/xela07ax/spaceai-paygate/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers — обработчики бизнес-доменов консоли.
type Handlers struct {
	Auth      *handler.AuthHandler
	Agents    *handler.AgentHandler
	Policies  *handler.PolicyHandler
	Wallets   *handler.WalletHandler
	Approvals *handler.ApprovalHandler
	Ledger    *handler.LedgerHandler
	Dashboard *handler.DashboardHandler
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256); реализуется AuthService через BaseValidator
	authValidator auth.TokenValidator
	rbac          *auth.RBAC
	h             Handlers
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями.
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, rbac *auth.RBAC, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		rbac:          rbac,
		h:             h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router
	read := func(obj string) func(http.Handler) http.Handler { return s.rbac.Require(obj, auth.ActRead) }
	write := func(obj string) func(http.Handler) http.Handler { return s.rbac.Require(obj, auth.ActWrite) }

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256 токен + роль) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.With(read(auth.ObjDashboard)).Get("/api/v1/dashboard/stats", s.h.Dashboard.GetStats)

		r.Route("/v1/agents", func(r chi.Router) {
			r.With(read(auth.ObjAgents)).Get("/", s.h.Agents.List)
			r.With(write(auth.ObjAgents)).Post("/", s.h.Agents.Register)
			r.Route("/{id}", func(r chi.Router) {
				r.With(read(auth.ObjAgents)).Get("/", s.h.Agents.Get)
				r.Group(func(r chi.Router) {
					r.Use(write(auth.ObjAgents))
					r.Post("/block", s.h.Agents.Block) // Мгновенная блокировка (kill-switch)
					r.Post("/unblock", s.h.Agents.Unblock)
					r.Post("/quarantine", s.h.Agents.Quarantine)
					r.Post("/sandbox", s.h.Agents.SetSandbox)
				})
			})
		})

		r.Route("/v1/wallets", func(r chi.Router) {
			r.With(read(auth.ObjWallets)).Get("/", s.h.Wallets.List)
			r.With(write(auth.ObjWallets)).Post("/", s.h.Wallets.Create)
			r.With(read(auth.ObjWallets)).Get("/rotation-due", s.h.Wallets.RotationDue)
			r.Route("/{walletID}", func(r chi.Router) {
				r.With(read(auth.ObjWallets)).Get("/", s.h.Wallets.Get)
				r.With(write(auth.ObjWallets)).Post("/rotate", s.h.Wallets.Rotate)
				r.With(write(auth.ObjWallets)).Post("/retire", s.h.Wallets.Retire)
				r.With(read(auth.ObjPolicies)).Get("/policies", s.h.Policies.List)
			})
		})

		r.With(write(auth.ObjPolicies)).Post("/v1/policies", s.h.Policies.Compile)

		// Human-in-the-loop
		r.Route("/v1/approvals", func(r chi.Router) {
			r.With(read(auth.ObjApprovals)).Get("/", s.h.Approvals.List)
			r.Route("/{id}", func(r chi.Router) {
				r.With(read(auth.ObjApprovals)).Get("/", s.h.Approvals.GetDetails)
				r.With(write(auth.ObjApprovals)).Post("/decide", s.h.Approvals.Decide)
			})
		})
		r.With(write(auth.ObjTransactions)).Post("/v1/transactions/{id}/cancel", s.h.Approvals.Cancel)

		r.Route("/v1/ledger/{walletID}", func(r chi.Router) {
			r.Use(read(auth.ObjLedger))
			r.Get("/", s.h.Ledger.Records)
			r.Get("/verify", s.h.Ledger.Verify)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler.
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
