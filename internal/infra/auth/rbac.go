package auth

import (
	_ "embed"
	"fmt"
	"net/http"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"go.uber.org/zap"
)

//go:embed rbac_model.conf
var defaultModel string

//go:embed rbac_policy.csv
var defaultPolicy string

// Действия над ресурсами консоли.
const (
	ActRead  = "read"
	ActWrite = "write"
)

// Ресурсы консоли (объекты casbin).
const (
	ObjDashboard    = "dashboard"
	ObjLedger       = "ledger"
	ObjPolicies     = "policies"
	ObjWallets      = "wallets"
	ObjAgents       = "agents"
	ObjApprovals    = "approvals"
	ObjTransactions = "transactions"
)

// RBAC — ролевая модель консоли на casbin. Роли наследуются:
// admin > operator > auditor.
type RBAC struct {
	enforcer *casbin.Enforcer
	logger   *zap.Logger
}

// NewRBAC загружает модель и политику из файлов; пустой путь — встроенные.
func NewRBAC(modelPath, policyPath string, logger *zap.Logger) (*RBAC, error) {
	var (
		m   model.Model
		err error
	)
	if modelPath != "" {
		m, err = model.NewModelFromFile(modelPath)
	} else {
		m, err = model.NewModelFromString(defaultModel)
	}
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}

	var e *casbin.Enforcer
	if policyPath != "" {
		e, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		e, err = casbin.NewEnforcer(m, stringadapter.NewAdapter(defaultPolicy))
	}
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}
	return &RBAC{enforcer: e, logger: logger.Named("rbac")}, nil
}

// SubjectFromRole приводит роль из токена к субъекту casbin.
func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

func (a *RBAC) Authorize(role, object, action string) (bool, error) {
	return a.enforcer.Enforce(SubjectFromRole(role), object, action)
}

// Require пропускает запрос, только если роль из токена имеет право action на object.
// Ставится после NewMiddleware.
func (a *RBAC) Require(object, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			allowed, err := a.Authorize(claims.Role, object, action)
			if err != nil {
				a.logger.Error("rbac enforce failed", zap.Error(err))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if !allowed {
				a.logger.Info("access denied",
					zap.String("user_id", claims.UserID),
					zap.String("role", claims.Role),
					zap.String("object", object),
					zap.String("action", action))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
