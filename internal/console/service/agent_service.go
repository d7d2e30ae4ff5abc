package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	console "github.com/xela07ax/spaceai-paygate/internal/console/domain"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/engine"
	"github.com/xela07ax/spaceai-paygate/internal/identity"
	"go.uber.org/zap"
)

// AgentRepository — реестр агентов (источник правды для флагов).
type AgentRepository interface {
	CreateAgent(ctx context.Context, a *domain.AgentIdentity) error
	GetAgent(ctx context.Context, id string) (*domain.AgentIdentity, error)
	UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error
	SetAgentSandbox(ctx context.Context, id string, enabled bool) error
	ListAgents(ctx context.Context) ([]domain.AgentIdentity, error)
}

// FlagSetter рассылает флаг агента инстансам шлюза.
type FlagSetter interface {
	Set(ctx context.Context, f engine.Flag, agentID string, on bool) error
}

type AgentService struct {
	repo    AgentRepository
	wallets WalletReader
	flags   FlagSetter
	logger  *zap.Logger
}

func NewAgentService(repo AgentRepository, wallets WalletReader, flags FlagSetter, logger *zap.Logger) *AgentService {
	return &AgentService{
		repo:    repo,
		wallets: wallets,
		flags:   flags,
		logger:  logger.Named("agent-service"),
	}
}

// Register привязывает ключевую пару агента к кошельку принципала.
func (s *AgentService) Register(ctx context.Context, principalID string, req console.RegisterAgentRequest) (*domain.AgentIdentity, error) {
	if _, err := ownedWallet(ctx, s.wallets, principalID, req.WalletID); err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(req.PublicKey, "0x"))
	if err != nil {
		return nil, &domain.PolicyValidationError{Problems: []string{"public_key must be hex"}}
	}
	if err := identity.ValidatePublicKey(req.Scheme, pub); err != nil {
		return nil, &domain.PolicyValidationError{Problems: []string{err.Error()}}
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &domain.AgentIdentity{
		ID:          uuid.NewString(),
		Name:        req.Name,
		PrincipalID: principalID,
		WalletID:    req.WalletID,
		Scheme:      req.Scheme,
		PublicKey:   pub,
		Status:      domain.StatusActive,
		Sandbox:     req.Sandbox,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	if a.Sandbox {
		if err := s.flags.Set(ctx, engine.FlagSandbox, a.ID, true); err != nil {
			s.logger.Warn("sandbox signal failed", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}
	s.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("wallet_id", a.WalletID),
		zap.String("scheme", string(a.Scheme)))
	return a, nil
}

// updateAgentState — единый механизм переключения состояния: сначала реестр,
// затем сигнал инстансам шлюза.
func (s *AgentService) updateAgentState(ctx context.Context, agentID string, status domain.AgentStatus, action string, flags map[engine.Flag]bool) error {
	if err := s.repo.UpdateAgentStatus(ctx, agentID, status); err != nil {
		s.logger.Error("failed to update agent status in DB",
			zap.String("agent_id", agentID),
			zap.String("action", action),
			zap.Error(err))
		return fmt.Errorf("%s: %w", action, err)
	}

	for f, on := range flags {
		if err := s.flags.Set(ctx, f, agentID, on); err != nil {
			// Реестр уже обновлен; инстансы догонят при переподключении
			s.logger.Warn("runtime signal delivery failed",
				zap.String("action", action),
				zap.String("flag", string(f)),
				zap.Error(err))
		}
	}
	s.logger.Info("agent state updated",
		zap.String("agent_id", agentID),
		zap.String("action", action),
		zap.String("new_status", string(status)))
	return nil
}

func (s *AgentService) BlockAgent(ctx context.Context, id string) error {
	return s.updateAgentState(ctx, id, domain.StatusBlocked, "kill-switch-block", map[engine.Flag]bool{engine.FlagBlocked: true})
}

// UnblockAgent снимает и блокировку, и карантин.
func (s *AgentService) UnblockAgent(ctx context.Context, id string) error {
	return s.updateAgentState(ctx, id, domain.StatusActive, "kill-switch-unblock",
		map[engine.Flag]bool{engine.FlagBlocked: false, engine.FlagQuarantine: false})
}

func (s *AgentService) QuarantineAgent(ctx context.Context, id string) error {
	return s.updateAgentState(ctx, id, domain.StatusQuarantine, "quarantine-activation",
		map[engine.Flag]bool{engine.FlagQuarantine: true, engine.FlagBlocked: false})
}

func (s *AgentService) SetSandboxMode(ctx context.Context, agentID string, enabled bool) error {
	if err := s.repo.SetAgentSandbox(ctx, agentID, enabled); err != nil {
		s.logger.Error("failed to update sandbox in DB", zap.String("agent_id", agentID), zap.Error(err))
		return err
	}
	if err := s.flags.Set(ctx, engine.FlagSandbox, agentID, enabled); err != nil {
		s.logger.Warn("sandbox signal failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	s.logger.Info("sandbox mode toggled", zap.String("agent_id", agentID), zap.Bool("enabled", enabled))
	return nil
}

func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*domain.AgentIdentity, error) {
	return s.repo.GetAgent(ctx, agentID)
}

// ListAgents возвращает пустой массив, а не null, если агентов еще нет.
func (s *AgentService) ListAgents(ctx context.Context) ([]domain.AgentIdentity, error) {
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if agents == nil {
		agents = []domain.AgentIdentity{}
	}
	return agents, nil
}
