package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"go.uber.org/zap"
)

type CommandAction string

const (
	ActionDecide CommandAction = "decide"
	ActionCancel CommandAction = "cancel"
)

// Command — действие оператора или принципала над транзакцией.
type Command struct {
	Action      CommandAction          `json:"action"`
	Verdict     domain.ApprovalVerdict `json:"verdict,omitempty"`
	ReviewerID  string                 `json:"reviewer_id,omitempty"`
	PrincipalID string                 `json:"principal_id,omitempty"`
	Comment     string                 `json:"comment,omitempty"`
}

// Dispatcher — куда консоль отправляет команды. Реализуют Core (один процесс)
// и Publisher (консоль и шлюз раздельно).
type Dispatcher interface {
	Dispatch(ctx context.Context, txID string, cmd Command) error
}

// Dispatch исполняет команду синхронно.
func (c *Core) Dispatch(ctx context.Context, txID string, cmd Command) error {
	var err error
	switch cmd.Action {
	case ActionDecide:
		_, err = c.Approve(ctx, domain.ApprovalDecision{
			TxID: txID, Verdict: cmd.Verdict, ReviewerID: cmd.ReviewerID, Comment: cmd.Comment, DecidedAt: c.now(),
		})
	case ActionCancel:
		_, err = c.Cancel(ctx, txID, cmd.PrincipalID)
	default:
		err = fmt.Errorf("unknown command action %q", cmd.Action)
	}
	return err
}

// ListenCommands исполняет команды, опубликованные консолью. Блокирует до
// отмены ctx. Потерянная при разрыве команда не применяется: транзакция
// остается в прежнем состоянии, и оператор может повторить решение.
func (c *Core) ListenCommands(ctx context.Context, rdb *redis.Client) {
	infra.ListenSignals(ctx, rdb, c.logger, infra.RedisChanOperatorDecisions,
		func() error { return nil },
		func(txID, payload string) {
			var cmd Command
			if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
				c.logger.Error("malformed operator command", zap.String("tx_id", txID), zap.Error(err))
				return
			}
			err := c.Dispatch(ctx, txID, cmd)
			var pv *domain.PolicyViolation
			switch {
			case err == nil, errors.As(err, &pv):
				c.logger.Info("operator command applied", zap.String("tx_id", txID), zap.String("action", string(cmd.Action)))
			default:
				c.logger.Warn("operator command failed", zap.String("tx_id", txID), zap.String("action", string(cmd.Action)), zap.Error(err))
			}
		},
	)
}

// Publisher отправляет команды шлюзу через Redis.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) Dispatch(ctx context.Context, txID string, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	n, err := p.rdb.Publish(ctx, infra.RedisChanOperatorDecisions, txID+":"+string(body)).Result()
	if err != nil {
		return fmt.Errorf("publish command for %s: %w", txID, err)
	}
	if n == 0 {
		return fmt.Errorf("publish command for %s: no gateway is listening", txID)
	}
	return nil
}
