package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

type ConsumerConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
	Workers  int    `mapstructure:"workers"`
}

// Consumer читает уведомления о финальности из RabbitMQ (ручной ack).
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	workers int
	sink    Sink
	logger  *zap.Logger
}

func NewConsumer(cfg ConsumerConfig, sink Sink, logger *zap.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "paygate.settlement.finality"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, workers: workers, sink: sink, logger: logger.Named("finality-consumer")}, nil
}

func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if handleDelivery(ctx, c.sink, c.logger, msg.Body) {
						_ = msg.Ack(false)
					} else {
						_ = msg.Nack(false, true)
					}
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// handleDelivery возвращает true, если сообщение нужно подтвердить. Битые
// сообщения, уведомления о неизвестных транзакциях и чужие квитанции
// подтверждаются: повтор их не исправит.
func handleDelivery(ctx context.Context, sink Sink, logger *zap.Logger, body []byte) bool {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil || n.TxID == "" {
		logger.Warn("dropping malformed finality message", zap.ByteString("body", body))
		return true
	}
	err := sink.HandleFinality(ctx, n)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTerminalState), errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrReceiptMismatch):
		logger.Warn("finality message ignored", zap.String("tx_id", n.TxID), zap.Error(err))
		return true
	}
	logger.Error("finality message failed, requeue", zap.String("tx_id", n.TxID), zap.Error(err))
	return false
}
