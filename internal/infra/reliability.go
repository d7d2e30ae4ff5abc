package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ThrottleError — внешний узел попросил подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

type ReliabilityConfig struct {
	Name        string
	RatePerSec  float64
	Burst       int
	Attempts    uint
	CallTimeout time.Duration // Таймаут одной попытки
	BaseDelay   time.Duration // База экспоненциальной паузы между попытками
	// Сколько ошибок подряд открывают предохранитель
	MaxFailures uint32
	OpenTimeout time.Duration
	// Permanent — ошибка окончательная: не повторяем и не считаем отказом узла.
	Permanent     func(err error) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

// Reliability — лимитер, предохранитель и повторы вокруг одного внешнего узла.
type Reliability struct {
	cfg     ReliabilityConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliability(cfg ReliabilityConfig) *Reliability {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     cfg.OpenTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (cfg.Permanent != nil && cfg.Permanent(err))
		},
		OnStateChange: cfg.OnStateChange,
	}

	return &Reliability{
		cfg:     cfg,
		cb:      gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

func (r *Reliability) Name() string { return r.cfg.Name }

// State — состояние предохранителя (для метрик).
func (r *Reliability) State() gobreaker.State { return r.cb.State() }

// Do выполняет fn с лимитом частоты, через предохранитель и с повторами.
// Возвращает ошибку последней попытки; открытый предохранитель отдает
// gobreaker.ErrOpenState.
func (r *Reliability) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	_, err := r.cb.Execute(func() (interface{}, error) {
		var lastErr error
		opts := []retry.Option{
			retry.Context(ctx),
			retry.Attempts(r.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Узел сам назвал паузу
				var tErr *ThrottleError
				if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		}
		if r.cfg.BaseDelay > 0 {
			opts = append(opts, retry.Delay(r.cfg.BaseDelay))
		}
		rt := retry.New(opts...)

		doErr := rt.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()

			lastErr = fn(tCtx)
			if lastErr != nil && r.cfg.Permanent != nil && r.cfg.Permanent(lastErr) {
				return retry.Unrecoverable(lastErr)
			}
			return lastErr
		})
		if doErr != nil && lastErr == nil {
			// Попытка не состоялась: отменен контекст
			lastErr = doErr
		}
		return nil, lastErr
	})
	return err
}
