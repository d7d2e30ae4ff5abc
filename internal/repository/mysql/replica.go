// Package mysql — реплика журнала для аналитики и внешнего аудита.
// Записи приходят пачками из ledger.Mirror; основное хранилище остается в Postgres.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
)

type Replica struct {
	db *sql.DB
}

// Open подключается к реплике и создает таблицу, если ее еще нет.
func Open(ctx context.Context, cfg infra.ReplicaConfig) (*Replica, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("mysql: replica DSN is empty")
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse DSN: %w", err)
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 10))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	r := &Replica{db: db}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (r *Replica) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS ledger_records (
        id VARCHAR(64) NOT NULL,
        wallet_id VARCHAR(64) NOT NULL,
        seq BIGINT UNSIGNED NOT NULL,
        tx_id VARCHAR(64) NOT NULL DEFAULT '',
        agent_id VARCHAR(64) NOT NULL DEFAULT '',
        stage VARCHAR(32) NOT NULL,
        decision VARCHAR(32) NOT NULL,
        reason_code VARCHAR(64) NOT NULL DEFAULT '',
        amount BIGINT NOT NULL DEFAULT 0,
        currency VARCHAR(8) NOT NULL DEFAULT '',
        record JSON NOT NULL,
        at DATETIME(6) NOT NULL,
        hash CHAR(64) NOT NULL,
        PRIMARY KEY (wallet_id, seq),
        INDEX idx_ledger_tx (tx_id),
        INDEX idx_ledger_at (at)
)`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("mysql: init ledger_records: %w", err)
	}
	return nil
}

// WriteBatch пишет пачку одним INSERT. IGNORE делает повторную доставку
// после сбоя безопасной: (wallet_id, seq) уже записанных строк не меняется.
func (r *Replica) WriteBatch(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	const numFields = 13
	var sb strings.Builder
	vals := make([]any, 0, len(records)*numFields)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("mysql: encode record %s: %w", rec.ID, err)
		}
		var code string
		if rec.Reason != nil {
			code = rec.Reason.Code
		}
		vals = append(vals,
			rec.ID, rec.WalletID, rec.Seq, rec.TxID, rec.AgentID, rec.Stage, rec.Decision,
			code, rec.Amount, rec.Currency, string(body), rec.At.UTC(), rec.Hash,
		)
	}

	query := "INSERT IGNORE INTO ledger_records (id, wallet_id, seq, tx_id, agent_id, stage, decision, reason_code, amount, currency, record, at, hash) VALUES " + sb.String()
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("mysql: write batch of %d: %w", len(records), err)
	}
	return nil
}

func (r *Replica) Close() error {
	return r.db.Close()
}
