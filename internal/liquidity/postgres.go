package liquidity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/shared/postgresql"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

// Schema creates the rebalances table. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS rebalances (
		id                 TEXT PRIMARY KEY,
		rebalance_job_id   TEXT NOT NULL UNIQUE,
		group_id           TEXT NOT NULL,
		wallet             TEXT NOT NULL,
		strategy           TEXT NOT NULL,
		token_in_chain_id  BIGINT NOT NULL,
		token_in_address   TEXT NOT NULL,
		token_out_chain_id BIGINT NOT NULL,
		token_out_address  TEXT NOT NULL,
		amount_in          NUMERIC(78, 0) NOT NULL,
		amount_out         NUMERIC(78, 0) NOT NULL,
		status             TEXT NOT NULL,
		stage              TEXT NOT NULL DEFAULT '',
		tx_hash            TEXT NOT NULL DEFAULT '',
		failure_reason     TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rebalances_group ON rebalances (group_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_rebalances_status ON rebalances (status)`,
}

const recordColumns = `id, rebalance_job_id, group_id, wallet, strategy,
	token_in_chain_id, token_in_address, token_out_chain_id, token_out_address,
	amount_in::TEXT AS amount_in, amount_out::TEXT AS amount_out,
	status, stage, tx_hash, failure_reason, created_at, updated_at`

type recordRow struct {
	ID              string    `db:"id"`
	RebalanceJobID  string    `db:"rebalance_job_id"`
	GroupID         string    `db:"group_id"`
	Wallet          string    `db:"wallet"`
	Strategy        string    `db:"strategy"`
	TokenInChainID  int64     `db:"token_in_chain_id"`
	TokenInAddress  string    `db:"token_in_address"`
	TokenOutChainID int64     `db:"token_out_chain_id"`
	TokenOutAddress string    `db:"token_out_address"`
	AmountIn        string    `db:"amount_in"`
	AmountOut       string    `db:"amount_out"`
	Status          string    `db:"status"`
	Stage           string    `db:"stage"`
	TxHash          string    `db:"tx_hash"`
	FailureReason   string    `db:"failure_reason"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *recordRow) toRecord() (*Record, error) {
	amountIn, ok := new(big.Int).SetString(r.AmountIn, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount_in %q for rebalance %s", r.AmountIn, r.RebalanceJobID)
	}
	amountOut, ok := new(big.Int).SetString(r.AmountOut, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount_out %q for rebalance %s", r.AmountOut, r.RebalanceJobID)
	}
	return &Record{
		ID:             r.ID,
		RebalanceJobID: r.RebalanceJobID,
		GroupID:        r.GroupID,
		Wallet:         r.Wallet,
		Strategy:       Strategy(r.Strategy),
		TokenIn:        Token{ChainID: uint64(r.TokenInChainID), Address: common.HexToAddress(r.TokenInAddress)},
		TokenOut:       Token{ChainID: uint64(r.TokenOutChainID), Address: common.HexToAddress(r.TokenOutAddress)},
		AmountIn:       queue.BigInt{Int: amountIn},
		AmountOut:      queue.BigInt{Int: amountOut},
		Status:         Status(r.Status),
		Stage:          Stage(r.Stage),
		TxHash:         r.TxHash,
		FailureReason:  r.FailureReason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// PostgresRepository stores rebalance records in the rebalances table.
type PostgresRepository struct {
	client *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewPostgresRepository(client *postgresql.Client, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{client: client, db: client.GetDB(), logger: logger, now: time.Now}
}

// Create inserts records in one transaction; the group is stored entirely or not at all.
func (p *PostgresRepository) Create(ctx context.Context, records []*Record) error {
	err := p.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range records {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rebalances (
					id, rebalance_job_id, group_id, wallet, strategy,
					token_in_chain_id, token_in_address, token_out_chain_id, token_out_address,
					amount_in, amount_out, status, stage, tx_hash, failure_reason, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15, $16, $17)`,
				r.ID, r.RebalanceJobID, r.GroupID, r.Wallet, string(r.Strategy),
				int64(r.TokenIn.ChainID), r.TokenIn.Address.Hex(), int64(r.TokenOut.ChainID), r.TokenOut.Address.Hex(),
				r.AmountIn.Big().String(), r.AmountOut.Big().String(),
				string(r.Status), string(r.Stage), r.TxHash, r.FailureReason, r.CreatedAt, r.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert rebalance %s: %w", r.RebalanceJobID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.logger.DebugContext(ctx, "Rebalance records created", slog.Int("count", len(records)))
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, rebalanceJobID string) (*Record, error) {
	var row recordRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+recordColumns+` FROM rebalances WHERE rebalance_job_id = $1`, rebalanceJobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rebalance %s: %w", rebalanceJobID, err)
	}
	return row.toRecord()
}

func (p *PostgresRepository) ListGroup(ctx context.Context, groupID string) ([]*Record, error) {
	var rows []recordRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+recordColumns+` FROM rebalances WHERE group_id = $1 ORDER BY created_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rebalance group %s: %w", groupID, err)
	}

	out := make([]*Record, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *PostgresRepository) UpdateStatus(ctx context.Context, rebalanceJobID string, status Status, reason string) error {
	return p.update(ctx, rebalanceJobID, `
		UPDATE rebalances
		SET status = $1, failure_reason = CASE WHEN $2 = '' THEN failure_reason ELSE $2 END, updated_at = $3
		WHERE rebalance_job_id = $4 AND status = 'PENDING'`,
		string(status), reason, p.now(), rebalanceJobID)
}

func (p *PostgresRepository) UpdateStage(ctx context.Context, rebalanceJobID string, stage Stage, txHash string) error {
	return p.update(ctx, rebalanceJobID, `
		UPDATE rebalances
		SET stage = $1, tx_hash = CASE WHEN $2 = '' THEN tx_hash ELSE $2 END, updated_at = $3
		WHERE rebalance_job_id = $4 AND status = 'PENDING'`,
		string(stage), txHash, p.now(), rebalanceJobID)
}

// update runs a guarded UPDATE. Zero affected rows means the record is
// either terminal, which is not an error, or missing.
func (p *PostgresRepository) update(ctx context.Context, rebalanceJobID, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update rebalance %s: %w", rebalanceJobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := p.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM rebalances WHERE rebalance_job_id = $1)`, rebalanceJobID); err != nil {
		return fmt.Errorf("failed to check rebalance %s: %w", rebalanceJobID, err)
	}
	if !exists {
		return ErrRecordNotFound
	}
	return nil
}
