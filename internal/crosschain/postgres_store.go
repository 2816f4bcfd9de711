package crosschain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mbd888/escrowd/internal/bridge"
)

// PostgresStore persists cross-chain transactions in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open *sql.DB (lib/pq driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

type txRow struct {
	ID                         string         `db:"id"`
	DealID                     string         `db:"deal_id"`
	Purpose                    string         `db:"purpose"`
	Status                     string         `db:"status"`
	SourceChain                string         `db:"source_chain"`
	TargetChain                string         `db:"target_chain"`
	FromAddress                string         `db:"from_address"`
	ToAddress                  string         `db:"to_address"`
	Amount                     string         `db:"amount"`
	TokenAddress               string         `db:"token_address"`
	BridgeProvider             sql.NullString `db:"bridge_provider"`
	BridgeTransactionID        sql.NullString `db:"bridge_transaction_id"`
	Route                      sql.NullString `db:"route"`
	AuthorizedAt               sql.NullTime   `db:"authorized_at"`
	AuthorizationTxHash        sql.NullString `db:"authorization_tx_hash"`
	ErrorMessage               sql.NullString `db:"error_message"`
	ManualInterventionRequired bool           `db:"manual_intervention_required"`
	IsMock                     bool           `db:"is_mock"`
	CreatedAt                  time.Time      `db:"created_at"`
	LastUpdated                time.Time      `db:"last_updated"`
}

type stepRow struct {
	TransactionID string         `db:"transaction_id"`
	StepNumber    int            `db:"step_number"`
	Action        string         `db:"action"`
	Status        string         `db:"status"`
	Description   string         `db:"description"`
	TxHash        sql.NullString `db:"tx_hash"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
}

const txColumns = `id, deal_id, purpose, status, source_chain, target_chain,
		from_address, to_address, amount, token_address,
		bridge_provider, bridge_transaction_id, route, authorized_at, authorization_tx_hash,
		error_message, manual_intervention_required, is_mock, created_at, last_updated`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	row, err := toRow(tx)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(dbtx *sqlx.Tx) error {
		_, err := dbtx.NamedExecContext(ctx, `
			INSERT INTO crosschain_transactions (`+txColumns+`) VALUES (
				:id, :deal_id, :purpose, :status, :source_chain, :target_chain,
				:from_address, :to_address, :amount, :token_address,
				:bridge_provider, :bridge_transaction_id, :route, :authorized_at, :authorization_tx_hash,
				:error_message, :manual_intervention_required, :is_mock, :created_at, :last_updated
			)`, row)
		if err != nil {
			return err
		}
		for _, s := range tx.Steps {
			if _, err := dbtx.NamedExecContext(ctx, `
				INSERT INTO crosschain_steps (
					transaction_id, step_number, action, status, description, tx_hash, completed_at
				) VALUES (
					:transaction_id, :step_number, :action, :status, :description, :tx_hash, :completed_at
				)`, toStepRow(tx.ID, s)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	var row txRow
	err := p.db.GetContext(ctx, &row, `SELECT `+txColumns+` FROM crosschain_transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	txs, err := p.attachSteps(ctx, []txRow{row})
	if err != nil {
		return nil, err
	}
	return txs[0], nil
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	row, err := toRow(tx)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(dbtx *sqlx.Tx) error {
		result, err := dbtx.NamedExecContext(ctx, `
			UPDATE crosschain_transactions SET
				status = :status, bridge_provider = :bridge_provider,
				bridge_transaction_id = :bridge_transaction_id, route = :route,
				authorized_at = :authorized_at, authorization_tx_hash = :authorization_tx_hash,
				error_message = :error_message, manual_intervention_required = :manual_intervention_required,
				is_mock = :is_mock, last_updated = :last_updated
			WHERE id = :id`, row)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrTransactionNotFound
		}
		for _, s := range tx.Steps {
			if _, err := dbtx.NamedExecContext(ctx, `
				UPDATE crosschain_steps SET
					status = :status, tx_hash = :tx_hash, completed_at = :completed_at
				WHERE transaction_id = :transaction_id AND step_number = :step_number`,
				toStepRow(tx.ID, s)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) ListByDeal(ctx context.Context, dealID string) ([]*Transaction, error) {
	var rows []txRow
	if err := p.db.SelectContext(ctx, &rows, `
		SELECT `+txColumns+` FROM crosschain_transactions
		WHERE deal_id = $1
		ORDER BY created_at, id`, dealID); err != nil {
		return nil, err
	}
	return p.attachSteps(ctx, rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	var rows []txRow
	if err := p.db.SelectContext(ctx, &rows, `
		SELECT `+txColumns+` FROM crosschain_transactions
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limit); err != nil {
		return nil, err
	}
	return p.attachSteps(ctx, rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	var rows []txRow
	if err := p.db.SelectContext(ctx, &rows, `
		SELECT `+txColumns+` FROM crosschain_transactions
		WHERE status IN ('prepared', 'in_progress')
		  AND last_updated < $1
		ORDER BY last_updated, id
		LIMIT $2`, cutoff, limit); err != nil {
		return nil, err
	}
	return p.attachSteps(ctx, rows)
}

func (p *PostgresStore) attachSteps(ctx context.Context, rows []txRow) ([]*Transaction, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	query, args, err := sqlx.In(`
		SELECT transaction_id, step_number, action, status, description, tx_hash, completed_at
		FROM crosschain_steps
		WHERE transaction_id IN (?)
		ORDER BY transaction_id, step_number`, ids)
	if err != nil {
		return nil, err
	}
	var steps []stepRow
	if err := p.db.SelectContext(ctx, &steps, p.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	byTx := make(map[string][]Step, len(rows))
	for _, s := range steps {
		byTx[s.TransactionID] = append(byTx[s.TransactionID], fromStepRow(s))
	}

	out := make([]*Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		tx.Steps = byTx[r.ID]
		out = append(out, tx)
	}
	return out, nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	dbtx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(dbtx); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	return dbtx.Commit()
}

func toRow(tx *Transaction) (txRow, error) {
	var route sql.NullString
	if tx.Route != nil {
		raw, err := json.Marshal(tx.Route)
		if err != nil {
			return txRow{}, fmt.Errorf("failed to encode route: %w", err)
		}
		route = sql.NullString{String: string(raw), Valid: true}
	}
	return txRow{
		ID:                         tx.ID,
		DealID:                     tx.DealID,
		Purpose:                    string(tx.Purpose),
		Status:                     string(tx.Status),
		SourceChain:                tx.SourceChain,
		TargetChain:                tx.TargetChain,
		FromAddress:                tx.FromAddress,
		ToAddress:                  tx.ToAddress,
		Amount:                     tx.Amount,
		TokenAddress:               tx.TokenAddress,
		BridgeProvider:             nullString(tx.BridgeProvider),
		BridgeTransactionID:        nullString(tx.BridgeTransactionID),
		Route:                      route,
		AuthorizedAt:               nullTime(tx.AuthorizedAt),
		AuthorizationTxHash:        nullString(tx.AuthorizationTxHash),
		ErrorMessage:               nullString(tx.ErrorMessage),
		ManualInterventionRequired: tx.ManualInterventionRequired,
		IsMock:                     tx.IsMock,
		CreatedAt:                  tx.CreatedAt,
		LastUpdated:                tx.LastUpdated,
	}, nil
}

func fromRow(r txRow) (*Transaction, error) {
	tx := &Transaction{
		ID:                         r.ID,
		DealID:                     r.DealID,
		Purpose:                    Purpose(r.Purpose),
		Status:                     Status(r.Status),
		SourceChain:                r.SourceChain,
		TargetChain:                r.TargetChain,
		FromAddress:                r.FromAddress,
		ToAddress:                  r.ToAddress,
		Amount:                     r.Amount,
		TokenAddress:               r.TokenAddress,
		BridgeProvider:             r.BridgeProvider.String,
		BridgeTransactionID:        r.BridgeTransactionID.String,
		AuthorizationTxHash:        r.AuthorizationTxHash.String,
		ErrorMessage:               r.ErrorMessage.String,
		ManualInterventionRequired: r.ManualInterventionRequired,
		IsMock:                     r.IsMock,
		CreatedAt:                  r.CreatedAt,
		LastUpdated:                r.LastUpdated,
	}
	if r.AuthorizedAt.Valid {
		t := r.AuthorizedAt.Time
		tx.AuthorizedAt = &t
	}
	if r.Route.Valid && r.Route.String != "" {
		var route bridge.Route
		if err := json.Unmarshal([]byte(r.Route.String), &route); err != nil {
			return nil, fmt.Errorf("failed to decode route for %s: %w", r.ID, err)
		}
		tx.Route = &route
	}
	return tx, nil
}

func toStepRow(txID string, s Step) stepRow {
	return stepRow{
		TransactionID: txID,
		StepNumber:    s.StepNumber,
		Action:        string(s.Action),
		Status:        string(s.Status),
		Description:   s.Description,
		TxHash:        nullString(s.TxHash),
		CompletedAt:   nullTime(s.CompletedAt),
	}
}

func fromStepRow(r stepRow) Step {
	s := Step{
		StepNumber:  r.StepNumber,
		Action:      Action(r.Action),
		Status:      StepStatus(r.Status),
		Description: r.Description,
		TxHash:      r.TxHash.String,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		s.CompletedAt = &t
	}
	return s
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
