package deals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore persists deals in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open *sql.DB (lib/pq driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

type dealRow struct {
	ID                          string         `db:"id"`
	Status                      string         `db:"status"`
	SmartContractAddress        sql.NullString `db:"smart_contract_address"`
	ContractNetwork             string         `db:"contract_network"`
	IsCrossChain                bool           `db:"is_cross_chain"`
	Amount                      string         `db:"amount"`
	TokenAddress                sql.NullString `db:"token_address"`
	TokenDecimals               int32          `db:"token_decimals"`
	BuyerWalletAddress          sql.NullString `db:"buyer_wallet_address"`
	SellerWalletAddress         sql.NullString `db:"seller_wallet_address"`
	BuyerSourceChain            sql.NullString `db:"buyer_source_chain"`
	SellerTargetChain           sql.NullString `db:"seller_target_chain"`
	FinalApprovalDeadline       sql.NullTime   `db:"final_approval_deadline"`
	DisputeResolutionDeadline   sql.NullTime   `db:"dispute_resolution_deadline"`
	CrossChainTransactionID     sql.NullString `db:"cross_chain_transaction_id"`
	LastAutomaticProcessAttempt sql.NullTime   `db:"last_automatic_process_attempt"`
	ProcessingError             sql.NullString `db:"processing_error"`
	AutoReleaseTxHash           sql.NullString `db:"auto_release_tx_hash"`
	AutoCancelTxHash            sql.NullString `db:"auto_cancel_tx_hash"`
	CreatedAt                   time.Time      `db:"created_at"`
	UpdatedAt                   time.Time      `db:"updated_at"`
}

const dealColumns = `id, status, smart_contract_address, contract_network, is_cross_chain,
		amount::TEXT AS amount, token_address, token_decimals,
		buyer_wallet_address, seller_wallet_address, buyer_source_chain, seller_target_chain,
		final_approval_deadline, dispute_resolution_deadline,
		cross_chain_transaction_id, last_automatic_process_attempt, processing_error,
		auto_release_tx_hash, auto_cancel_tx_hash, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO deals (
			id, status, smart_contract_address, contract_network, is_cross_chain,
			amount, token_address, token_decimals,
			buyer_wallet_address, seller_wallet_address, buyer_source_chain, seller_target_chain,
			final_approval_deadline, dispute_resolution_deadline,
			cross_chain_transaction_id, last_automatic_process_attempt, processing_error,
			auto_release_tx_hash, auto_cancel_tx_hash, created_at, updated_at
		) VALUES (
			:id, :status, :smart_contract_address, :contract_network, :is_cross_chain,
			CAST(:amount AS NUMERIC(78,0)), :token_address, :token_decimals,
			:buyer_wallet_address, :seller_wallet_address, :buyer_source_chain, :seller_target_chain,
			:final_approval_deadline, :dispute_resolution_deadline,
			:cross_chain_transaction_id, :last_automatic_process_attempt, :processing_error,
			:auto_release_tx_hash, :auto_cancel_tx_hash, :created_at, :updated_at
		)`, toDealRow(d))
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	var row dealRow
	err := p.db.GetContext(ctx, &row, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromDealRow(row), nil
}

// deadlineColumn maps an action to the deadline column it is gated on.
var deadlineColumn = map[Action]string{
	ActionRelease: "final_approval_deadline",
	ActionCancel:  "dispute_resolution_deadline",
}

func (p *PostgresStore) ListDue(ctx context.Context, q DueQuery) ([]*Deal, error) {
	action, ok := ActionFor(q.Status)
	if !ok {
		return nil, nil
	}
	col := deadlineColumn[action]
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	// col comes from deadlineColumn, never from input.
	query := `SELECT ` + dealColumns + `
		FROM deals
		WHERE status = $1
		  AND is_cross_chain = $2
		  AND smart_contract_address IS NOT NULL
		  AND smart_contract_address <> ''
		  AND ` + col + ` IS NOT NULL
		  AND ` + col + ` < $3`
	args := []interface{}{string(q.Status), q.CrossChain, q.Before}
	if q.After != nil {
		query += ` AND (` + col + `, id) > ($4, $5)`
		args = append(args, q.After.Deadline, q.After.ID)
	}
	query += fmt.Sprintf(` ORDER BY %s ASC, id ASC LIMIT $%d`, col, len(args)+1) // #nosec G201 -- column from fixed map
	args = append(args, limit)

	var rows []dealRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*Deal, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromDealRow(r))
	}
	return out, nil
}

func (p *PostgresStore) UpdateOutcome(ctx context.Context, d *Deal) error {
	result, err := p.db.NamedExecContext(ctx, `
		UPDATE deals SET
			status = :status, cross_chain_transaction_id = :cross_chain_transaction_id,
			last_automatic_process_attempt = :last_automatic_process_attempt,
			processing_error = :processing_error,
			auto_release_tx_hash = :auto_release_tx_hash, auto_cancel_tx_hash = :auto_cancel_tx_hash,
			updated_at = :updated_at
		WHERE id = :id`, toDealRow(d))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDealNotFound
	}
	return nil
}

func toDealRow(d *Deal) dealRow {
	amount := d.Amount
	if amount == "" {
		amount = "0"
	}
	return dealRow{
		ID:                          d.ID,
		Status:                      string(d.Status),
		SmartContractAddress:        nullString(d.SmartContractAddress),
		ContractNetwork:             d.ContractNetwork,
		IsCrossChain:                d.IsCrossChain,
		Amount:                      amount,
		TokenAddress:                nullString(d.TokenAddress),
		TokenDecimals:               d.TokenDecimals,
		BuyerWalletAddress:          nullString(d.BuyerWalletAddress),
		SellerWalletAddress:         nullString(d.SellerWalletAddress),
		BuyerSourceChain:            nullString(d.BuyerSourceChain),
		SellerTargetChain:           nullString(d.SellerTargetChain),
		FinalApprovalDeadline:       nullTime(d.FinalApprovalDeadline),
		DisputeResolutionDeadline:   nullTime(d.DisputeResolutionDeadline),
		CrossChainTransactionID:     nullString(d.CrossChainTransactionID),
		LastAutomaticProcessAttempt: nullTime(d.LastAutomaticProcessAttempt),
		ProcessingError:             nullString(d.ProcessingError),
		AutoReleaseTxHash:           nullString(d.AutoReleaseTxHash),
		AutoCancelTxHash:            nullString(d.AutoCancelTxHash),
		CreatedAt:                   d.CreatedAt,
		UpdatedAt:                   d.UpdatedAt,
	}
}

func fromDealRow(r dealRow) *Deal {
	return &Deal{
		ID:                          r.ID,
		Status:                      Status(r.Status),
		SmartContractAddress:        r.SmartContractAddress.String,
		ContractNetwork:             r.ContractNetwork,
		IsCrossChain:                r.IsCrossChain,
		Amount:                      r.Amount,
		TokenAddress:                r.TokenAddress.String,
		TokenDecimals:               r.TokenDecimals,
		BuyerWalletAddress:          r.BuyerWalletAddress.String,
		SellerWalletAddress:         r.SellerWalletAddress.String,
		BuyerSourceChain:            r.BuyerSourceChain.String,
		SellerTargetChain:           r.SellerTargetChain.String,
		FinalApprovalDeadline:       timePtr(r.FinalApprovalDeadline),
		DisputeResolutionDeadline:   timePtr(r.DisputeResolutionDeadline),
		CrossChainTransactionID:     r.CrossChainTransactionID.String,
		LastAutomaticProcessAttempt: timePtr(r.LastAutomaticProcessAttempt),
		ProcessingError:             r.ProcessingError.String,
		AutoReleaseTxHash:           r.AutoReleaseTxHash.String,
		AutoCancelTxHash:            r.AutoCancelTxHash.String,
		CreatedAt:                   r.CreatedAt,
		UpdatedAt:                   r.UpdatedAt,
	}
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
