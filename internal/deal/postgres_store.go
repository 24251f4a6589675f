package deal

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists deal records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the deals table if it does not exist. Production
// deployments apply migrations/ with cmd/migrate instead.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS deals (
			deal_id         VARCHAR(128) PRIMARY KEY,
			seller_address  VARCHAR(42),
			seller_user_id  VARCHAR(128),
			buyer_address   VARCHAR(42),
			buyer_user_id   VARCHAR(128),
			amount          NUMERIC(30,6) NOT NULL,
			token           VARCHAR(16) NOT NULL,
			deadline        BIGINT NOT NULL DEFAULT 0,
			status          VARCHAR(16) NOT NULL DEFAULT 'draft',
			escrow_address  VARCHAR(42),
			channel_id      VARCHAR(128),
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);
	`)
	return err
}

// Create inserts a new record.
func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deals (
			deal_id, seller_address, seller_user_id, buyer_address, buyer_user_id,
			amount, token, deadline, status, escrow_address, channel_id
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(30,6), $7, $8, $9, $10, $11)`,
		r.DealID, nullString(r.SellerAddress), nullString(r.SellerUserID),
		nullString(r.BuyerAddress), nullString(r.BuyerUserID),
		r.Amount, r.Token, r.Deadline, string(r.Status),
		nullString(r.EscrowAddress), nullString(r.ChannelID),
	)
	return err
}

func (p *PostgresStore) Fetch(ctx context.Context, dealID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT deal_id, seller_address, seller_user_id, buyer_address, buyer_user_id,
		       amount::TEXT, token, deadline, status, escrow_address, channel_id
		FROM deals WHERE deal_id = $1`, dealID)

	var (
		r                                Record
		seller, sellerID, buyer, buyerID sql.NullString
		status                           string
		escrowAddr, channel              sql.NullString
	)
	err := row.Scan(&r.DealID, &seller, &sellerID, &buyer, &buyerID,
		&r.Amount, &r.Token, &r.Deadline, &status, &escrowAddr, &channel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, err
	}

	r.SellerAddress = seller.String
	r.SellerUserID = sellerID.String
	r.BuyerAddress = buyer.String
	r.BuyerUserID = buyerID.String
	r.Status = Status(status)
	r.EscrowAddress = escrowAddr.String
	r.ChannelID = channel.String
	return &r, nil
}

// UpdateStatus overwrites the status and, once only, the escrow address.
// COALESCE keeps an adopted address when escrowAddress is empty; the
// WHERE clause refuses to replace it with a different one.
func (p *PostgresStore) UpdateStatus(ctx context.Context, dealID string, status Status, escrowAddress string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			status = $1,
			escrow_address = COALESCE(escrow_address, $2),
			updated_at = NOW()
		WHERE deal_id = $3
		  AND (escrow_address IS NULL OR $2::VARCHAR IS NULL OR LOWER(escrow_address) = LOWER($2))`,
		string(status), nullString(escrowAddress), dealID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the deal is missing or the address conflicts.
		if _, ferr := p.Fetch(ctx, dealID); ferr != nil {
			return ferr
		}
		return ErrEscrowMismatch
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
