// Package sponsor implements the credit economy: wallets, allocations,
// time-decaying pressures, braid composition, and the policy engine.
package sponsor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/ox/substrate/internal/database"
)

var (
	ErrInsufficientCredits = errors.New("sponsor_credit_insufficient")
	ErrAmountNotPositive   = errors.New("amount must be positive")
	ErrSponsorNotFound     = errors.New("sponsor not found")
)

// Wallets moves credits between sponsor wallets and agent balances. Every
// movement is mirrored in credit_transactions so conservation is checkable.
type Wallets struct {
	db     *sql.DB
	logger *log.Logger
}

func NewWallets(db *sql.DB) *Wallets {
	return &Wallets{
		db:     db,
		logger: log.New(log.Writer(), "[CREDITS] ", log.LstdFlags),
	}
}

// Purchase mints credits into the sponsor wallet. Payment capture lives
// outside the core; here the mint and its treasury ledger row commit
// together so the books still balance.
func (w *Wallets) Purchase(ctx context.Context, sponsorID string, amount int64, idemKey string) (int64, error) {
	var balance int64
	err := database.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		var err error
		balance, err = PurchaseTx(ctx, tx, sponsorID, amount, idemKey)
		return err
	})
	if err != nil {
		return 0, err
	}

	w.logger.Printf("sponsor %s purchased %d credits (balance=%d)", sponsorID, amount, balance)
	return balance, nil
}

// PurchaseTx is the transactional body of Purchase, shared with the
// idempotency wrapper on the purchase endpoint.
func PurchaseTx(ctx context.Context, tx *sql.Tx, sponsorID string, amount int64, idemKey string) (int64, error) {
	if amount <= 0 {
		return 0, ErrAmountNotPositive
	}

	var balance int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO sponsor_wallets (sponsor_id, balance) VALUES ($1, $2)
		 ON CONFLICT (sponsor_id) DO UPDATE SET balance = sponsor_wallets.balance + $2
		 RETURNING balance`,
		sponsorID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit wallet: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (sponsor_id, tx_type, amount, idempotency_key)
		 VALUES ($1, 'purchase', $2, NULLIF($3, ''))`,
		sponsorID, amount, idemKey); err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (tx_type, amount, idempotency_key)
		 VALUES ('treasury_mint', $1, NULLIF($2, ''))`,
		amount, idemKey)
	return balance, err
}

// Allocate moves credits from a sponsor wallet to an agent balance. The
// decrement and increment commit atomically or not at all.
func (w *Wallets) Allocate(ctx context.Context, sponsorID, agentID string, amount int64, idemKey string) error {
	return database.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		return AllocateTx(ctx, tx, sponsorID, agentID, amount, idemKey)
	})
}

// AllocateTx is the transactional body of Allocate, shared with the policy
// engine's allocate_delta action and the idempotency wrapper.
func AllocateTx(ctx context.Context, tx *sql.Tx, sponsorID, agentID string, amount int64, idemKey string) error {
	if amount <= 0 {
		return ErrAmountNotPositive
	}
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM sponsor_wallets WHERE sponsor_id = $1 FOR UPDATE`,
		sponsorID).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrSponsorNotFound
	}
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sponsor_wallets SET balance = balance - $2 WHERE sponsor_id = $1`,
		sponsorID, amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_credit_balances (agent_id, balance) VALUES ($1, $2)
		 ON CONFLICT (agent_id) DO UPDATE SET balance = agent_credit_balances.balance + $2`,
		agentID, amount); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (sponsor_id, agent_id, tx_type, amount, idempotency_key)
		 VALUES ($1, $2, 'allocation', $3, NULLIF($4, ''))`,
		sponsorID, agentID, amount, idemKey)
	return err
}

// WalletBalance reads the current wallet balance.
func (w *Wallets) WalletBalance(ctx context.Context, sponsorID string) (int64, error) {
	var balance int64
	err := w.db.QueryRowContext(ctx,
		`SELECT balance FROM sponsor_wallets WHERE sponsor_id = $1`, sponsorID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrSponsorNotFound
	}
	return balance, err
}
