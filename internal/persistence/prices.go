package persistence

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// GetPriceUSD returns the token's USD price at block, falling back to the
// latest price recorded before it.
func (s *PostgresStore) GetPriceUSD(ctx context.Context, network string, block uint64, token string) (decimal.Decimal, error) {
	q, err := s.GetQuote(ctx, network, block, token)
	if err != nil {
		return decimal.Zero, err
	}
	return q.PriceUSD, nil
}

// GetQuote is GetPriceUSD plus the block the price was recorded at.
func (s *PostgresStore) GetQuote(ctx context.Context, network string, block uint64, token string) (state.Quote, error) {
	var (
		found int64
		price string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT block_number, price_usd::TEXT
		FROM vault_ledger.prices
		WHERE network = $1 AND token = $2 AND block_number <= $3
		ORDER BY block_number DESC
		LIMIT 1
	`, network, event.NormalizeAddress(token), int64(block)).Scan(&found, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Quote{}, fmt.Errorf("%s %s at block %d: %w", network, token, block, state.ErrPriceNotFound)
	}
	if err != nil {
		return state.Quote{}, fmt.Errorf("query price: %w", err)
	}

	p, err := decimal.NewFromString(price)
	if err != nil {
		return state.Quote{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	return state.Quote{Block: uint64(found), PriceUSD: p}, nil
}

// SavePrice records a token price.
func (s *PostgresStore) SavePrice(ctx context.Context, network string, block uint64, token string, price decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_ledger.prices (network, token, block_number, price_usd)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (network, token, block_number) DO UPDATE SET price_usd = EXCLUDED.price_usd
	`, network, event.NormalizeAddress(token), int64(block), price.String())
	if err != nil {
		return fmt.Errorf("insert price: %w", err)
	}
	return nil
}
