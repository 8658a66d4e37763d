package sqlite

import (
	"context"
	"fmt"

	"github.com/alexacart/backend/internal/domain"
	"github.com/jmoiron/sqlx"
)

// OrderLogRepository stores the per-item outcome of committed sessions
type OrderLogRepository struct {
	db *sqlx.DB
}

// NewOrderLogRepository creates a repository on an initialized database
func NewOrderLogRepository(db *sqlx.DB) *OrderLogRepository {
	return &OrderLogRepository{db: db}
}

// Append writes all entries in one transaction
func (r *OrderLogRepository) Append(ctx context.Context, entries []domain.OrderLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `INSERT INTO order_log (session_id, source_text, grocery_item_id, proposed_product, final_product,
			product_url, was_corrected, added_to_cart, skipped, created_at)
		VALUES (:session_id, :source_text, :grocery_item_id, :proposed_product, :final_product,
			:product_url, :was_corrected, :added_to_cart, :skipped, :created_at)`
	for _, e := range entries {
		e.CreatedAt = e.CreatedAt.UTC()
		if _, err := tx.NamedExecContext(ctx, q, e); err != nil {
			return fmt.Errorf("append order log for %s: %w", e.SessionID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit entries, newest first
func (r *OrderLogRepository) Recent(ctx context.Context, limit int) ([]domain.OrderLogEntry, error) {
	var entries []domain.OrderLogEntry
	err := r.db.SelectContext(ctx, &entries, `SELECT id, session_id, source_text, grocery_item_id, proposed_product,
			final_product, product_url, was_corrected, added_to_cart, skipped, created_at
		FROM order_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read order log: %w", err)
	}
	return entries, nil
}

func (r *OrderLogRepository) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM order_log WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete history of %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: history of session %s", domain.ErrNotFound, sessionID)
	}
	return nil
}

func (r *OrderLogRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM order_log`); err != nil {
		return fmt.Errorf("clear order log: %w", err)
	}
	return nil
}
