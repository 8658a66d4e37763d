package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alexacart/backend/internal/domain"
	"github.com/jmoiron/sqlx"
)

type itemRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type aliasRow struct {
	GroceryItemID int64  `db:"grocery_item_id"`
	Alias         string `db:"alias"`
}

type productRow struct {
	GroceryItemID   int64      `db:"grocery_item_id"`
	Rank            int        `db:"rank"`
	Name            string     `db:"name"`
	Price           string     `db:"price"`
	ImageURL        string     `db:"image_url"`
	URL             string     `db:"url"`
	URLKey          string     `db:"url_key"`
	Brand           string     `db:"brand"`
	ItemID          string     `db:"item_id"`
	LastSeenInStock *time.Time `db:"last_seen_in_stock"`
}

func (r productRow) candidate() domain.CandidateProduct {
	return domain.CandidateProduct{
		Name:            r.Name,
		Price:           r.Price,
		ImageURL:        r.ImageURL,
		URL:             r.URL,
		Brand:           r.Brand,
		ItemID:          r.ItemID,
		LastSeenInStock: r.LastSeenInStock,
	}
}

const productColumns = `grocery_item_id, rank, name, price, image_url, url, url_key, brand, item_id, last_seen_in_stock`

// PreferenceRepository stores grocery items, aliases and rank lists in sqlite
type PreferenceRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPreferenceRepository creates a repository on an initialized database
func NewPreferenceRepository(db *sqlx.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db, now: time.Now}
}

func (r *PreferenceRepository) Get(ctx context.Context, id int64) (*domain.GroceryItem, error) {
	var row itemRow
	err := r.db.GetContext(ctx, &row, `SELECT id, name, created_at, updated_at FROM grocery_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: grocery item %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get grocery item %d: %w", id, err)
	}
	return r.load(ctx, r.db, row)
}

func (r *PreferenceRepository) load(ctx context.Context, q sqlx.QueryerContext, row itemRow) (*domain.GroceryItem, error) {
	item := &domain.GroceryItem{
		ID:        row.ID,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Aliases:   []string{},
		Products:  []domain.CandidateProduct{},
	}

	if err := sqlx.SelectContext(ctx, q, &item.Aliases,
		`SELECT alias FROM aliases WHERE grocery_item_id = ? ORDER BY id`, row.ID); err != nil {
		return nil, fmt.Errorf("load aliases of %d: %w", row.ID, err)
	}

	var products []productRow
	if err := sqlx.SelectContext(ctx, q, &products,
		`SELECT `+productColumns+` FROM preferred_products WHERE grocery_item_id = ? ORDER BY rank`, row.ID); err != nil {
		return nil, fmt.Errorf("load products of %d: %w", row.ID, err)
	}
	for _, p := range products {
		item.Products = append(item.Products, p.candidate())
	}
	return item, nil
}

func (r *PreferenceRepository) FindByName(ctx context.Context, name string) (*domain.GroceryItem, error) {
	var row itemRow
	err := r.db.GetContext(ctx, &row, `SELECT id, name, created_at, updated_at FROM grocery_items WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: grocery item %q", domain.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("find grocery item %q: %w", name, err)
	}
	return r.load(ctx, r.db, row)
}

func (r *PreferenceRepository) FindByAlias(ctx context.Context, alias string) (*domain.GroceryItem, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `SELECT grocery_item_id FROM aliases WHERE alias = ?`, alias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alias %q", domain.ErrNotFound, alias)
	}
	if err != nil {
		return nil, fmt.Errorf("find alias %q: %w", alias, err)
	}
	return r.Get(ctx, id)
}

// List returns every item ordered by name, loading aliases and products in
// one query each
func (r *PreferenceRepository) List(ctx context.Context) ([]domain.GroceryItem, error) {
	var rows []itemRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, name, created_at, updated_at FROM grocery_items ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list grocery items: %w", err)
	}

	var aliases []aliasRow
	if err := r.db.SelectContext(ctx, &aliases, `SELECT grocery_item_id, alias FROM aliases ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	var products []productRow
	if err := r.db.SelectContext(ctx, &products, `SELECT `+productColumns+` FROM preferred_products ORDER BY grocery_item_id, rank`); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	byID := make(map[int64]*domain.GroceryItem, len(rows))
	items := make([]domain.GroceryItem, len(rows))
	for i, row := range rows {
		items[i] = domain.GroceryItem{
			ID:        row.ID,
			Name:      row.Name,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
			Aliases:   []string{},
			Products:  []domain.CandidateProduct{},
		}
		byID[row.ID] = &items[i]
	}
	for _, a := range aliases {
		if item, ok := byID[a.GroceryItemID]; ok {
			item.Aliases = append(item.Aliases, a.Alias)
		}
	}
	for _, p := range products {
		if item, ok := byID[p.GroceryItemID]; ok {
			item.Products = append(item.Products, p.candidate())
		}
	}
	return items, nil
}

// Create inserts an item whose name is also registered as its first alias
func (r *PreferenceRepository) Create(ctx context.Context, name string) (*domain.GroceryItem, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := r.now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO grocery_items (name, created_at, updated_at) VALUES (?, ?, ?)`, name, now, now)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: item %q already exists", domain.ErrAliasConflict, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create grocery item %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO aliases (grocery_item_id, alias) VALUES (?, ?)`, id, name)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %q", domain.ErrAliasConflict, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create alias %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.GroceryItem{
		ID:        id,
		Name:      name,
		Aliases:   []string{name},
		Products:  []domain.CandidateProduct{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Save replaces the aliases and rank list of an existing item.
func (r *PreferenceRepository) Save(ctx context.Context, item *domain.GroceryItem) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.saveTx(ctx, tx, item); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PreferenceRepository) saveTx(ctx context.Context, tx *sqlx.Tx, item *domain.GroceryItem) error {
	updated := item.UpdatedAt
	if updated.IsZero() {
		updated = r.now()
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE grocery_items SET name = ?, updated_at = ? WHERE id = ?`, item.Name, updated.UTC(), item.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: item %q already exists", domain.ErrAliasConflict, item.Name)
	}
	if err != nil {
		return fmt.Errorf("update grocery item %d: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: grocery item %d", domain.ErrNotFound, item.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE grocery_item_id = ?`, item.ID); err != nil {
		return fmt.Errorf("clear aliases of %d: %w", item.ID, err)
	}
	for _, alias := range item.Aliases {
		_, err := tx.ExecContext(ctx, `INSERT INTO aliases (grocery_item_id, alias) VALUES (?, ?)`, item.ID, alias)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", domain.ErrAliasConflict, alias)
		}
		if err != nil {
			return fmt.Errorf("insert alias %q: %w", alias, err)
		}
	}

	// stock stamps are written outside of Save; keep the newer one
	var stamps []productRow
	if err := tx.SelectContext(ctx, &stamps,
		`SELECT `+productColumns+` FROM preferred_products WHERE grocery_item_id = ?`, item.ID); err != nil {
		return fmt.Errorf("read stock stamps of %d: %w", item.ID, err)
	}
	seen := make(map[string]*time.Time, len(stamps))
	for _, s := range stamps {
		seen[s.URLKey] = s.LastSeenInStock
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM preferred_products WHERE grocery_item_id = ?`, item.ID); err != nil {
		return fmt.Errorf("clear products of %d: %w", item.ID, err)
	}
	for i, p := range item.Products {
		row := productRow{
			GroceryItemID:   item.ID,
			Rank:            i + 1,
			Name:            p.Name,
			Price:           p.Price,
			ImageURL:        p.ImageURL,
			URL:             p.URL,
			URLKey:          p.Key(),
			Brand:           p.Brand,
			ItemID:          p.ItemID,
			LastSeenInStock: newer(p.LastSeenInStock, seen[p.Key()]),
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO preferred_products (`+productColumns+`)
			VALUES (:grocery_item_id, :rank, :name, :price, :image_url, :url, :url_key, :brand, :item_id, :last_seen_in_stock)`, row)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: product %s listed twice", domain.ErrInvalidRequest, p.URL)
		}
		if err != nil {
			return fmt.Errorf("insert product %s: %w", p.URL, err)
		}
	}
	return nil
}

func newer(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}

// Delete removes an item; aliases and products cascade
func (r *PreferenceRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM grocery_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete grocery item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: grocery item %d", domain.ErrNotFound, id)
	}
	return nil
}

// Merge deletes sourceID and saves target in one transaction, so aliases
// moved from the source never collide with themselves.
func (r *PreferenceRepository) Merge(ctx context.Context, target *domain.GroceryItem, sourceID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE order_log SET grocery_item_id = ? WHERE grocery_item_id = ?`, target.ID, sourceID); err != nil {
		return fmt.Errorf("repoint order log: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM grocery_items WHERE id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("delete merge source %d: %w", sourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: grocery item %d", domain.ErrNotFound, sourceID)
	}
	if err := r.saveTx(ctx, tx, target); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkSeenInStock stamps one ranked product. Unknown products are ignored.
func (r *PreferenceRepository) MarkSeenInStock(ctx context.Context, id int64, url string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE preferred_products SET last_seen_in_stock = ? WHERE grocery_item_id = ? AND url_key = ?`,
		at.UTC(), id, domain.ProductKey(url))
	if err != nil {
		return fmt.Errorf("mark %s in stock: %w", url, err)
	}
	return nil
}
