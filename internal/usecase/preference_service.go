package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexacart/backend/internal/domain"
	"go.uber.org/zap"
)

// PreferenceService resolves list text to grocery items and learns which
// products the user wants for each of them.
type PreferenceService struct {
	repo   domain.PreferenceRepository
	logger *zap.Logger
	now    func() time.Time

	// serializes read-modify-write cycles on rank lists
	mu sync.Mutex
}

// NewPreferenceService creates a preference service backed by repo
func NewPreferenceService(repo domain.PreferenceRepository, logger *zap.Logger) *PreferenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceService{
		repo:   repo,
		logger: logger.Named("preferences"),
		now:    time.Now,
	}
}

// Resolve finds the grocery item for raw list text: exact name first, then alias.
// Returns domain.ErrResolutionMiss when neither matches.
func (s *PreferenceService) Resolve(ctx context.Context, rawName string) (*domain.GroceryItem, error) {
	name := domain.NormalizeName(rawName)
	if name == "" {
		return nil, domain.ErrResolutionMiss
	}

	item, err := s.repo.FindByName(ctx, name)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	item, err = s.repo.FindByAlias(ctx, name)
	if err == nil {
		return item, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", domain.ErrResolutionMiss, name)
	}
	return nil, err
}

// RankedCandidates returns the item's rank list, rank 1 first.
func (s *PreferenceService) RankedCandidates(ctx context.Context, itemID int64) ([]domain.CandidateProduct, error) {
	item, err := s.repo.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return append([]domain.CandidateProduct(nil), item.Products...), nil
}

// RecordCorrection makes chosen the rank-1 product of the item.
// A product already in the list (same URL) swaps places with the current
// rank 1 instead of being duplicated; a new product is inserted on top.
// Correcting to the current rank 1 leaves the order untouched.
func (s *PreferenceService) RecordCorrection(ctx context.Context, itemID int64, chosen domain.CandidateProduct, wasAutoProposedRankOne bool) error {
	if chosen.Key() == "" {
		return fmt.Errorf("%w: correction without product url", domain.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.repo.Get(ctx, itemID)
	if err != nil {
		return err
	}

	rank := item.RankOf(chosen.URL)
	changed := promoteCandidate(item, chosen)
	if !changed {
		return nil
	}

	s.logger.Info("Recorded correction",
		zap.String("item", item.Name),
		zap.String("product", chosen.Name),
		zap.Int("previousRank", rank),
		zap.Bool("autoProposedRankOne", wasAutoProposedRankOne))

	item.UpdatedAt = s.now()
	return s.repo.Save(ctx, item)
}

// promoteCandidate applies the rank-1 promotion rule in place and reports
// whether the item changed.
func promoteCandidate(item *domain.GroceryItem, chosen domain.CandidateProduct) bool {
	rank := item.RankOf(chosen.URL)
	switch {
	case rank == 1:
		merged := mergeCandidate(item.Products[0], chosen)
		if merged == item.Products[0] {
			return false
		}
		item.Products[0] = merged
	case rank > 1:
		i := rank - 1
		item.Products[i] = mergeCandidate(item.Products[i], chosen)
		item.Products[0], item.Products[i] = item.Products[i], item.Products[0]
	default:
		item.Products = append([]domain.CandidateProduct{chosen}, item.Products...)
	}
	return true
}

// mergeCandidate refreshes a stored candidate with the most recently seen
// display fields. Empty incoming fields keep the stored value.
func mergeCandidate(stored, seen domain.CandidateProduct) domain.CandidateProduct {
	out := stored
	if seen.Name != "" {
		out.Name = seen.Name
	}
	if seen.Price != "" {
		out.Price = seen.Price
	}
	if seen.ImageURL != "" {
		out.ImageURL = seen.ImageURL
	}
	if seen.Brand != "" {
		out.Brand = seen.Brand
	}
	if seen.ItemID != "" {
		out.ItemID = seen.ItemID
	}
	if seen.LastSeenInStock != nil {
		out.LastSeenInStock = seen.LastSeenInStock
	}
	return out
}

// MergeItems folds source into target: aliases and rank lists are unioned,
// target's products first, source's appended, deduplicated by URL.
// The source item is deleted.
func (s *PreferenceService) MergeItems(ctx context.Context, sourceID, targetID int64) (*domain.GroceryItem, error) {
	if sourceID == targetID {
		return nil, fmt.Errorf("%w: cannot merge an item with itself", domain.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	source, err := s.repo.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("merge source %d: %w", sourceID, err)
	}
	target, err := s.repo.Get(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("merge target %d: %w", targetID, err)
	}

	for _, alias := range source.Aliases {
		if !target.HasAlias(alias) {
			target.Aliases = append(target.Aliases, alias)
		}
	}
	for _, p := range source.Products {
		if target.RankOf(p.URL) == 0 {
			target.Products = append(target.Products, p)
		}
	}
	target.UpdatedAt = s.now()

	if err := s.repo.Merge(ctx, target, source.ID); err != nil {
		return nil, err
	}

	s.logger.Info("Merged grocery items",
		zap.String("source", source.Name),
		zap.String("target", target.Name),
		zap.Int("aliases", len(target.Aliases)),
		zap.Int("products", len(target.Products)))
	return target, nil
}

// CreateItem creates a grocery item whose normalized name is also its first
// alias. An existing item with the same name is returned unchanged.
func (s *PreferenceService) CreateItem(ctx context.Context, name string) (*domain.GroceryItem, error) {
	normalized := domain.NormalizeName(name)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty item name", domain.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.FindByName(ctx, normalized)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	item, err := s.repo.Create(ctx, normalized)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Created grocery item", zap.String("name", normalized), zap.Int64("id", item.ID))
	return item, nil
}

// GetItem returns one grocery item
func (s *PreferenceService) GetItem(ctx context.Context, id int64) (*domain.GroceryItem, error) {
	return s.repo.Get(ctx, id)
}

// ListItems returns every grocery item ordered by name
func (s *PreferenceService) ListItems(ctx context.Context) ([]domain.GroceryItem, error) {
	return s.repo.List(ctx)
}

// DeleteItem removes an item with its aliases and products
func (s *PreferenceService) DeleteItem(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Delete(ctx, id)
}

// AddAlias registers another spelling for an item.
// Returns domain.ErrAliasConflict when the alias resolves to a different item.
func (s *PreferenceService) AddAlias(ctx context.Context, id int64, alias string) (*domain.GroceryItem, error) {
	normalized := domain.NormalizeName(alias)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty alias", domain.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.HasAlias(normalized) {
		return item, nil
	}

	owner, err := s.repo.FindByAlias(ctx, normalized)
	switch {
	case err == nil && owner.ID != id:
		return nil, fmt.Errorf("%w: %q is used by item %d", domain.ErrAliasConflict, normalized, owner.ID)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	item.Aliases = append(item.Aliases, normalized)
	item.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// RemoveAlias drops an alias from an item
func (s *PreferenceService) RemoveAlias(ctx context.Context, id int64, alias string) (*domain.GroceryItem, error) {
	normalized := domain.NormalizeName(alias)

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	kept := item.Aliases[:0]
	found := false
	for _, a := range item.Aliases {
		if a == normalized {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return nil, fmt.Errorf("%w: alias %q", domain.ErrNotFound, normalized)
	}
	item.Aliases = kept
	item.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// AddProduct inserts a product at rank (1-based); rank <= 0 appends.
// A product whose URL is already listed is moved to the requested rank.
func (s *PreferenceService) AddProduct(ctx context.Context, id int64, product domain.CandidateProduct, rank int) (*domain.GroceryItem, error) {
	if product.Key() == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: product needs a name and url", domain.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	existing := item.RankOf(product.URL)
	switch {
	case existing > 0 && rank <= 0:
		item.Products[existing-1] = mergeCandidate(item.Products[existing-1], product)
	case existing > 0:
		product = mergeCandidate(item.Products[existing-1], product)
		item.Products = append(item.Products[:existing-1], item.Products[existing:]...)
		fallthrough
	default:
		item.Products = insertAt(item.Products, product, rank)
	}

	item.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// insertAt puts p at the 1-based rank, appending when rank is out of range
func insertAt(products []domain.CandidateProduct, p domain.CandidateProduct, rank int) []domain.CandidateProduct {
	if rank <= 0 || rank > len(products) {
		return append(products, p)
	}
	i := rank - 1
	return append(products[:i], append([]domain.CandidateProduct{p}, products[i:]...)...)
}

// MoveProductUp swaps the product at rank with the one above it
func (s *PreferenceService) MoveProductUp(ctx context.Context, id int64, rank int) (*domain.GroceryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rank < 1 || rank > len(item.Products) {
		return nil, fmt.Errorf("%w: rank %d", domain.ErrNotFound, rank)
	}
	if rank == 1 {
		return item, nil
	}
	i := rank - 1
	item.Products[i-1], item.Products[i] = item.Products[i], item.Products[i-1]
	item.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// RemoveProduct deletes the product at rank; lower ranks move up
func (s *PreferenceService) RemoveProduct(ctx context.Context, id int64, rank int) (*domain.GroceryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rank < 1 || rank > len(item.Products) {
		return nil, fmt.Errorf("%w: rank %d", domain.ErrNotFound, rank)
	}
	item.Products = append(item.Products[:rank-1], item.Products[rank:]...)
	item.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// MarkSeenInStock stamps a ranked product as available. Ranking is unaffected.
func (s *PreferenceService) MarkSeenInStock(ctx context.Context, id int64, url string) error {
	return s.repo.MarkSeenInStock(ctx, id, url, s.now())
}

// Import upserts items from an export: each item is created if missing and
// its aliases and products are merged in after the existing ones.
func (s *PreferenceService) Import(ctx context.Context, items []domain.GroceryItem) (int, error) {
	imported := 0
	for _, in := range items {
		item, err := s.CreateItem(ctx, in.Name)
		if err != nil {
			return imported, fmt.Errorf("import %q: %w", in.Name, err)
		}
		for _, alias := range in.Aliases {
			if _, err := s.AddAlias(ctx, item.ID, alias); err != nil {
				if errors.Is(err, domain.ErrAliasConflict) {
					s.logger.Warn("Skipping conflicting alias", zap.String("alias", alias), zap.String("item", item.Name))
					continue
				}
				return imported, fmt.Errorf("import %q: %w", in.Name, err)
			}
		}
		for _, p := range in.Products {
			if _, err := s.AddProduct(ctx, item.ID, p, 0); err != nil {
				return imported, fmt.Errorf("import %q: %w", in.Name, err)
			}
		}
		imported++
	}
	return imported, nil
}
