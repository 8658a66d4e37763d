package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/alexacart/backend/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(name string) domain.CandidateProduct {
	return domain.CandidateProduct{Name: name, URL: "https://shop.test/p/" + name}
}

func productNames(item *domain.GroceryItem) []string {
	names := make([]string, len(item.Products))
	for i, p := range item.Products {
		names[i] = p.Name
	}
	return names
}

func TestPreferenceService_Resolve(t *testing.T) {
	repo := NewMockPreferenceRepository()
	id := repo.seed("fat free milk", []string{"skim milk"})
	svc := NewPreferenceService(repo, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		input   string
		wantID  int64
		wantErr error
	}{
		{"exact name", "fat free milk", id, nil},
		{"alias", "skim milk", id, nil},
		{"case and whitespace", "  Skim   MILK ", id, nil},
		{"unknown", "oat milk", 0, domain.ErrResolutionMiss},
		{"empty", "   ", 0, domain.ErrResolutionMiss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := svc.Resolve(ctx, tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, item.ID)
		})
	}
}

func TestPreferenceService_ResolveStoreError(t *testing.T) {
	repo := NewMockPreferenceRepository()
	repo.findError = errBoom
	svc := NewPreferenceService(repo, nil)

	_, err := svc.Resolve(context.Background(), "milk")
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, errors.Is(err, domain.ErrResolutionMiss))
}

func TestPreferenceService_RecordCorrection(t *testing.T) {
	tests := []struct {
		name      string
		ranked    []string
		chosen    string
		want      []string
		wantSaves int
	}{
		{"new product goes on top", []string{"A", "B"}, "Z", []string{"Z", "A", "B"}, 1},
		{"listed product swaps with rank 1", []string{"A", "B", "C"}, "C", []string{"C", "B", "A"}, 1},
		{"rank 1 unchanged", []string{"A", "B"}, "A", []string{"A", "B"}, 0},
		{"empty list", nil, "A", []string{"A"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockPreferenceRepository()
			var products []domain.CandidateProduct
			for _, n := range tt.ranked {
				products = append(products, candidate(n))
			}
			id := repo.seed("milk", nil, products...)
			svc := NewPreferenceService(repo, nil)

			err := svc.RecordCorrection(context.Background(), id, candidate(tt.chosen), true)
			require.NoError(t, err)

			item, err := repo.Get(context.Background(), id)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, productNames(item)); diff != "" {
				t.Errorf("rank list mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.wantSaves, repo.saves())
		})
	}
}

func TestPreferenceService_RecordCorrectionIsIdempotent(t *testing.T) {
	repo := NewMockPreferenceRepository()
	id := repo.seed("milk", nil, candidate("A"), candidate("B"))
	svc := NewPreferenceService(repo, nil)
	ctx := context.Background()

	require.NoError(t, svc.RecordCorrection(ctx, id, candidate("B"), true))
	first, err := repo.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, svc.RecordCorrection(ctx, id, candidate("B"), true))
	second, err := repo.Get(ctx, id)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(domain.GroceryItem{}, "UpdatedAt")); diff != "" {
		t.Errorf("second correction changed the item (-first +second):\n%s", diff)
	}
	assert.Equal(t, []string{"B", "A"}, productNames(second))
}

func TestPreferenceService_RecordCorrectionDedupsByURL(t *testing.T) {
	repo := NewMockPreferenceRepository()
	id := repo.seed("milk", nil, candidate("A"), candidate("B"))
	svc := NewPreferenceService(repo, nil)

	renamed := candidate("B")
	renamed.Name = "B (new label)"
	renamed.URL += "/"
	require.NoError(t, svc.RecordCorrection(context.Background(), id, renamed, true))

	item, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, item.Products, 2)
	assert.Equal(t, "B (new label)", item.Products[0].Name)
}

func TestPreferenceService_RecordCorrectionRequiresURL(t *testing.T) {
	repo := NewMockPreferenceRepository()
	id := repo.seed("milk", nil)
	svc := NewPreferenceService(repo, nil)

	err := svc.RecordCorrection(context.Background(), id, domain.CandidateProduct{Name: "A"}, false)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPreferenceService_AliasLearning(t *testing.T) {
	repo := NewMockPreferenceRepository()
	id := repo.seed("fat free milk", nil)
	svc := NewPreferenceService(repo, nil)
	ctx := context.Background()

	_, err := svc.AddAlias(ctx, id, "Skim Milk")
	require.NoError(t, err)

	item, err := svc.Resolve(ctx, "skim milk")
	require.NoError(t, err)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, "fat free milk", item.Name)
}

func TestPreferenceService_AddAliasConflict(t *testing.T) {
	repo := NewMockPreferenceRepository()
	milk := repo.seed("milk", []string{"moo juice"})
	cream := repo.seed("cream", nil)
	svc := NewPreferenceService(repo, nil)
	ctx := context.Background()

	_, err := svc.AddAlias(ctx, cream, "Moo Juice")
	assert.ErrorIs(t, err, domain.ErrAliasConflict)

	// re-adding to the owner is a no-op
	item, err := svc.AddAlias(ctx, milk, "moo juice")
	require.NoError(t, err)
	assert.Equal(t, []string{"milk", "moo juice"}, item.Aliases)
}

func TestPreferenceService_RemoveAlias(t *testing.T) {
	repo := NewMockPreferenceRepository()
	id := repo.seed("milk", []string{"moo juice"})
	svc := NewPreferenceService(repo, nil)
	ctx := context.Background()

	item, err := svc.RemoveAlias(ctx, id, "Moo Juice")
	require.NoError(t, err)
	assert.Equal(t, []string{"milk"}, item.Aliases)

	_, err = svc.RemoveAlias(ctx, id, "moo juice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPreferenceService_MergeItems(t *testing.T) {
	repo := NewMockPreferenceRepository()
	target := repo.seed("fat free milk", nil, candidate("A"), candidate("B"))
	source := repo.seed("skim milk", []string{"nonfat milk"}, candidate("B"), candidate("C"))
	svc := NewPreferenceService(repo, nil)
	ctx := context.Background()

	merged, err := svc.MergeItems(ctx, source, target)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, productNames(merged))
	assert.ElementsMatch(t, []string{"fat free milk", "skim milk", "nonfat milk"}, merged.Aliases)

	_, err = repo.Get(ctx, source)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	item, err := svc.Resolve(ctx, "skim milk")
	require.NoError(t, err)
	assert.Equal(t, target, item.ID)
}

func TestPreferenceService_MergeItemsWithItself(t *testing.T) {
	repo := NewMockPreferenceRepository()
	id := repo.seed("milk", nil)
	svc := NewPreferenceService(repo, nil)

	_, err := svc.MergeItems(context.Background(), id, id)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPreferenceService_CreateItem(t *testing.T) {
	repo := NewMockPreferenceRepository()
	svc := NewPreferenceService(repo, nil)
	ctx := context.Background()

	item, err := svc.CreateItem(ctx, "  Greek Yogurt ")
	require.NoError(t, err)
	assert.Equal(t, "greek yogurt", item.Name)

	again, err := svc.CreateItem(ctx, "greek yogurt")
	require.NoError(t, err)
	assert.Equal(t, item.ID, again.ID)

	_, err = svc.CreateItem(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPreferenceService_RankEditing(t *testing.T) {
	ctx := context.Background()

	t.Run("add appends and dedups by url", func(t *testing.T) {
		repo := NewMockPreferenceRepository()
		id := repo.seed("milk", nil, candidate("A"))
		svc := NewPreferenceService(repo, nil)

		item, err := svc.AddProduct(ctx, id, candidate("B"), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, productNames(item))

		item, err = svc.AddProduct(ctx, id, candidate("B"), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, productNames(item))
	})

	t.Run("add at rank moves an existing product", func(t *testing.T) {
		repo := NewMockPreferenceRepository()
		id := repo.seed("milk", nil, candidate("A"), candidate("B"), candidate("C"))
		svc := NewPreferenceService(repo, nil)

		item, err := svc.AddProduct(ctx, id, candidate("C"), 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"C", "A", "B"}, productNames(item))
	})

	t.Run("add needs a url", func(t *testing.T) {
		repo := NewMockPreferenceRepository()
		id := repo.seed("milk", nil)
		svc := NewPreferenceService(repo, nil)

		_, err := svc.AddProduct(ctx, id, domain.CandidateProduct{Name: "A"}, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("move up and remove", func(t *testing.T) {
		repo := NewMockPreferenceRepository()
		id := repo.seed("milk", nil, candidate("A"), candidate("B"), candidate("C"))
		svc := NewPreferenceService(repo, nil)

		item, err := svc.MoveProductUp(ctx, id, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "C", "B"}, productNames(item))

		item, err = svc.RemoveProduct(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"C", "B"}, productNames(item))

		_, err = svc.RemoveProduct(ctx, id, 5)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPreferenceService_Import(t *testing.T) {
	repo := NewMockPreferenceRepository()
	repo.seed("milk", []string{"moo juice"})
	svc := NewPreferenceService(repo, nil)
	ctx := context.Background()

	n, err := svc.Import(ctx, []domain.GroceryItem{
		{Name: "Eggs", Aliases: []string{"dozen eggs"}, Products: []domain.CandidateProduct{candidate("E1"), candidate("E2")}},
		{Name: "cream", Aliases: []string{"moo juice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	eggs, err := svc.Resolve(ctx, "dozen eggs")
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "E2"}, productNames(eggs))

	// the conflicting alias stays with its owner
	owner, err := svc.Resolve(ctx, "moo juice")
	require.NoError(t, err)
	assert.Equal(t, "milk", owner.Name)
}
