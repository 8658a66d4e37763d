package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// GroceryItem is the canonical identity of something that appears on the list.
type GroceryItem struct {
	ID        int64              `json:"id" yaml:"-"`
	Name      string             `json:"name" yaml:"name"`
	Aliases   []string           `json:"aliases" yaml:"aliases,omitempty"`
	Products  []CandidateProduct `json:"products" yaml:"products,omitempty"`
	CreatedAt time.Time          `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time          `json:"updatedAt" yaml:"-"`
}

// RankOf returns the 1-based rank of the product with the given URL, or 0.
func (g *GroceryItem) RankOf(url string) int {
	for i, p := range g.Products {
		if SameProduct(p.URL, url) {
			return i + 1
		}
	}
	return 0
}

// HasAlias reports whether the normalized alias is registered on the item.
func (g *GroceryItem) HasAlias(alias string) bool {
	for _, a := range g.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// NormalizeName folds case, applies NFKC and collapses whitespace so that
// "  Skim   Milk" and "skim milk" compare equal.
func NormalizeName(s string) string {
	s = norm.NFKC.String(s)
	// a Caser is stateful, so each call gets its own
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
