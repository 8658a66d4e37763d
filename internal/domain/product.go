package domain

import (
	"net/url"
	"strings"
	"time"
)

// Product is a live catalog result returned by a cart driver search
type Product struct {
	Name     string `json:"name"`
	Price    string `json:"price,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	URL      string `json:"url"`
	Brand    string `json:"brand,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	InStock  bool   `json:"inStock"`
}

// Candidate converts a live result into a rank list entry.
func (p Product) Candidate() CandidateProduct {
	return CandidateProduct{
		Name:     p.Name,
		Price:    p.Price,
		ImageURL: p.ImageURL,
		URL:      p.URL,
		Brand:    p.Brand,
		ItemID:   p.ItemID,
	}
}

// CandidateProduct is one entry of a grocery item's ranked preference list.
// The product URL identifies the entry; names are display only.
type CandidateProduct struct {
	Name            string     `json:"name" yaml:"name"`
	Price           string     `json:"price,omitempty" yaml:"price,omitempty"`
	ImageURL        string     `json:"imageUrl,omitempty" yaml:"image_url,omitempty"`
	URL             string     `json:"url" yaml:"url"`
	Brand           string     `json:"brand,omitempty" yaml:"brand,omitempty"`
	ItemID          string     `json:"itemId,omitempty" yaml:"item_id,omitempty"`
	LastSeenInStock *time.Time `json:"lastSeenInStock,omitempty" yaml:"last_seen_in_stock,omitempty"`
}

// Key returns the dedup key of the candidate.
func (c CandidateProduct) Key() string {
	return ProductKey(c.URL)
}

// ProductKey normalizes a product URL for identity comparisons.
// Scheme and host are case-insensitive; a trailing slash is ignored.
func ProductKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		return strings.TrimRight(trimmed, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = strings.TrimRight(u.RawPath, "/")
	return u.String()
}

// SameProduct reports whether two URLs identify the same product.
// Empty URLs never match.
func SameProduct(a, b string) bool {
	ka, kb := ProductKey(a), ProductKey(b)
	return ka != "" && ka == kb
}
