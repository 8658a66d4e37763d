package domain

import (
	"context"
	"time"
)

// PreferenceRepository persists grocery items with their aliases and rank lists.
// Missing rows are reported as ErrNotFound.
type PreferenceRepository interface {
	Get(ctx context.Context, id int64) (*GroceryItem, error)
	FindByName(ctx context.Context, name string) (*GroceryItem, error)
	FindByAlias(ctx context.Context, alias string) (*GroceryItem, error)
	List(ctx context.Context) ([]GroceryItem, error)
	Create(ctx context.Context, name string) (*GroceryItem, error)
	// Save replaces the item's aliases and rank list; Products[0] is rank 1.
	Save(ctx context.Context, item *GroceryItem) error
	Delete(ctx context.Context, id int64) error
	// Merge saves target and deletes sourceID atomically.
	Merge(ctx context.Context, target *GroceryItem, sourceID int64) error
	MarkSeenInStock(ctx context.Context, id int64, url string, at time.Time) error
}

// OrderLogRepository persists the order history
type OrderLogRepository interface {
	Append(ctx context.Context, entries []OrderLogEntry) error
	Recent(ctx context.Context, limit int) ([]OrderLogEntry, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteAll(ctx context.Context) error
}

// SessionRegistry holds the sessions that are still live in memory
type SessionRegistry interface {
	Put(session *OrderSession)
	Get(id string) (*OrderSession, bool)
	Delete(id string)
}

// ListSource is the voice-assistant shopping list.
// Both operations may fail with ErrAuthentication.
type ListSource interface {
	FetchItems(ctx context.Context) ([]ListEntry, error)
	CheckOff(ctx context.Context, entry ListEntry) error
}

// CartDriver searches the grocery catalog and mutates the cart.
// Errors are transient and scoped to one item.
type CartDriver interface {
	Search(ctx context.Context, query string) ([]Product, error)
	AddToCart(ctx context.Context, productURL string) error
}
