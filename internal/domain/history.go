package domain

import "time"

// OrderLogEntry records what happened to one line item of a finished session
type OrderLogEntry struct {
	ID              int64     `json:"id" db:"id"`
	SessionID       string    `json:"sessionId" db:"session_id"`
	SourceText      string    `json:"sourceText" db:"source_text"`
	GroceryItemID   *int64    `json:"groceryItemId,omitempty" db:"grocery_item_id"`
	ProposedProduct string    `json:"proposedProduct,omitempty" db:"proposed_product"`
	FinalProduct    string    `json:"finalProduct,omitempty" db:"final_product"`
	ProductURL      string    `json:"productUrl,omitempty" db:"product_url"`
	WasCorrected    bool      `json:"wasCorrected" db:"was_corrected"`
	AddedToCart     bool      `json:"addedToCart" db:"added_to_cart"`
	Skipped         bool      `json:"skipped" db:"skipped"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// SessionHistory groups the log entries of one past session
type SessionHistory struct {
	SessionID string          `json:"sessionId"`
	CreatedAt time.Time       `json:"createdAt"`
	Entries   []OrderLogEntry `json:"entries"`
}
