package domain

import "errors"

var (
	// ErrAuthentication is returned when the list source or cart rejects our
	// credentials. It is fatal to a session and requires a manual re-login.
	ErrAuthentication = errors.New("authentication failed")

	// ErrListFetch is returned when the shopping list cannot be read
	ErrListFetch = errors.New("shopping list fetch failed")

	// ErrResolutionMiss is returned when a list entry matches no known grocery item
	ErrResolutionMiss = errors.New("no grocery item matches name")

	// ErrSearchFailure is returned when a product search fails or yields nothing
	ErrSearchFailure = errors.New("product search failed")

	// ErrCartOperation is returned when adding a product to the cart fails
	ErrCartOperation = errors.New("cart operation failed")

	// ErrNotFound is returned when a grocery item, alias or product does not exist
	ErrNotFound = errors.New("not found")

	// ErrAliasConflict is returned when an alias already belongs to another item
	ErrAliasConflict = errors.New("alias belongs to another grocery item")

	// ErrInvalidRequest is returned when request parameters are invalid
	ErrInvalidRequest = errors.New("invalid request parameters")

	// ErrInvalidTransition is returned when a phase or status change is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSessionNotFound is returned when no active order session has the given id
	ErrSessionNotFound = errors.New("order session not found")

	// ErrReviewIncomplete is returned when commit is requested while items still need review
	ErrReviewIncomplete = errors.New("items still need review")
)
