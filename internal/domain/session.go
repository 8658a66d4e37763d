package domain

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the coarse state of an order session
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseMatching   Phase = "matching"
	PhaseSearching  Phase = "searching"
	PhaseReviewing  Phase = "reviewing"
	PhaseCommitting Phase = "committing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// nextPhase is the only forward move allowed out of each phase
var nextPhase = map[Phase]Phase{
	PhaseFetching:   PhaseMatching,
	PhaseMatching:   PhaseSearching,
	PhaseSearching:  PhaseReviewing,
	PhaseReviewing:  PhaseCommitting,
	PhaseCommitting: PhaseDone,
}

// IsTerminal reports whether no further transition is possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// CanTransitionTo reports whether next directly follows p.
// Any non-terminal phase may fail.
func (p Phase) CanTransitionTo(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	return nextPhase[p] == next
}

// ItemStatus is the per-line-item lifecycle state
type ItemStatus string

const (
	StatusPending     ItemStatus = "pending"
	StatusSearching   ItemStatus = "searching"
	StatusAutoAdded   ItemStatus = "auto-added"
	StatusNeedsReview ItemStatus = "needs-review"
	StatusSelected    ItemStatus = "selected"
	StatusSkipped     ItemStatus = "skipped"
	StatusCommitted   ItemStatus = "committed"
	StatusFailed      ItemStatus = "failed"
)

// statusTransitions lists automatic (non-review) moves.
// pending -> failed covers items still queued when the search window closes.
var statusTransitions = map[ItemStatus][]ItemStatus{
	StatusPending:   {StatusSearching, StatusFailed},
	StatusSearching: {StatusAutoAdded, StatusNeedsReview, StatusFailed},
	StatusAutoAdded: {StatusCommitted, StatusFailed},
	StatusSelected:  {StatusCommitted, StatusFailed},
}

// reviewable statuses accept a human selection or skip
var reviewable = map[ItemStatus]bool{
	StatusNeedsReview: true,
	StatusSelected:    true,
	StatusSkipped:     true,
	StatusFailed:      true,
}

// CanTransitionTo reports whether the status may move to next without review.
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reviewable reports whether a human may set a selection on an item in s.
func (s ItemStatus) Reviewable() bool {
	return reviewable[s]
}

// ReadyForCommit reports whether the item needs no further review.
func (s ItemStatus) ReadyForCommit() bool {
	switch s {
	case StatusAutoAdded, StatusSelected, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// SelectionKind says how a line item will be satisfied
type SelectionKind string

const (
	SelectProduct SelectionKind = "product"
	SelectCustom  SelectionKind = "custom"
	SelectSkip    SelectionKind = "skip"
)

// Selection is the product chosen for a line item, by policy or by a human.
type Selection struct {
	Kind    SelectionKind `json:"kind"`
	Product *Product      `json:"product,omitempty"`
	URL     string        `json:"url,omitempty"`
}

// TargetURL is the URL handed to the cart.
func (s *Selection) TargetURL() string {
	if s == nil {
		return ""
	}
	if s.Kind == SelectCustom {
		return s.URL
	}
	if s.Product != nil {
		return s.Product.URL
	}
	return ""
}

// ListEntry is one entry of the source shopping list.
type ListEntry struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	ListID  string         `json:"listId,omitempty"`
	Version int            `json:"version,omitempty"`
	Payload map[string]any `json:"-"`
}

// LineItem tracks one list entry through a session.
type LineItem struct {
	Index           int                `json:"index"`
	SourceName      string             `json:"sourceName"`
	Sources         []ListEntry        `json:"sources"`
	GroceryItemID   *int64             `json:"groceryItemId,omitempty"`
	GroceryItemName string             `json:"groceryItemName,omitempty"`
	Ranked          []CandidateProduct `json:"ranked,omitempty"`
	Proposed        *CandidateProduct  `json:"proposed,omitempty"`
	Options         []Product          `json:"options"`
	Selection       *Selection         `json:"selection,omitempty"`
	Status          ItemStatus         `json:"status"`
	Corrected       bool               `json:"corrected"`
	Message         string             `json:"message,omitempty"`
}

// Query is the search text for the item: the canonical name when resolved,
// the literal list text otherwise.
func (li *LineItem) Query() string {
	if li.GroceryItemName != "" {
		return li.GroceryItemName
	}
	return li.SourceName
}

func (li LineItem) clone() LineItem {
	out := li
	out.Sources = append([]ListEntry(nil), li.Sources...)
	out.Ranked = append([]CandidateProduct(nil), li.Ranked...)
	out.Options = append([]Product(nil), li.Options...)
	if li.GroceryItemID != nil {
		id := *li.GroceryItemID
		out.GroceryItemID = &id
	}
	if li.Proposed != nil {
		p := *li.Proposed
		out.Proposed = &p
	}
	if li.Selection != nil {
		sel := *li.Selection
		if sel.Product != nil {
			p := *sel.Product
			sel.Product = &p
		}
		out.Selection = &sel
	}
	return out
}

// OrderSession is one user-initiated run. All access goes through its methods;
// the search workers and the review API touch it concurrently.
type OrderSession struct {
	mu          sync.RWMutex
	id          string
	createdAt   time.Time
	completedAt *time.Time
	phase       Phase
	failure     string
	items       []LineItem
}

// SessionSnapshot is a point-in-time copy of an OrderSession
type SessionSnapshot struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Phase       Phase      `json:"phase"`
	Error       string     `json:"error,omitempty"`
	Items       []LineItem `json:"items"`
}

// NewOrderSession creates a session in the fetching phase.
func NewOrderSession(id string, now time.Time) *OrderSession {
	return &OrderSession{id: id, createdAt: now, phase: PhaseFetching}
}

func (s *OrderSession) ID() string { return s.id }

func (s *OrderSession) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Advance moves the session to the next phase.
func (s *OrderSession) Advance(next Phase, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == PhaseFailed || !s.phase.CanTransitionTo(next) {
		return fmt.Errorf("%w: phase %s -> %s", ErrInvalidTransition, s.phase, next)
	}
	if next == PhaseSearching {
		for _, it := range s.items {
			if it.Status != StatusPending {
				return fmt.Errorf("%w: item %d is %s before search", ErrInvalidTransition, it.Index, it.Status)
			}
		}
	}
	s.phase = next
	if next.IsTerminal() {
		s.completedAt = &now
	}
	return nil
}

// Fail moves the session to the terminal failed phase.
func (s *OrderSession) Fail(reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.CanTransitionTo(PhaseFailed) {
		return fmt.Errorf("%w: phase %s -> %s", ErrInvalidTransition, s.phase, PhaseFailed)
	}
	s.phase = PhaseFailed
	s.failure = reason
	s.completedAt = &now
	return nil
}

// SetItems installs the matched line items. Only valid while matching.
func (s *OrderSession) SetItems(items []LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseMatching {
		return fmt.Errorf("%w: items set in phase %s", ErrInvalidTransition, s.phase)
	}
	s.items = make([]LineItem, len(items))
	for i, it := range items {
		it.Index = i
		it.Status = StatusPending
		s.items[i] = it.clone()
	}
	return nil
}

// Len returns the number of line items.
func (s *OrderSession) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Item returns a copy of the line item at idx.
func (s *OrderSession) Item(idx int) (LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.items) {
		return LineItem{}, fmt.Errorf("%w: item %d", ErrNotFound, idx)
	}
	return s.items[idx].clone(), nil
}

// Transition moves item idx to status next and applies mutate under the
// session lock. The transition must be one of the automatic moves.
func (s *OrderSession) Transition(idx int, next ItemStatus, mutate func(*LineItem)) (LineItem, error) {
	return s.TransitionNotify(idx, next, mutate, nil)
}

// TransitionNotify is Transition with notify called on the changed item
// before the session lock is released, so notifications for one item are
// delivered in the order its status changed.
func (s *OrderSession) TransitionNotify(idx int, next ItemStatus, mutate func(*LineItem), notify func(LineItem)) (LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.items) {
		return LineItem{}, fmt.Errorf("%w: item %d", ErrNotFound, idx)
	}
	it := &s.items[idx]
	if !it.Status.CanTransitionTo(next) {
		return it.clone(), fmt.Errorf("%w: item %d %s -> %s", ErrInvalidTransition, idx, it.Status, next)
	}
	if mutate != nil {
		mutate(it)
	}
	it.Status = next
	return s.changed(it, notify), nil
}

// SettleCartAdd records a cart add that completed after item idx had left
// the searching status, either expired by the session timeout or reviewed
// since. The item becomes auto-added so commit does not add it again.
func (s *OrderSession) SettleCartAdd(idx int, mutate func(*LineItem), notify func(LineItem)) (LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.items) {
		return LineItem{}, fmt.Errorf("%w: item %d", ErrNotFound, idx)
	}
	it := &s.items[idx]
	switch it.Status {
	case StatusFailed, StatusSelected, StatusSkipped:
	default:
		return it.clone(), fmt.Errorf("%w: settle cart add on %s item %d", ErrInvalidTransition, it.Status, idx)
	}
	if mutate != nil {
		mutate(it)
	}
	it.Status = StatusAutoAdded
	it.Corrected = false
	return s.changed(it, notify), nil
}

// Annotate replaces the status message of item idx without changing status.
func (s *OrderSession) Annotate(idx int, message string, notify func(LineItem)) (LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.items) {
		return LineItem{}, fmt.Errorf("%w: item %d", ErrNotFound, idx)
	}
	s.items[idx].Message = message
	return s.changed(&s.items[idx], notify), nil
}

// changed copies it and hands the copy to notify. Callers hold s.mu.
func (s *OrderSession) changed(it *LineItem, notify func(LineItem)) LineItem {
	out := it.clone()
	if notify != nil {
		notify(out.clone())
	}
	return out
}

// Review applies a human decision to item idx. Only valid while reviewing.
func (s *OrderSession) Review(idx int, sel Selection) (LineItem, error) {
	return s.ReviewNotify(idx, sel, nil)
}

// ReviewNotify is Review with notify called under the session lock.
func (s *OrderSession) ReviewNotify(idx int, sel Selection, notify func(LineItem)) (LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReviewing {
		return LineItem{}, fmt.Errorf("%w: review in phase %s", ErrInvalidTransition, s.phase)
	}
	if idx < 0 || idx >= len(s.items) {
		return LineItem{}, fmt.Errorf("%w: item %d", ErrNotFound, idx)
	}
	it := &s.items[idx]
	if !it.Status.Reviewable() {
		return it.clone(), fmt.Errorf("%w: item %d is %s", ErrInvalidTransition, idx, it.Status)
	}
	if sel.Kind == SelectSkip {
		it.Selection = &Selection{Kind: SelectSkip}
		it.Status = StatusSkipped
		it.Corrected = false
		it.Message = "skipped"
		return s.changed(it, notify), nil
	}
	chosen := sel
	if chosen.Product != nil {
		p := *chosen.Product
		chosen.Product = &p
	}
	it.Selection = &chosen
	it.Status = StatusSelected
	it.Corrected = it.Proposed == nil || !SameProduct(it.Proposed.URL, chosen.TargetURL())
	it.Message = ""
	return s.changed(it, notify), nil
}

// ExpireSearch fails every item that has not finished searching.
// It returns the items that changed, each also passed to notify under the
// session lock.
func (s *OrderSession) ExpireSearch(reason string, notify func(LineItem)) []LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []LineItem
	for i := range s.items {
		it := &s.items[i]
		if it.Status == StatusPending || it.Status == StatusSearching {
			it.Status = StatusFailed
			it.Message = reason
			expired = append(expired, s.changed(it, notify))
		}
	}
	return expired
}

// PendingReview returns the indexes of items that still block commit.
func (s *OrderSession) PendingReview() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idx []int
	for _, it := range s.items {
		if !it.Status.ReadyForCommit() {
			idx = append(idx, it.Index)
		}
	}
	return idx
}

// Snapshot returns a deep copy of the session.
func (s *OrderSession) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := SessionSnapshot{
		ID:        s.id,
		CreatedAt: s.createdAt,
		Phase:     s.phase,
		Error:     s.failure,
		Items:     make([]LineItem, len(s.items)),
	}
	if s.completedAt != nil {
		t := *s.completedAt
		snap.CompletedAt = &t
	}
	for i, it := range s.items {
		snap.Items[i] = it.clone()
	}
	return snap
}
