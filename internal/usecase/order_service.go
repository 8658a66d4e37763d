package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexacart/backend/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 500

// OrderServiceConfig holds configuration for the order orchestrator
type OrderServiceConfig struct {
	// SessionTimeout bounds the searching phase; zero disables it.
	SessionTimeout time.Duration
	CommitTimeout  time.Duration
	Search         SearchConfig
}

// ReviewAction is what a reviewer does with a line item
type ReviewAction string

const (
	ReviewSelect ReviewAction = "select"
	ReviewCustom ReviewAction = "custom"
	ReviewSkip   ReviewAction = "skip"
)

// Review is one human decision for a line item
type Review struct {
	Action      ReviewAction `json:"action"`
	OptionIndex int          `json:"optionIndex"`
	URL         string       `json:"url"`
}

// run is the background state of one session
type run struct {
	// mu orders a cancel against the move into review
	mu         sync.Mutex
	cancelled  atomic.Bool
	searchDone chan struct{}
}

// OrderService drives order sessions through fetch, match, search, review
// and commit.
type OrderService struct {
	list        domain.ListSource
	driver      domain.CartDriver
	prefs       *PreferenceService
	logs        domain.OrderLogRepository
	registry    domain.SessionRegistry
	bus         *EventBus
	coordinator *SearchCoordinator
	committer   *CommitExecutor
	timeout     time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu   sync.Mutex
	runs map[string]*run
	// tracks pipeline goroutines so Wait can drain them
	wg sync.WaitGroup
}

// NewOrderService creates an order orchestrator with its dependencies
func NewOrderService(
	list domain.ListSource,
	driver domain.CartDriver,
	prefs *PreferenceService,
	logs domain.OrderLogRepository,
	registry domain.SessionRegistry,
	bus *EventBus,
	config OrderServiceConfig,
	logger *zap.Logger,
) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Search.CartTimeout == 0 {
		config.Search.CartTimeout = config.CommitTimeout
	}
	return &OrderService{
		list:        list,
		driver:      driver,
		prefs:       prefs,
		logs:        logs,
		registry:    registry,
		bus:         bus,
		coordinator: NewSearchCoordinator(driver, prefs, bus, config.Search, logger),
		committer:   NewCommitExecutor(driver, list, prefs, logs, bus, config.CommitTimeout, logger),
		timeout:     config.SessionTimeout,
		logger:      logger.Named("orders"),
		now:         time.Now,
		runs:        make(map[string]*run),
	}
}

// Start creates a session and runs it up to the review phase in the
// background. The returned id can be subscribed to immediately.
func (s *OrderService) Start(ctx context.Context) (string, error) {
	id := uuid.NewString()
	session := domain.NewOrderSession(id, s.now())

	r := &run{searchDone: make(chan struct{})}
	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()

	s.bus.Open(id)
	s.registry.Put(session)
	s.bus.Publish(domain.PhaseEvent(id, domain.PhaseFetching, "fetching shopping list"))

	s.logger.Info("Order session started", zap.String("session", id))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pipeline(context.WithoutCancel(ctx), session, r)
	}()
	return id, nil
}

// Wait blocks until every background pipeline and commit has returned
func (s *OrderService) Wait() {
	s.wg.Wait()
}

func (s *OrderService) pipeline(ctx context.Context, session *domain.OrderSession, r *run) {
	entries, err := s.list.FetchItems(ctx)
	if err != nil {
		close(r.searchDone)
		s.fail(session, fmt.Sprintf("fetch shopping list: %v", err))
		return
	}
	if len(entries) == 0 {
		close(r.searchDone)
		s.fail(session, "shopping list is empty")
		return
	}
	if r.cancelled.Load() || !s.advance(session, domain.PhaseMatching, fmt.Sprintf("matching %d entries", len(entries))) {
		close(r.searchDone)
		s.fail(session, "cancelled by user")
		return
	}

	items, err := s.match(ctx, entries)
	if err != nil {
		close(r.searchDone)
		s.fail(session, fmt.Sprintf("match entries: %v", err))
		return
	}
	if err := session.SetItems(items); err != nil || r.cancelled.Load() {
		close(r.searchDone)
		s.fail(session, "cancelled by user")
		return
	}
	if !s.advance(session, domain.PhaseSearching, fmt.Sprintf("searching %d items", len(items))) {
		close(r.searchDone)
		return
	}

	s.search(ctx, session, r)

	r.mu.Lock()
	cancelled := r.cancelled.Load()
	if !cancelled {
		n := len(session.PendingReview())
		s.advance(session, domain.PhaseReviewing, fmt.Sprintf("%d items need review", n))
	}
	r.mu.Unlock()
	if cancelled {
		s.fail(session, "cancelled by user")
	}
}

// search runs the coordinator under the session timeout. On timeout the
// items that have not finished are failed; late results are discarded.
func (s *OrderService) search(ctx context.Context, session *domain.OrderSession, r *run) {
	var (
		searchCtx context.Context
		cancel    context.CancelFunc
	)
	if s.timeout > 0 {
		searchCtx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		searchCtx, cancel = context.WithCancel(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(r.searchDone)
		s.coordinator.Run(searchCtx, session, r.cancelled.Load)
	}()

	select {
	case <-r.searchDone:
	case <-searchCtx.Done():
	}

	if errors.Is(searchCtx.Err(), context.DeadlineExceeded) && !r.cancelled.Load() {
		expired := session.ExpireSearch("search timed out", s.publishItem(session))
		if len(expired) > 0 {
			s.logger.Warn("Search window closed", zap.String("session", session.ID()), zap.Int("expired", len(expired)))
		}
	}
}

// match resolves every entry and collapses entries that resolve to the same
// grocery item, or share normalized text when unresolved.
func (s *OrderService) match(ctx context.Context, entries []domain.ListEntry) ([]domain.LineItem, error) {
	var items []domain.LineItem
	byKey := make(map[string]int)

	for _, entry := range entries {
		item, err := s.prefs.Resolve(ctx, entry.Name)
		if err != nil && !errors.Is(err, domain.ErrResolutionMiss) {
			return nil, err
		}

		key := "text:" + domain.NormalizeName(entry.Name)
		if item != nil {
			key = "item:" + strconv.FormatInt(item.ID, 10)
		}
		if i, ok := byKey[key]; ok {
			items[i].Sources = append(items[i].Sources, entry)
			continue
		}

		li := domain.LineItem{
			SourceName: entry.Name,
			Sources:    []domain.ListEntry{entry},
		}
		if item != nil {
			id := item.ID
			li.GroceryItemID = &id
			li.GroceryItemName = item.Name
			li.Ranked = item.Products
			if len(item.Products) > 0 {
				top := item.Products[0]
				li.Proposed = &top
			}
		}
		byKey[key] = len(items)
		items = append(items, li)
	}
	return items, nil
}

func (s *OrderService) advance(session *domain.OrderSession, next domain.Phase, msg string) bool {
	if err := session.Advance(next, s.now()); err != nil {
		s.logger.Debug("Phase change rejected", zap.String("session", session.ID()), zap.Error(err))
		return false
	}
	ev := domain.PhaseEvent(session.ID(), next, msg)
	s.bus.Publish(ev)
	return true
}

// publishItem returns a notifier that publishes item changes of session
func (s *OrderService) publishItem(session *domain.OrderSession) func(domain.LineItem) {
	return func(item domain.LineItem) {
		s.bus.Publish(domain.ItemEvent(session.ID(), item))
	}
}

func (s *OrderService) fail(session *domain.OrderSession, reason string) {
	if err := session.Fail(reason, s.now()); err != nil {
		return
	}
	s.logger.Warn("Order session failed", zap.String("session", session.ID()), zap.String("reason", reason))
	s.bus.Publish(domain.PhaseEvent(session.ID(), domain.PhaseFailed, reason))
	s.bus.Close(session.ID())
}

func (s *OrderService) session(id string) (*domain.OrderSession, error) {
	session, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return session, nil
}

func (s *OrderService) runFor(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// Get returns a snapshot of a live session
func (s *OrderService) Get(ctx context.Context, id string) (*domain.SessionSnapshot, error) {
	session, err := s.session(id)
	if err != nil {
		return nil, err
	}
	snap := session.Snapshot()
	return &snap, nil
}

// SubmitReview applies a reviewer decision to line item idx
func (s *OrderService) SubmitReview(ctx context.Context, id string, idx int, review Review) (*domain.LineItem, error) {
	session, err := s.session(id)
	if err != nil {
		return nil, err
	}
	current, err := session.Item(idx)
	if err != nil {
		return nil, err
	}

	var sel domain.Selection
	switch review.Action {
	case ReviewSelect:
		if review.OptionIndex < 0 || review.OptionIndex >= len(current.Options) {
			return nil, fmt.Errorf("%w: option %d out of range", domain.ErrInvalidRequest, review.OptionIndex)
		}
		product := current.Options[review.OptionIndex]
		sel = domain.Selection{Kind: domain.SelectProduct, Product: &product}
	case ReviewCustom:
		if !validProductURL(review.URL) {
			return nil, fmt.Errorf("%w: custom url %q", domain.ErrInvalidRequest, review.URL)
		}
		sel = domain.Selection{Kind: domain.SelectCustom, URL: strings.TrimSpace(review.URL)}
	case ReviewSkip:
		sel = domain.Selection{Kind: domain.SelectSkip}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidRequest, review.Action)
	}

	item, err := session.ReviewNotify(idx, sel, s.publishItem(session))
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func validProductURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Commit starts committing a fully reviewed session in the background.
func (s *OrderService) Commit(ctx context.Context, id string) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	if phase := session.Phase(); phase != domain.PhaseReviewing {
		return fmt.Errorf("%w: commit in phase %s", domain.ErrInvalidTransition, phase)
	}
	if pending := session.PendingReview(); len(pending) > 0 {
		return fmt.Errorf("%w: items %v", domain.ErrReviewIncomplete, pending)
	}
	if err := session.Advance(domain.PhaseCommitting, s.now()); err != nil {
		return err
	}
	s.bus.Publish(domain.PhaseEvent(id, domain.PhaseCommitting, "committing"))

	r := s.runFor(id)
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// searches cut off by the session timeout may still be unwinding
		if r != nil {
			<-r.searchDone
		}
		counts, err := s.committer.Execute(bg, session)
		if err != nil {
			s.fail(session, fmt.Sprintf("commit stopped: %v", err))
			return
		}
		if err := session.Advance(domain.PhaseDone, s.now()); err != nil {
			s.logger.Error("Could not finish session", zap.String("session", id), zap.Error(err))
		}
		ev := domain.PhaseEvent(id, domain.PhaseDone,
			fmt.Sprintf("%d committed, %d failed, %d skipped", counts.Committed, counts.Failed, counts.Skipped))
		ev.Counts = &counts
		s.bus.Publish(ev)
		s.bus.Close(id)
		s.logger.Info("Order session committed",
			zap.String("session", id),
			zap.Int("committed", counts.Committed),
			zap.Int("failed", counts.Failed),
			zap.Int("skipped", counts.Skipped))
	}()
	return nil
}

// Cancel abandons a session. A session still searching stops dispatching
// and fails once running searches return; a session under review fails now.
func (s *OrderService) Cancel(ctx context.Context, id string) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	r := s.runFor(id)
	if r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	switch phase := session.Phase(); phase {
	case domain.PhaseFetching, domain.PhaseMatching, domain.PhaseSearching:
		if r != nil {
			r.cancelled.Store(true)
		}
		return nil
	case domain.PhaseReviewing:
		if err := session.Fail("cancelled by user", s.now()); err != nil {
			return err
		}
		s.bus.Publish(domain.PhaseEvent(id, domain.PhaseFailed, "cancelled by user"))
		s.bus.Close(id)
		return nil
	default:
		return fmt.Errorf("%w: cancel in phase %s", domain.ErrInvalidTransition, phase)
	}
}

// Subscribe streams the session's progress events, replaying past ones
func (s *OrderService) Subscribe(ctx context.Context, id string) (<-chan domain.ProgressEvent, error) {
	return s.bus.Subscribe(ctx, id)
}

// Forget drops the background state of an evicted session
func (s *OrderService) Forget(id string) {
	s.bus.Remove(id)
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
}

// SearchProducts runs a catalog search for the review picker
func (s *OrderService) SearchProducts(ctx context.Context, query string) ([]domain.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidRequest)
	}
	results, err := s.driver.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSearchFailure, err)
	}
	return results, nil
}

// History returns past sessions, newest first, built from the most recent
// limit log entries.
func (s *OrderService) History(ctx context.Context, limit int) ([]domain.SessionHistory, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	entries, err := s.logs.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}

	var out []domain.SessionHistory
	byID := make(map[string]int)
	for _, e := range entries {
		i, ok := byID[e.SessionID]
		if !ok {
			i = len(out)
			byID[e.SessionID] = i
			out = append(out, domain.SessionHistory{SessionID: e.SessionID, CreatedAt: e.CreatedAt})
		}
		h := &out[i]
		h.Entries = append(h.Entries, e)
		if e.CreatedAt.Before(h.CreatedAt) {
			h.CreatedAt = e.CreatedAt
		}
	}
	return out, nil
}

// DeleteHistory removes the log entries of one session
func (s *OrderService) DeleteHistory(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return domain.ErrInvalidRequest
	}
	return s.logs.DeleteSession(ctx, sessionID)
}

// DeleteAllHistory clears the order log
func (s *OrderService) DeleteAllHistory(ctx context.Context) error {
	return s.logs.DeleteAll(ctx)
}
