package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexacart/backend/internal/domain"
	"go.uber.org/zap"
)

// CommitExecutor applies review decisions: adds selected products to the
// cart, checks entries off the shopping list, learns from corrections and
// writes the order log.
type CommitExecutor struct {
	cart    *cartOps
	list    domain.ListSource
	prefs   *PreferenceService
	logs    domain.OrderLogRepository
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewCommitExecutor creates a commit executor. timeout bounds each cart add
// and each check-off.
func NewCommitExecutor(
	driver domain.CartDriver,
	list domain.ListSource,
	prefs *PreferenceService,
	logs domain.OrderLogRepository,
	bus *EventBus,
	timeout time.Duration,
	logger *zap.Logger,
) *CommitExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommitExecutor{
		cart:    &cartOps{driver: driver, bus: bus, timeout: timeout},
		list:    list,
		prefs:   prefs,
		logs:    logs,
		timeout: timeout,
		logger:  logger.Named("commit"),
		now:     time.Now,
	}
}

// Execute commits every line item in list order. Items are independent:
// a failure is recorded on the item and the next one proceeds. An
// authentication failure from the list stops the commit; items already
// committed are still learned from and logged, and the error is returned.
func (e *CommitExecutor) Execute(ctx context.Context, session *domain.OrderSession) (domain.CommitCounts, error) {
	var (
		counts domain.CommitCounts
		fatal  error
	)

	for idx := 0; idx < session.Len() && fatal == nil; idx++ {
		item, err := session.Item(idx)
		if err != nil {
			continue
		}

		switch item.Status {
		case domain.StatusSkipped:
			counts.Skipped++
			e.publish(session, item)

		case domain.StatusAutoAdded:
			item, err = e.cart.mark(session, idx, domain.StatusCommitted, func(li *domain.LineItem) {
				li.Message = "in cart"
			})
			if err != nil {
				counts.Failed++
				continue
			}
			counts.Committed++
			fatal = e.checkOff(ctx, session, item)

		case domain.StatusSelected:
			url := item.Selection.TargetURL()
			item, err = e.cart.addAndMark(ctx, session, idx, url, domain.StatusCommitted, func(li *domain.LineItem) {
				li.Message = "added to cart"
			})
			if err != nil {
				e.logger.Warn("Cart add failed", zap.String("product", url), zap.Error(err))
				_, _ = e.cart.mark(session, idx, domain.StatusFailed, func(li *domain.LineItem) {
					li.Message = err.Error()
				})
				counts.Failed++
				continue
			}
			counts.Committed++
			fatal = e.checkOff(ctx, session, item)

		default:
			counts.Failed++
			e.publish(session, item)
		}
	}

	final := session.Snapshot().Items
	e.learn(ctx, final)
	e.writeLog(ctx, session.ID(), final)

	return counts, fatal
}

func (e *CommitExecutor) publish(session *domain.OrderSession, item domain.LineItem) {
	if e.cart.bus != nil {
		e.cart.bus.Publish(domain.ItemEvent(session.ID(), item))
	}
}

// checkOff marks every source entry of a committed item as completed.
// A failure keeps the item committed and surfaces as a warning. An
// authentication failure is returned and the remaining entries are left.
func (e *CommitExecutor) checkOff(ctx context.Context, session *domain.OrderSession, item domain.LineItem) error {
	for _, entry := range item.Sources {
		opCtx, cancel := e.opContext(ctx)
		err := e.list.CheckOff(opCtx, entry)
		cancel()
		if err == nil {
			continue
		}
		e.logger.Warn("Check-off failed", zap.String("entry", entry.Name), zap.Error(err))
		_, _ = session.Annotate(item.Index,
			fmt.Sprintf("added to cart, check-off of %q failed: %v", entry.Name, err),
			e.cart.notifier(session))
		if errors.Is(err, domain.ErrAuthentication) {
			return fmt.Errorf("check off %q: %w", entry.Name, err)
		}
	}
	return nil
}

func (e *CommitExecutor) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// learn records a correction for every committed item whose final product
// was not the rank-1 proposal. Unresolved items get a grocery item first.
func (e *CommitExecutor) learn(ctx context.Context, items []domain.LineItem) {
	if e.prefs == nil {
		return
	}
	for i := range items {
		item := &items[i]
		if item.Status != domain.StatusCommitted || !item.Corrected {
			continue
		}
		chosen, ok := finalCandidate(*item)
		if !ok {
			continue
		}

		if item.GroceryItemID == nil {
			created, err := e.prefs.CreateItem(ctx, item.SourceName)
			if err != nil {
				e.logger.Warn("Could not create grocery item", zap.String("name", item.SourceName), zap.Error(err))
				continue
			}
			id := created.ID
			item.GroceryItemID = &id
		}

		if err := e.prefs.RecordCorrection(ctx, *item.GroceryItemID, chosen, item.Proposed != nil); err != nil {
			e.logger.Warn("Could not record correction", zap.String("item", item.SourceName), zap.Error(err))
		}
	}
}

// finalCandidate is the product the item ended up with
func finalCandidate(item domain.LineItem) (domain.CandidateProduct, bool) {
	sel := item.Selection
	if sel == nil || sel.Kind == domain.SelectSkip {
		return domain.CandidateProduct{}, false
	}
	if sel.Kind == domain.SelectCustom {
		return domain.CandidateProduct{Name: sel.URL, URL: sel.URL}, sel.URL != ""
	}
	if sel.Product == nil {
		return domain.CandidateProduct{}, false
	}
	return sel.Product.Candidate(), true
}

func (e *CommitExecutor) writeLog(ctx context.Context, sessionID string, items []domain.LineItem) {
	if e.logs == nil {
		return
	}
	now := e.now()
	entries := make([]domain.OrderLogEntry, 0, len(items))
	for _, item := range items {
		entry := domain.OrderLogEntry{
			SessionID:     sessionID,
			SourceText:    item.SourceName,
			GroceryItemID: item.GroceryItemID,
			WasCorrected:  item.Status == domain.StatusCommitted && item.Corrected,
			AddedToCart:   item.Status == domain.StatusCommitted,
			Skipped:       item.Status == domain.StatusSkipped,
			CreatedAt:     now,
		}
		if item.Proposed != nil {
			entry.ProposedProduct = item.Proposed.Name
		}
		if final, ok := finalCandidate(item); ok {
			entry.FinalProduct = final.Name
			entry.ProductURL = final.URL
		}
		entries = append(entries, entry)
	}
	if err := e.logs.Append(ctx, entries); err != nil {
		e.logger.Error("Could not write order log", zap.String("session", sessionID), zap.Error(err))
	}
}
