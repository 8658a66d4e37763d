package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexacart/backend/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultSearchConcurrency = 4

// SearchConfig holds configuration for the search coordinator
type SearchConfig struct {
	Concurrency int
	TaskTimeout time.Duration
	CartTimeout time.Duration
}

// SearchCoordinator runs one product search per line item with bounded
// parallelism and applies the auto-add policy to each result.
type SearchCoordinator struct {
	driver      domain.CartDriver
	prefs       *PreferenceService
	cart        *cartOps
	concurrency int
	taskTimeout time.Duration
	logger      *zap.Logger
}

// NewSearchCoordinator creates a coordinator that reports through bus
func NewSearchCoordinator(
	driver domain.CartDriver,
	prefs *PreferenceService,
	bus *EventBus,
	config SearchConfig,
	logger *zap.Logger,
) *SearchCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSearchConcurrency
	}
	return &SearchCoordinator{
		driver:      driver,
		prefs:       prefs,
		cart:        &cartOps{driver: driver, bus: bus, timeout: config.CartTimeout},
		concurrency: concurrency,
		taskTimeout: config.TaskTimeout,
		logger:      logger.Named("search"),
	}
}

// Run searches every line item of session and returns once all dispatched
// tasks have finished. Items are dispatched in list order. Dispatch stops
// when ctx is done or stopped reports true; tasks already running keep going.
// Items whose search is cut short by ctx are left for the caller to expire.
func (c *SearchCoordinator) Run(ctx context.Context, session *domain.OrderSession, stopped func() bool) {
	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for idx := 0; idx < session.Len(); idx++ {
		if ctx.Err() != nil || (stopped != nil && stopped()) {
			c.logger.Info("Stopped dispatching searches",
				zap.String("session", session.ID()),
				zap.Int("dispatched", idx))
			break
		}
		g.Go(func() error {
			// the slot may have opened after the stop
			if ctx.Err() != nil || (stopped != nil && stopped()) {
				return nil
			}
			c.searchItem(ctx, session, idx)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *SearchCoordinator) searchItem(ctx context.Context, session *domain.OrderSession, idx int) {
	item, err := c.cart.mark(session, idx, domain.StatusSearching, func(li *domain.LineItem) {
		li.Message = "searching"
	})
	if err != nil {
		// already expired by the session timeout
		return
	}

	taskCtx := ctx
	if c.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.taskTimeout)
		defer cancel()
	}

	query := item.Query()
	results, err := c.driver.Search(taskCtx, query)
	if err == nil && len(results) == 0 {
		err = fmt.Errorf("%w: no results for %q", domain.ErrSearchFailure, query)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Warn("Search failed", zap.String("query", query), zap.Error(err))
		c.needsReview(session, idx, nil, err.Error())
		return
	}

	c.stampInStock(ctx, item, results)

	product, rank, ok := chooseAutoAdd(item.Ranked, results)
	if !ok {
		msg := "no preferred product in stock"
		if len(item.Ranked) == 0 {
			msg = "no preferences yet"
		}
		c.needsReview(session, idx, results, msg)
		return
	}

	_, err = c.cart.addAndMark(taskCtx, session, idx, product.URL, domain.StatusAutoAdded, func(li *domain.LineItem) {
		li.Options = results
		li.Selection = &domain.Selection{Kind: domain.SelectProduct, Product: &product}
		li.Message = fmt.Sprintf("added rank %d: %s", rank, product.Name)
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// the product is in the cart but the item was expired meanwhile
		_, serr := c.cart.settle(session, idx, func(li *domain.LineItem) {
			li.Options = results
			li.Selection = &domain.Selection{Kind: domain.SelectProduct, Product: &product}
			li.Message = fmt.Sprintf("added rank %d after search timed out: %s", rank, product.Name)
		})
		if serr != nil {
			c.logger.Error("Cart add not recorded", zap.String("product", product.URL), zap.Error(serr))
		} else {
			c.logger.Warn("Late auto-add recorded", zap.String("product", product.URL))
		}
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("Auto-add failed", zap.String("product", product.URL), zap.Error(err))
		c.needsReview(session, idx, results, err.Error())
		return
	}
	c.logger.Debug("Auto-added product",
		zap.String("query", query),
		zap.String("product", product.Name),
		zap.Int("rank", rank))
}

func (c *SearchCoordinator) needsReview(session *domain.OrderSession, idx int, options []domain.Product, msg string) {
	_, _ = c.cart.mark(session, idx, domain.StatusNeedsReview, func(li *domain.LineItem) {
		li.Options = options
		li.Message = msg
	})
}

// stampInStock refreshes last-seen-in-stock for ranked candidates present in
// the live results. Failures only get logged.
func (c *SearchCoordinator) stampInStock(ctx context.Context, item domain.LineItem, results []domain.Product) {
	if c.prefs == nil || item.GroceryItemID == nil {
		return
	}
	for _, cand := range item.Ranked {
		for _, r := range results {
			if r.InStock && domain.SameProduct(cand.URL, r.URL) {
				if err := c.prefs.MarkSeenInStock(ctx, *item.GroceryItemID, cand.URL); err != nil {
					c.logger.Debug("Could not stamp stock", zap.String("product", cand.URL), zap.Error(err))
				}
				break
			}
		}
	}
}

// chooseAutoAdd walks the rank list and returns the first candidate that is
// present and in stock in the live results, with its 1-based rank.
func chooseAutoAdd(ranked []domain.CandidateProduct, results []domain.Product) (domain.Product, int, bool) {
	for i, cand := range ranked {
		for _, r := range results {
			if r.InStock && domain.SameProduct(cand.URL, r.URL) {
				return r, i + 1, true
			}
		}
	}
	return domain.Product{}, 0, false
}
