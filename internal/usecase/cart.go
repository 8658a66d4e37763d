package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/alexacart/backend/internal/domain"
)

// cartOps is the add-and-mark step shared by search auto-add and commit.
type cartOps struct {
	driver  domain.CartDriver
	bus     *EventBus
	timeout time.Duration
}

// notifier publishes item changes of session. It runs under the session lock.
func (c *cartOps) notifier(session *domain.OrderSession) func(domain.LineItem) {
	if c.bus == nil {
		return nil
	}
	return func(item domain.LineItem) {
		c.bus.Publish(domain.ItemEvent(session.ID(), item))
	}
}

// mark transitions item idx and publishes the resulting item event.
func (c *cartOps) mark(session *domain.OrderSession, idx int, to domain.ItemStatus, mutate func(*domain.LineItem)) (domain.LineItem, error) {
	return session.TransitionNotify(idx, to, mutate, c.notifier(session))
}

// settle records an add that reached the cart after item idx stopped
// searching.
func (c *cartOps) settle(session *domain.OrderSession, idx int, mutate func(*domain.LineItem)) (domain.LineItem, error) {
	return session.SettleCartAdd(idx, mutate, c.notifier(session))
}

// addAndMark adds url to the cart and, only when that succeeds, moves the
// item to status to. A cart failure leaves the item untouched. When the add
// succeeds but the move is rejected the returned error wraps
// domain.ErrInvalidTransition and the product is in the cart.
func (c *cartOps) addAndMark(ctx context.Context, session *domain.OrderSession, idx int, url string, to domain.ItemStatus, mutate func(*domain.LineItem)) (domain.LineItem, error) {
	if url == "" {
		return domain.LineItem{}, fmt.Errorf("%w: no product url", domain.ErrCartOperation)
	}

	addCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		addCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.driver.AddToCart(addCtx, url); err != nil {
		return domain.LineItem{}, fmt.Errorf("%w: %v", domain.ErrCartOperation, err)
	}
	return c.mark(session, idx, to, mutate)
}
