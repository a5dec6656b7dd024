package ledger

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/store"
)

var (
	errOrderNotFound = errors.New("order not found")
	errOrderClosed   = errors.New("order already closed")
)

// OrderPatch lists the order fields UpdateOrder may change.
type OrderPatch struct {
	Status *store.OrderStatus
	UTR    *string
}

// CreateOrder stores a new order, assigning an id and timestamps.
func (l *Ledger) CreateOrder(ctx context.Context, order store.PaymentOrder) *store.PaymentOrder {
	now := l.now()
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	if order.Status == "" {
		order.Status = store.OrderCreated
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	err := l.store.UpdateOrders(ctx, func(orders store.Orders) error {
		orders[order.OrderID] = &order
		return nil
	})
	if err != nil {
		l.log.Error("Error creating order", zap.Int64("user_id", order.UserID), zap.Error(err))
		return nil
	}
	return &order
}

func (l *Ledger) GetOrder(ctx context.Context, id string) *store.PaymentOrder {
	orders, err := l.store.LoadOrders(ctx)
	if err != nil {
		l.log.Error("Error getting order", zap.String("order_id", id), zap.Error(err))
		return nil
	}
	return orders[id]
}

func (l *Ledger) UpdateOrder(ctx context.Context, id string, patch OrderPatch) *store.PaymentOrder {
	var updated *store.PaymentOrder
	err := l.store.UpdateOrders(ctx, func(orders store.Orders) error {
		o, ok := orders[id]
		if !ok {
			return errOrderNotFound
		}
		if patch.Status != nil {
			o.Status = *patch.Status
		}
		if patch.UTR != nil {
			o.UTR = *patch.UTR
		}
		o.UpdatedAt = l.now()
		updated = o
		return nil
	})
	if err != nil {
		l.logOrderErr("Error updating order", id, err)
		return nil
	}
	return updated
}

// CompleteOrder moves an open order to completed. It returns nil when the
// order is missing or was already completed or failed, so a caller granting
// credits on success can never grant twice.
func (l *Ledger) CompleteOrder(ctx context.Context, id string) *store.PaymentOrder {
	var completed *store.PaymentOrder
	err := l.store.UpdateOrders(ctx, func(orders store.Orders) error {
		o, ok := orders[id]
		if !ok {
			return errOrderNotFound
		}
		if o.Status != store.OrderCreated && o.Status != store.OrderPending {
			return errOrderClosed
		}
		o.Status = store.OrderCompleted
		o.UpdatedAt = l.now()
		completed = o
		return nil
	})
	if err != nil {
		l.logOrderErr("Error completing order", id, err)
		return nil
	}
	return completed
}

// Orders returns every order, newest first.
func (l *Ledger) Orders(ctx context.Context) []*store.PaymentOrder {
	orders, err := l.store.LoadOrders(ctx)
	if err != nil {
		l.log.Error("Error getting orders", zap.Error(err))
		return []*store.PaymentOrder{}
	}
	out := make([]*store.PaymentOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// LatestOpenOrder returns the user's newest order still waiting for payment.
func (l *Ledger) LatestOpenOrder(ctx context.Context, userID int64) *store.PaymentOrder {
	for _, o := range l.Orders(ctx) {
		if o.UserID == userID && o.Status == store.OrderCreated {
			return o
		}
	}
	return nil
}

type PaymentStats struct {
	TotalOrders     int             `json:"totalOrders"`
	CompletedOrders int             `json:"completedOrders"`
	PendingOrders   int             `json:"pendingOrders"`
	FailedOrders    int             `json:"failedOrders"`
	TotalRevenue    decimal.Decimal `json:"totalRevenue"`
}

// PaymentStats counts orders by status. Revenue sums completed orders only.
func (l *Ledger) PaymentStats(ctx context.Context) *PaymentStats {
	orders, err := l.store.LoadOrders(ctx)
	if err != nil {
		l.log.Error("Error getting payment stats", zap.Error(err))
		return nil
	}
	ps := &PaymentStats{TotalOrders: len(orders), TotalRevenue: decimal.Zero}
	for _, o := range orders {
		switch o.Status {
		case store.OrderCompleted:
			ps.CompletedOrders++
			ps.TotalRevenue = ps.TotalRevenue.Add(o.Amount)
		case store.OrderCreated, store.OrderPending:
			ps.PendingOrders++
		case store.OrderFailed:
			ps.FailedOrders++
		}
	}
	return ps
}

func (l *Ledger) logOrderErr(msg, id string, err error) {
	switch {
	case errors.Is(err, errOrderNotFound), errors.Is(err, errOrderClosed):
		l.log.Warn(msg, zap.String("order_id", id), zap.Error(err))
	default:
		l.log.Error(msg, zap.String("order_id", id), zap.Error(err))
	}
}
