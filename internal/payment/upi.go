// Package payment sells credit plans over UPI. Payments are verified by hand:
// the user pays, sends the transaction's UTR, and an operator completes the
// order from the admin API.
package payment

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/config"
	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/store"
)

const (
	PlanTier1 = "tier1"
	PlanTier2 = "tier2"
)

var utrPattern = regexp.MustCompile(`^\d{12}$`)

type Plan struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Messages int
	Images   int
}

type Service struct {
	ledger *ledger.Ledger
	upiID  string
	plans  map[string]Plan
	log    *zap.Logger
}

func NewService(l *ledger.Ledger, cfg config.PaymentConfig, log *zap.Logger) *Service {
	return &Service{
		ledger: l,
		upiID:  cfg.UPIID,
		plans: map[string]Plan{
			PlanTier1: planFromConfig(PlanTier1, "Basic Plan", cfg.Tier1),
			PlanTier2: planFromConfig(PlanTier2, "Premium Plan", cfg.Tier2),
		},
		log: log.Named("payment"),
	}
}

func planFromConfig(id, name string, p config.Plan) Plan {
	return Plan{
		ID:       id,
		Name:     name,
		Price:    decimal.NewFromInt(int64(p.Price)),
		Messages: p.Messages,
		Images:   p.Images,
	}
}

func (s *Service) Plan(id string) (Plan, bool) {
	p, ok := s.plans[id]
	return p, ok
}

// Plans returns the plans in display order.
func (s *Service) Plans() []Plan {
	return []Plan{s.plans[PlanTier1], s.plans[PlanTier2]}
}

// ValidUTR reports whether text looks like a 12 digit UTR.
func ValidUTR(text string) bool {
	return utrPattern.MatchString(strings.TrimSpace(text))
}

// Reference builds a tracking reference such as TIER1-1a2b3c4d.
func Reference(userID int64, planID string, now time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%s-%d", userID, planID, now.UnixMilli())))
	return strings.ToUpper(planID) + "-" + hex.EncodeToString(sum[:])[:8]
}

func (s *Service) PaymentMessage(p Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 Payment details for %s\n\n", p.Name)
	fmt.Fprintf(&b, "💳 UPI ID: %s\n", s.upiID)
	fmt.Fprintf(&b, "💵 Amount: ₹%s\n", p.Price.String())
	fmt.Fprintf(&b, "📦 You'll get: %d messages + %d images\n\n", p.Messages, p.Images)
	b.WriteString("Payment steps:\n")
	b.WriteString("1. Open any UPI app\n")
	fmt.Fprintf(&b, "2. Send ₹%s to %s\n", p.Price.String(), s.upiID)
	b.WriteString("3. Copy the 12 digit UTR ID from your transaction\n")
	b.WriteString("4. Send the UTR ID here for verification\n\n")
	b.WriteString("Credits are added after manual verification, usually within 1-2 hours.")
	return b.String()
}

// RequestUpgrade opens an order for the plan and returns the payment
// instructions. The bool is false for an unknown plan or a store failure.
func (s *Service) RequestUpgrade(ctx context.Context, userID int64, planID string) (string, *store.PaymentOrder, bool) {
	p, ok := s.Plan(planID)
	if !ok {
		return "", nil, false
	}
	ref := Reference(userID, p.ID, s.ledger.Now())
	order := s.ledger.CreateOrder(ctx, store.PaymentOrder{
		UserID:    userID,
		Plan:      p.ID,
		Amount:    p.Price,
		Reference: ref,
	})
	if order == nil {
		return "", nil, false
	}
	s.ledger.AppendLog(ctx, ledger.ActionPaymentRequested, map[string]any{
		"userId":    userID,
		"orderId":   order.OrderID,
		"plan":      p.ID,
		"reference": ref,
		"amount":    p.Price.String(),
	})
	s.log.Info("Payment requested", zap.Int64("user_id", userID), zap.String("plan", p.ID), zap.String("reference", ref))
	return s.PaymentMessage(p), order, true
}

// SubmitUTR records a UTR against the user's newest open order, moving it to
// pending. Without an open order the UTR is still logged for review.
func (s *Service) SubmitUTR(ctx context.Context, userID int64, utr string) (string, bool) {
	utr = strings.TrimSpace(utr)
	if !ValidUTR(utr) {
		return "", false
	}

	data := map[string]any{"userId": userID, "utrId": utr, "plan": "unknown"}
	if open := s.ledger.LatestOpenOrder(ctx, userID); open != nil {
		pending := store.OrderPending
		if o := s.ledger.UpdateOrder(ctx, open.OrderID, ledger.OrderPatch{Status: &pending, UTR: &utr}); o != nil {
			data["plan"] = o.Plan
			data["orderId"] = o.OrderID
			data["amount"] = o.Amount.String()
		}
	}
	s.ledger.AppendLog(ctx, ledger.ActionUTRSubmitted, data)
	s.log.Info("UTR submitted", zap.Int64("user_id", userID), zap.String("utr", utr))

	return fmt.Sprintf("✅ UTR ID received: %s\n\nYour payment is now under verification. "+
		"You will receive your credits within 1-2 hours after verification.", utr), true
}

// Complete marks an order paid and grants the plan's credits. It returns nil
// when the order is missing or already closed.
func (s *Service) Complete(ctx context.Context, orderID string) *store.PaymentOrder {
	order := s.ledger.CompleteOrder(ctx, orderID)
	if order == nil {
		return nil
	}
	p, ok := s.Plan(order.Plan)
	if !ok {
		s.log.Warn("Completed order has unknown plan", zap.String("order_id", orderID), zap.String("plan", order.Plan))
		return order
	}
	if !s.ledger.AdjustCredits(ctx, order.UserID, p.Messages, p.Images) {
		s.log.Error("Failed to credit completed order", zap.String("order_id", orderID), zap.Int64("user_id", order.UserID))
	}
	s.ledger.AppendLog(ctx, ledger.ActionPaymentCompleted, map[string]any{
		"orderId":  order.OrderID,
		"userId":   order.UserID,
		"plan":     p.ID,
		"amount":   order.Amount.String(),
		"messages": p.Messages,
		"images":   p.Images,
	})
	return order
}
