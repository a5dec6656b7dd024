package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/referral"
	"gwi.com/companion-bot/internal/store"
)

const (
	defaultLogLimit      = 100
	recentLogsLimit      = 50
	topReferrersLimit    = 10
	userHistoryLimit     = 20
	creditActionAdd      = "add"
	creditActionSubtract = "subtract"
)

type StatsResponse struct {
	Summary      ledger.Summary         `json:"summary"`
	Counters     store.Stats            `json:"counters"`
	Payments     *ledger.PaymentStats   `json:"payments"`
	TopReferrers []referral.TopReferrer `json:"topReferrers"`
	RecentLogs   []store.LogEntry       `json:"recentLogs"`
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, StatsResponse{
		Summary:      h.ledger.Summary(ctx),
		Counters:     h.ledger.Stats(ctx),
		Payments:     h.ledger.PaymentStats(ctx),
		TopReferrers: h.referrals.TopReferrers(ctx, topReferrersLimit),
		RecentLogs:   h.ledger.Logs(ctx, recentLogsLimit),
	})
}

func (h *APIHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.AllUsers(r.Context()))
}

type UserDetailsResponse struct {
	*store.User
	ReferralStats *referral.Stats  `json:"referralStats"`
	History       []store.LogEntry `json:"referralHistory"`
}

func (h *APIHandler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	user := h.ledger.GetUser(ctx, userID)
	if user == nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, UserDetailsResponse{
		User:          user,
		ReferralStats: h.referrals.Stats(ctx, userID),
		History:       h.referrals.History(ctx, userID, userHistoryLimit),
	})
}

type CreditsRequest struct {
	Messages int    `json:"messages"`
	Images   int    `json:"images"`
	Action   string `json:"action"`
}

func (h *APIHandler) UpdateCreditsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req CreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Messages < 0 || req.Images < 0 {
		http.Error(w, "Amounts must not be negative", http.StatusBadRequest)
		return
	}

	msgs, imgs := req.Messages, req.Images
	switch req.Action {
	case creditActionAdd:
	case creditActionSubtract:
		msgs, imgs = -msgs, -imgs
	default:
		http.Error(w, `action must be "add" or "subtract"`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if !h.ledger.AdjustCredits(ctx, userID, msgs, imgs) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	h.ledger.AppendLog(ctx, ledger.ActionAdminCreditUpdate, map[string]any{
		"telegramId": userID,
		"messages":   req.Messages,
		"images":     req.Images,
		"action":     req.Action,
		"admin":      adminFrom(ctx),
	})
	h.log.Info("Admin credit update",
		zap.Int64("user_id", userID),
		zap.String("action", req.Action),
		zap.Int("messages", req.Messages),
		zap.Int("images", req.Images),
	)

	writeJSON(w, http.StatusOK, h.ledger.GetUser(ctx, userID))
}

func (h *APIHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if !h.ledger.DeleteUser(ctx, userID) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	h.ledger.AppendLog(ctx, ledger.ActionAdminUserDeleted, map[string]any{
		"telegramId": userID,
		"admin":      adminFrom(ctx),
	})
	w.WriteHeader(http.StatusNoContent)
}

type BonusRequest struct {
	Messages int    `json:"messages"`
	Images   int    `json:"images"`
	Reason   string `json:"reason"`
}

func (h *APIHandler) BonusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req BonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if !h.referrals.AddManualBonus(ctx, userID, req.Messages, req.Images, req.Reason) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.GetUser(ctx, userID))
}

func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "Query parameter q is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.SearchUsers(r.Context(), q))
}

type AbuseReport struct {
	Patterns []referral.AbusePattern `json:"patterns"`
	Logs     []store.LogEntry        `json:"logs"`
}

func (h *APIHandler) ReferralAbuseHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, AbuseReport{
		Patterns: h.referrals.DetectAbuse(ctx),
		Logs:     h.referrals.AbuseLogs(ctx),
	})
}

func (h *APIHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.ledger.Logs(r.Context(), limit))
}

type BroadcastRequest struct {
	Message string `json:"message"`
}

// BroadcastHandler records the announcement. Delivery belongs to the
// messenger transport, which reads admin_broadcast entries from the log.
func (h *APIHandler) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		http.Error(w, "Message cannot be empty", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	recipients := len(h.ledger.AllUsers(ctx))
	h.ledger.AppendLog(ctx, ledger.ActionAdminBroadcast, map[string]any{
		"message":    req.Message,
		"recipients": recipients,
		"admin":      adminFrom(ctx),
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "logged", "recipients": recipients})
}

func (h *APIHandler) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Orders(r.Context()))
}

func (h *APIHandler) PaymentStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.PaymentStats(r.Context()))
}

func (h *APIHandler) CompleteOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ctx := r.Context()

	if h.ledger.GetOrder(ctx, orderID) == nil {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	order := h.payments.Complete(ctx, orderID)
	if order == nil {
		http.Error(w, "Order is already closed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
