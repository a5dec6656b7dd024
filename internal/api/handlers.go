package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/auth"
	"gwi.com/companion-bot/internal/bot"
	"gwi.com/companion-bot/internal/config"
	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/metrics"
	"gwi.com/companion-bot/internal/payment"
	"gwi.com/companion-bot/internal/referral"
)

type contextKey string

const adminContextKey contextKey = "admin"

// BotSecretHeader carries the shared secret on bot event ingress.
const BotSecretHeader = "X-Bot-Secret"

type Deps struct {
	Ledger        *ledger.Ledger
	Referrals     *referral.Engine
	Payments      *payment.Service
	Bot           *bot.Handler
	Metrics       *metrics.Metrics
	Admin         config.AdminConfig
	WebhookSecret string
	Log           *zap.Logger
}

type APIHandler struct {
	ledger        *ledger.Ledger
	referrals     *referral.Engine
	payments      *payment.Service
	bot           *bot.Handler
	metrics       *metrics.Metrics
	adminUser     string
	adminHash     string
	jwtSecret     string
	webhookSecret string
	log           *zap.Logger
}

// NewAPIHandler hashes the admin password once so logins only compare hashes.
func NewAPIHandler(d Deps) (*APIHandler, error) {
	hash, err := auth.HashPassword(d.Admin.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin password: %w", err)
	}
	return &APIHandler{
		ledger:        d.Ledger,
		referrals:     d.Referrals,
		payments:      d.Payments,
		bot:           d.Bot,
		metrics:       d.Metrics,
		adminUser:     d.Admin.Username,
		adminHash:     hash,
		jwtSecret:     d.Admin.JWTSecret,
		webhookSecret: d.WebhookSecret,
		log:           d.Log.Named("api"),
	}, nil
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		subject, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		if subject != h.adminUser {
			http.Error(w, "Unknown admin", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), adminContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminFrom(ctx context.Context) string {
	name, _ := ctx.Value(adminContextKey).(string)
	return name
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	if req.Username != h.adminUser || !auth.CheckPasswordHash(req.Password, h.adminHash) {
		h.log.Warn("Failed admin login", zap.String("username", req.Username))
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(h.jwtSecret, req.Username, auth.DefaultTTL)
	if err != nil {
		h.log.Error("Error generating JWT", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": h.ledger.Now(),
	})
}

// BotEventHandler accepts one messenger event from the transport adapter and
// answers with the reply to deliver.
func (h *APIHandler) BotEventHandler(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		http.Error(w, "Bot ingress is disabled", http.StatusServiceUnavailable)
		return
	}
	got := r.Header.Get(BotSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
		http.Error(w, "Invalid bot secret", http.StatusUnauthorized)
		return
	}

	var ev bot.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.SenderID == 0 {
		http.Error(w, "senderId is required", http.StatusBadRequest)
		return
	}
	if ev.Text == "" && ev.ButtonData == "" {
		http.Error(w, "Event has neither text nor buttonData", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, h.bot.Handle(r.Context(), ev))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
