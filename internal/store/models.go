package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChatEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	IsUser    bool      `json:"isUser"`
}

type User struct {
	TelegramID        int64       `json:"telegramId"`
	Username          string      `json:"username"`
	MessagesLeft      int         `json:"messagesLeft"`
	ImagesLeft        int         `json:"imagesLeft"`
	Referrals         int         `json:"referrals"`
	ReferralCode      string      `json:"referralCode"`
	ReferredBy        *int64      `json:"referredBy"` // Set at most once
	NSFWUnlocked      bool        `json:"nsfwUnlocked"`
	JoinedAt          time.Time   `json:"joinedAt"`
	LastActive        time.Time   `json:"lastActive"`
	TotalMessagesUsed int         `json:"totalMessagesUsed"`
	TotalImagesUsed   int         `json:"totalImagesUsed"`
	ChatHistory       []ChatEntry `json:"chatHistory"`
}

// Users is the whole users collection keyed by platform user id.
type Users map[int64]*User

type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data"`
}

type Stats struct {
	TotalUsers     int `json:"totalUsers"`
	TotalMessages  int `json:"totalMessages"`
	TotalImages    int `json:"totalImages"`
	TotalReferrals int `json:"totalReferrals"`
	// Keyed by YYYY-MM-DD; each list holds distinct user ids.
	DailyActiveUsers map[string][]int64 `json:"dailyActiveUsers"`
}

type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
)

type PaymentOrder struct {
	OrderID   string          `json:"orderId"`
	UserID    int64           `json:"userId"`
	Plan      string          `json:"plan"`
	Amount    decimal.Decimal `json:"amount"`
	Status    OrderStatus     `json:"status"`
	Reference string          `json:"reference"`
	UTR       string          `json:"utr,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Orders is the whole payment orders collection keyed by order id.
type Orders map[string]*PaymentOrder
