// Package ledger holds the credit, usage and audit-log operations. Every call
// re-reads the whole collection from the store; nothing is cached between
// calls. Store failures are logged and degraded to nil/false/empty results.
package ledger

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/config"
	"gwi.com/companion-bot/internal/store"
)

const (
	ChatHistoryLimit = 50
	LogRetention     = 1000
	ActiveWindow     = 7 * 24 * time.Hour
)

// Log actions.
const (
	ActionUserCreated       = "user_created"
	ActionUserDeleted       = "user_deleted"
	ActionReferralSuccess   = "referral_success"
	ActionReferralAbuse     = "referral_abuse"
	ActionManualBonus       = "manual_bonus"
	ActionAdminCreditUpdate = "admin_credit_update"
	ActionAdminUserDeleted  = "admin_user_deleted"
	ActionAdminBroadcast    = "admin_broadcast"
	ActionPaymentRequested  = "payment_requested"
	ActionUTRSubmitted      = "utr_submitted"
	ActionPaymentCompleted  = "payment_completed"
)

type StatKind string

const (
	StatUserCreated       StatKind = "userCreated"
	StatMessageUsed       StatKind = "messageUsed"
	StatImageUsed         StatKind = "imageUsed"
	StatReferralCompleted StatKind = "referralCompleted"
)

var (
	errUserNotFound = errors.New("user not found")
	errNoCredits    = errors.New("no credits left")
)

type Ledger struct {
	store   *store.Store
	credits config.CreditConfig
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(s *store.Store, credits config.CreditConfig, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:   s,
		credits: credits,
		log:     log.Named("ledger"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Now() time.Time {
	return l.now()
}

// Store exposes the underlying record store for components that need a
// multi-user update in a single cycle.
func (l *Ledger) Store() *store.Store {
	return l.store
}

type NewUser struct {
	TelegramID int64
	Username   string
	// Nil means the configured starting amount.
	MessagesLeft *int
	ImagesLeft   *int
	JoinedAt     time.Time
}

// UserPatch lists the fields UpdateUser may merge. Nil fields are left alone.
type UserPatch struct {
	Username          *string
	MessagesLeft      *int
	ImagesLeft        *int
	Referrals         *int
	ReferralCode      *string
	ReferredBy        *int64
	NSFWUnlocked      *bool
	TotalMessagesUsed *int
	TotalImagesUsed   *int
}

func (l *Ledger) GetUser(ctx context.Context, id int64) *store.User {
	users, err := l.store.LoadUsers(ctx)
	if err != nil {
		l.log.Error("Error getting user", zap.Int64("user_id", id), zap.Error(err))
		return nil
	}
	return users[id]
}

// CreateUser stores a fresh user. An existing user with the same id is
// returned unchanged.
func (l *Ledger) CreateUser(ctx context.Context, seed NewUser) *store.User {
	now := l.now()
	var (
		user    *store.User
		created bool
	)
	err := l.store.UpdateUsers(ctx, func(users store.Users) error {
		if existing, ok := users[seed.TelegramID]; ok {
			user = existing
			return nil
		}
		joined := seed.JoinedAt
		if joined.IsZero() {
			joined = now
		}
		user = &store.User{
			TelegramID:   seed.TelegramID,
			Username:     seed.Username,
			MessagesLeft: max(0, valueOr(seed.MessagesLeft, l.credits.StartingMessages)),
			ImagesLeft:   max(0, valueOr(seed.ImagesLeft, l.credits.StartingImages)),
			JoinedAt:     joined,
			LastActive:   now,
			ChatHistory:  []store.ChatEntry{},
		}
		users[seed.TelegramID] = user
		created = true
		return nil
	})
	if err != nil {
		l.log.Error("Error creating user", zap.Int64("user_id", seed.TelegramID), zap.Error(err))
		return nil
	}
	if !created {
		return user
	}

	l.RecordStat(ctx, StatUserCreated)
	l.AppendLog(ctx, ActionUserCreated, map[string]any{
		"telegramId": seed.TelegramID,
		"username":   seed.Username,
	})
	l.log.Info("New user created", zap.String("username", seed.Username), zap.Int64("user_id", seed.TelegramID))
	return user
}

// UpdateUser merges patch into the stored user, stamps lastActive and marks
// the user active today. referredBy and referralCode are write-once: a patch
// cannot replace a value that is already set.
func (l *Ledger) UpdateUser(ctx context.Context, id int64, patch UserPatch) bool {
	err := l.store.UpdateUsers(ctx, func(users store.Users) error {
		u, ok := users[id]
		if !ok {
			return errUserNotFound
		}
		l.applyPatch(u, patch)
		u.LastActive = l.now()
		return nil
	})
	if err != nil {
		l.logUpdateErr("Error updating user", id, err)
		return false
	}
	l.MarkActive(ctx, id)
	return true
}

func (l *Ledger) applyPatch(u *store.User, p UserPatch) {
	if p.Username != nil {
		u.Username = *p.Username
	}
	if p.MessagesLeft != nil {
		u.MessagesLeft = max(0, *p.MessagesLeft)
	}
	if p.ImagesLeft != nil {
		u.ImagesLeft = max(0, *p.ImagesLeft)
	}
	if p.Referrals != nil {
		u.Referrals = max(0, *p.Referrals)
	}
	if p.ReferralCode != nil {
		if u.ReferralCode == "" {
			u.ReferralCode = *p.ReferralCode
		} else if u.ReferralCode != *p.ReferralCode {
			l.log.Warn("Ignoring referral code change", zap.Int64("user_id", u.TelegramID))
		}
	}
	if p.ReferredBy != nil {
		if u.ReferredBy == nil {
			ref := *p.ReferredBy
			u.ReferredBy = &ref
		} else if *u.ReferredBy != *p.ReferredBy {
			l.log.Warn("Ignoring referrer change", zap.Int64("user_id", u.TelegramID))
		}
	}
	if p.NSFWUnlocked != nil {
		u.NSFWUnlocked = *p.NSFWUnlocked
	}
	if p.TotalMessagesUsed != nil {
		u.TotalMessagesUsed = max(0, *p.TotalMessagesUsed)
	}
	if p.TotalImagesUsed != nil {
		u.TotalImagesUsed = max(0, *p.TotalImagesUsed)
	}
}

func (l *Ledger) DeleteUser(ctx context.Context, id int64) bool {
	err := l.store.UpdateUsers(ctx, func(users store.Users) error {
		if _, ok := users[id]; !ok {
			return errUserNotFound
		}
		delete(users, id)
		return nil
	})
	if err != nil {
		l.logUpdateErr("Error deleting user", id, err)
		return false
	}
	l.AppendLog(ctx, ActionUserDeleted, map[string]any{"telegramId": id})
	return true
}

// AdjustCredits adds the deltas to both balances, clamping each at zero.
func (l *Ledger) AdjustCredits(ctx context.Context, id int64, messageDelta, imageDelta int) bool {
	err := l.store.UpdateUsers(ctx, func(users store.Users) error {
		u, ok := users[id]
		if !ok {
			return errUserNotFound
		}
		u.MessagesLeft = AddCredits(u.MessagesLeft, messageDelta)
		u.ImagesLeft = AddCredits(u.ImagesLeft, imageDelta)
		u.LastActive = l.now()
		return nil
	})
	if err != nil {
		l.logUpdateErr("Error adjusting credits", id, err)
		return false
	}
	l.MarkActive(ctx, id)
	return true
}

// SpendMessage takes one message credit and counts it as used. It returns
// false when the balance is already zero.
func (l *Ledger) SpendMessage(ctx context.Context, id int64) bool {
	return l.spend(ctx, id, func(u *store.User) error {
		if u.MessagesLeft <= 0 {
			return errNoCredits
		}
		u.MessagesLeft--
		u.TotalMessagesUsed++
		return nil
	})
}

// SpendImage is SpendMessage for image credits.
func (l *Ledger) SpendImage(ctx context.Context, id int64) bool {
	return l.spend(ctx, id, func(u *store.User) error {
		if u.ImagesLeft <= 0 {
			return errNoCredits
		}
		u.ImagesLeft--
		u.TotalImagesUsed++
		return nil
	})
}

func (l *Ledger) spend(ctx context.Context, id int64, fn func(*store.User) error) bool {
	err := l.store.UpdateUsers(ctx, func(users store.Users) error {
		u, ok := users[id]
		if !ok {
			return errUserNotFound
		}
		if err := fn(u); err != nil {
			return err
		}
		u.LastActive = l.now()
		return nil
	})
	if err != nil {
		l.logUpdateErr("Error spending credit", id, err)
		return false
	}
	l.MarkActive(ctx, id)
	return true
}

// AppendChatMessage pushes onto the user's history, dropping the oldest
// entries beyond ChatHistoryLimit.
func (l *Ledger) AppendChatMessage(ctx context.Context, id int64, text string, isUser bool) bool {
	err := l.store.UpdateUsers(ctx, func(users store.Users) error {
		u, ok := users[id]
		if !ok {
			return errUserNotFound
		}
		u.ChatHistory = append(u.ChatHistory, store.ChatEntry{
			Timestamp: l.now(),
			Message:   text,
			IsUser:    isUser,
		})
		if n := len(u.ChatHistory); n > ChatHistoryLimit {
			u.ChatHistory = slices.Clone(u.ChatHistory[n-ChatHistoryLimit:])
		}
		return nil
	})
	if err != nil {
		l.logUpdateErr("Error adding chat message", id, err)
		return false
	}
	return true
}

// ChatHistory returns up to limit of the most recent entries, oldest first.
func (l *Ledger) ChatHistory(ctx context.Context, id int64, limit int) []store.ChatEntry {
	u := l.GetUser(ctx, id)
	if u == nil {
		return []store.ChatEntry{}
	}
	h := u.ChatHistory
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h
}

func (l *Ledger) RecordStat(ctx context.Context, kind StatKind) {
	err := l.store.UpdateStats(ctx, func(st *store.Stats) error {
		switch kind {
		case StatUserCreated:
			st.TotalUsers++
		case StatMessageUsed:
			st.TotalMessages++
		case StatImageUsed:
			st.TotalImages++
		case StatReferralCompleted:
			st.TotalReferrals++
		}
		return nil
	})
	if err != nil {
		l.log.Error("Error updating stats", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// MarkActive adds id to today's daily active users.
func (l *Ledger) MarkActive(ctx context.Context, id int64) {
	today := l.now().Format(time.DateOnly)
	err := l.store.UpdateStats(ctx, func(st *store.Stats) error {
		if !slices.Contains(st.DailyActiveUsers[today], id) {
			st.DailyActiveUsers[today] = append(st.DailyActiveUsers[today], id)
		}
		return nil
	})
	if err != nil {
		l.log.Error("Error updating daily active user", zap.Int64("user_id", id), zap.Error(err))
	}
}

func (l *Ledger) Stats(ctx context.Context) store.Stats {
	st, err := l.store.LoadStats(ctx)
	if err != nil {
		l.log.Error("Error reading stats", zap.Error(err))
	}
	return st
}

// AppendLog adds an audit entry and keeps only the newest LogRetention.
func (l *Ledger) AppendLog(ctx context.Context, action string, data map[string]any) {
	err := l.store.UpdateLogs(ctx, func(logs *[]store.LogEntry) error {
		*logs = append(*logs, store.LogEntry{
			ID:        uuid.NewString(),
			Timestamp: l.now(),
			Action:    action,
			Data:      data,
		})
		if n := len(*logs); n > LogRetention {
			*logs = slices.Clone((*logs)[n-LogRetention:])
		}
		return nil
	})
	if err != nil {
		l.log.Error("Error adding log", zap.String("action", action), zap.Error(err))
	}
}

// Logs returns up to limit of the most recent entries, newest first.
// A non-positive limit returns all of them.
func (l *Ledger) Logs(ctx context.Context, limit int) []store.LogEntry {
	logs, err := l.store.LoadLogs(ctx)
	if err != nil {
		l.log.Error("Error getting logs", zap.Error(err))
		return []store.LogEntry{}
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	out := slices.Clone(logs)
	slices.Reverse(out)
	return out
}

// AllUsers returns every user ordered by id.
func (l *Ledger) AllUsers(ctx context.Context) []*store.User {
	users, err := l.store.LoadUsers(ctx)
	if err != nil {
		l.log.Error("Error getting all users", zap.Error(err))
		return []*store.User{}
	}
	out := make([]*store.User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TelegramID < out[j].TelegramID })
	return out
}

// SearchUsers matches a case-insensitive username substring or an id substring.
func (l *Ledger) SearchUsers(ctx context.Context, query string) []*store.User {
	q := strings.ToLower(query)
	out := []*store.User{}
	for _, u := range l.AllUsers(ctx) {
		if strings.Contains(strings.ToLower(u.Username), q) ||
			strings.Contains(strconv.FormatInt(u.TelegramID, 10), query) {
			out = append(out, u)
		}
	}
	return out
}

// UsersByReferrals returns users with at least min referrals, most first.
func (l *Ledger) UsersByReferrals(ctx context.Context, min int) []*store.User {
	out := []*store.User{}
	for _, u := range l.AllUsers(ctx) {
		if u.Referrals >= min {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Referrals > out[j].Referrals })
	return out
}

func (l *Ledger) ActiveUsers(ctx context.Context, days int) []*store.User {
	cutoff := l.now().AddDate(0, 0, -days)
	out := []*store.User{}
	for _, u := range l.AllUsers(ctx) {
		if u.LastActive.After(cutoff) {
			out = append(out, u)
		}
	}
	return out
}

// IsRecentlyActive reports whether u was active within ActiveWindow of now.
func IsRecentlyActive(u *store.User, now time.Time) bool {
	return u.LastActive.After(now.Add(-ActiveWindow))
}

type Summary struct {
	TotalUsers       int `json:"totalUsers"`
	ActiveToday      int `json:"activeToday"`
	TotalMessages    int `json:"totalMessages"`
	TotalImages      int `json:"totalImages"`
	TotalReferrals   int `json:"totalReferrals"`
	UsersWithCredits int `json:"usersWithCredits"`
}

// Summary aggregates over the users collection rather than the stats counters.
func (l *Ledger) Summary(ctx context.Context) Summary {
	now := l.now()
	today := now.Format(time.DateOnly)
	users := l.AllUsers(ctx)

	s := Summary{TotalUsers: len(users)}
	for _, u := range users {
		if u.LastActive.In(now.Location()).Format(time.DateOnly) == today {
			s.ActiveToday++
		}
		s.TotalMessages += u.TotalMessagesUsed
		s.TotalImages += u.TotalImagesUsed
		s.TotalReferrals += u.Referrals
		if u.MessagesLeft > 0 || u.ImagesLeft > 0 {
			s.UsersWithCredits++
		}
	}
	return s
}

func (l *Ledger) logUpdateErr(msg string, id int64, err error) {
	switch {
	case errors.Is(err, errUserNotFound):
		l.log.Warn("User not found", zap.Int64("user_id", id))
	case errors.Is(err, errNoCredits):
		l.log.Debug("No credits left", zap.Int64("user_id", id))
	default:
		l.log.Error(msg, zap.Int64("user_id", id), zap.Error(err))
	}
}

// AddCredits returns max(0, balance+delta), saturating at math.MaxInt
// instead of wrapping.
func AddCredits(balance, delta int) int {
	switch {
	case delta > 0 && balance > math.MaxInt-delta:
		return math.MaxInt
	case delta < 0 && balance < math.MinInt-delta:
		return 0
	}
	return max(0, balance+delta)
}

func valueOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
