// Package referral issues referral codes, redeems them for new users and
// reports on referral activity.
package referral

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/config"
	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/store"
)

// Outcome is the terminal result of a redemption attempt. Besides the usual
// not-found, self, already-referred and referrer-missing rejections there is
// OutcomeCandidateMissing: a redeeming user who was never created gets
// nothing and grants nothing.
type Outcome string

const (
	OutcomeNotFound         Outcome = "not_found"
	OutcomeSelfReferral     Outcome = "self_referral"
	OutcomeAlreadyReferred  Outcome = "already_referred"
	OutcomeReferrerMissing  Outcome = "referrer_missing"
	OutcomeCandidateMissing Outcome = "candidate_missing"
	OutcomeSuccess          Outcome = "success"
)

func (o Outcome) OK() bool { return o == OutcomeSuccess }

const codeLength = 8

var errRejected = errors.New("referral rejected")

type Engine struct {
	ledger        *ledger.Ledger
	store         *store.Store
	botLink       string
	bonusMessages int
	bonusImages   int
	log           *zap.Logger
}

func NewEngine(l *ledger.Ledger, botLink string, credits config.CreditConfig, log *zap.Logger) *Engine {
	return &Engine{
		ledger:        l,
		store:         l.Store(),
		botLink:       strings.TrimSuffix(botLink, "/"),
		bonusMessages: credits.ReferralBonusMessages,
		bonusImages:   credits.ReferralBonusImages,
		log:           log.Named("referral"),
	}
}

// GenerateCode derives a code from the user id and the time in milliseconds:
// the first eight hex digits of their MD5, upper-cased.
func GenerateCode(id int64, now time.Time) string {
	sum := md5.Sum([]byte(strconv.FormatInt(id, 10) + strconv.FormatInt(now.UnixMilli(), 10)))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:codeLength])
}

// ReferralLink returns the user's share link, issuing a code on first use.
// Later calls return the same code. The bool is false when the user does not
// exist or the store failed.
func (e *Engine) ReferralLink(ctx context.Context, id int64) (string, bool) {
	var (
		code   string
		issued bool
	)
	err := e.store.UpdateUsers(ctx, func(users store.Users) error {
		u, ok := users[id]
		if !ok {
			return errRejected
		}
		if u.ReferralCode == "" {
			u.ReferralCode = uniqueCode(users, id, e.ledger.Now())
			u.LastActive = e.ledger.Now()
			issued = true
		}
		code = u.ReferralCode
		return nil
	})
	if err != nil {
		if !errors.Is(err, errRejected) {
			e.log.Error("Error generating referral link", zap.Int64("user_id", id), zap.Error(err))
		}
		return "", false
	}
	if issued {
		e.ledger.MarkActive(ctx, id)
	}
	return e.Link(code), true
}

// Link formats the start link for a code.
func (e *Engine) Link(code string) string {
	return e.botLink + "?start=" + code
}

func uniqueCode(users store.Users, id int64, now time.Time) string {
	for {
		code := GenerateCode(id, now)
		if _, taken := findCode(users, code); !taken {
			return code
		}
		now = now.Add(time.Millisecond)
	}
}

func findCode(users store.Users, code string) (int64, bool) {
	if code == "" {
		return 0, false
	}
	for id, u := range users {
		if u != nil && u.ReferralCode == code {
			return id, true
		}
	}
	return 0, false
}

// ProcessReferral redeems code for candidateID. All balance and referrer
// changes land in one users update, so a rejected attempt changes nothing.
func (e *Engine) ProcessReferral(ctx context.Context, code string, candidateID int64) Outcome {
	code = strings.ToUpper(strings.TrimSpace(code))
	var (
		outcome    Outcome
		referrerID int64
	)
	err := e.store.UpdateUsers(ctx, func(users store.Users) error {
		id, ok := findCode(users, code)
		if !ok {
			outcome = OutcomeNotFound
			return errRejected
		}
		referrerID = id
		if id == candidateID {
			outcome = OutcomeSelfReferral
			return errRejected
		}
		candidate := users[candidateID]
		if candidate == nil {
			outcome = OutcomeCandidateMissing
			return errRejected
		}
		if candidate.ReferredBy != nil {
			outcome = OutcomeAlreadyReferred
			return errRejected
		}
		referrer := users[id]
		if referrer == nil {
			outcome = OutcomeReferrerMissing
			return errRejected
		}

		now := e.ledger.Now()
		referrer.Referrals++
		referrer.MessagesLeft = ledger.AddCredits(referrer.MessagesLeft, e.bonusMessages)
		referrer.ImagesLeft = ledger.AddCredits(referrer.ImagesLeft, e.bonusImages)
		referrer.LastActive = now
		candidate.ReferredBy = &id
		candidate.LastActive = now
		outcome = OutcomeSuccess
		return nil
	})
	if err != nil && !errors.Is(err, errRejected) {
		// A failed load looks the same as an empty users collection.
		e.log.Error("Error processing referral", zap.String("code", code), zap.Error(err))
		return OutcomeNotFound
	}

	switch outcome {
	case OutcomeSuccess:
		e.ledger.AppendLog(ctx, ledger.ActionReferralSuccess, map[string]any{
			"referrerId":   referrerID,
			"newUserId":    candidateID,
			"referralCode": code,
			"bonusGiven": map[string]any{
				"messages": e.bonusMessages,
				"images":   e.bonusImages,
			},
		})
		e.ledger.RecordStat(ctx, ledger.StatReferralCompleted)
		e.ledger.MarkActive(ctx, referrerID)
		e.ledger.MarkActive(ctx, candidateID)
		e.log.Info("Referral processed", zap.Int64("referrer_id", referrerID), zap.Int64("user_id", candidateID))
	case OutcomeSelfReferral:
		e.ledger.AppendLog(ctx, ledger.ActionReferralAbuse, map[string]any{
			"type":         string(OutcomeSelfReferral),
			"userId":       candidateID,
			"referralCode": code,
		})
		e.log.Warn("Self-referral attempt blocked", zap.Int64("user_id", candidateID))
	default:
		e.log.Debug("Referral rejected", zap.String("outcome", string(outcome)), zap.Int64("user_id", candidateID))
	}
	return outcome
}

type ReferredUser struct {
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
	IsActive bool      `json:"isActive"`
}

type Bonus struct {
	Messages int `json:"messages"`
	Images   int `json:"images"`
}

type Stats struct {
	TotalReferrals   int            `json:"totalReferrals"`
	ReferralCode     string         `json:"referralCode"`
	ReferredUsers    []ReferredUser `json:"referredUsers"`
	TotalBonusEarned Bonus          `json:"totalBonusEarned"`
}

// Stats reports a user's referrals. Bonus totals are recomputed from the
// referral count with the current bonus amounts.
func (e *Engine) Stats(ctx context.Context, id int64) *Stats {
	users := e.ledger.AllUsers(ctx)
	i := slices.IndexFunc(users, func(u *store.User) bool { return u.TelegramID == id })
	if i < 0 {
		return nil
	}
	user := users[i]
	now := e.ledger.Now()

	st := &Stats{
		TotalReferrals: user.Referrals,
		ReferralCode:   user.ReferralCode,
		ReferredUsers:  []ReferredUser{},
		TotalBonusEarned: Bonus{
			Messages: user.Referrals * e.bonusMessages,
			Images:   user.Referrals * e.bonusImages,
		},
	}
	for _, u := range users {
		if u.ReferredBy != nil && *u.ReferredBy == id {
			st.ReferredUsers = append(st.ReferredUsers, ReferredUser{
				Username: u.Username,
				JoinedAt: u.JoinedAt,
				IsActive: ledger.IsRecentlyActive(u, now),
			})
		}
	}
	return st
}

type TopReferrer struct {
	TelegramID int64     `json:"telegramId"`
	Username   string    `json:"username"`
	Referrals  int       `json:"referrals"`
	JoinedAt   time.Time `json:"joinedAt"`
	IsActive   bool      `json:"isActive"`
}

func (e *Engine) TopReferrers(ctx context.Context, limit int) []TopReferrer {
	now := e.ledger.Now()
	users := e.ledger.UsersByReferrals(ctx, 1)
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	out := make([]TopReferrer, 0, len(users))
	for _, u := range users {
		out = append(out, TopReferrer{
			TelegramID: u.TelegramID,
			Username:   u.Username,
			Referrals:  u.Referrals,
			JoinedAt:   u.JoinedAt,
			IsActive:   ledger.IsRecentlyActive(u, now),
		})
	}
	return out
}

type Validation struct {
	Valid            bool   `json:"valid"`
	ReferrerID       int64  `json:"referrerId,omitempty"`
	ReferrerUsername string `json:"referrerUsername,omitempty"`
}

func (e *Engine) ValidateCode(ctx context.Context, code string) Validation {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, u := range e.ledger.AllUsers(ctx) {
		if code != "" && u.ReferralCode == code {
			return Validation{Valid: true, ReferrerID: u.TelegramID, ReferrerUsername: u.Username}
		}
	}
	return Validation{}
}

// History returns the user's successful referrals (as referrer) and abuse
// records (as the offending user), newest first.
func (e *Engine) History(ctx context.Context, id int64, limit int) []store.LogEntry {
	out := []store.LogEntry{}
	for _, entry := range e.ledger.Logs(ctx, ledger.LogRetention) {
		var key string
		switch entry.Action {
		case ledger.ActionReferralSuccess:
			key = "referrerId"
		case ledger.ActionReferralAbuse:
			key = "userId"
		default:
			continue
		}
		if v, ok := ledger.Int64Field(entry.Data, key); ok && v == id {
			out = append(out, entry)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// AddManualBonus adjusts both balances, clamped at zero, and records why.
func (e *Engine) AddManualBonus(ctx context.Context, id int64, messages, images int, reason string) bool {
	if reason == "" {
		reason = "Manual bonus"
	}
	if !e.ledger.AdjustCredits(ctx, id, messages, images) {
		return false
	}
	e.ledger.AppendLog(ctx, ledger.ActionManualBonus, map[string]any{
		"telegramId": id,
		"messages":   messages,
		"images":     images,
		"reason":     reason,
	})
	e.log.Info("Manual bonus added",
		zap.Int64("user_id", id),
		zap.Int("messages", messages),
		zap.Int("images", images),
	)
	return true
}
