// Package bot turns inbound messenger events into replies. It owns no
// transport: callers deliver an Event and send back the returned Reply.
package bot

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/config"
	"gwi.com/companion-bot/internal/core"
	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/metrics"
	"gwi.com/companion-bot/internal/payment"
	"gwi.com/companion-bot/internal/referral"
	"gwi.com/companion-bot/internal/store"
)

// Button payloads.
const (
	ActionVerifySubscription = "verify_subscription"
	ActionChat               = "chat_waifu"
	ActionPicture            = "send_picture"
	ActionReferral           = "get_referral"
	ActionWallet             = "show_wallet"
	ActionUpgradeTier1       = "upgrade_tier1"
	ActionUpgradeTier2       = "upgrade_tier2"
	ActionMenu               = "back_to_menu"
)

const startCommand = "/start"

// Event is one inbound update. Exactly one of Text and ButtonData is set.
type Event struct {
	SenderID   int64  `json:"senderId"`
	Username   string `json:"username"`
	Text       string `json:"text,omitempty"`
	ButtonData string `json:"buttonData,omitempty"`
}

type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

type Reply struct {
	Text     string     `json:"text"`
	ImageURL string     `json:"imageUrl,omitempty"`
	Buttons  [][]Button `json:"buttons,omitempty"`
}

type Deps struct {
	Ledger        *ledger.Ledger
	Referrals     *referral.Engine
	Payments      *payment.Service
	Chat          *core.ChatService
	Images        core.ImageGenerator
	Subscriptions SubscriptionChecker // nil skips the channel check
	Limiter       *RateLimiter
	Metrics       *metrics.Metrics
	Bot           config.BotConfig
	Credits       config.CreditConfig
	ImagePrompt   string
	Log           *zap.Logger
}

type Handler struct {
	Deps
	log *zap.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, log: d.Log.Named("bot")}
}

// Handle routes an event and always returns something to show the user.
func (h *Handler) Handle(ctx context.Context, ev Event) Reply {
	kind := eventKind(ev)
	h.Metrics.BotEvent(kind)

	if h.Limiter != nil && !h.Limiter.Allow(ev.SenderID) {
		h.Metrics.RateLimited()
		h.log.Debug("Rate limited", zap.Int64("user_id", ev.SenderID), zap.String("kind", kind))
		return Reply{Text: "⏳ Slow down a little! Try again in a moment."}
	}

	switch kind {
	case "start":
		payload := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ev.Text), startCommand))
		return h.handleStart(ctx, ev, payload)
	case "callback":
		return h.handleCallback(ctx, ev)
	default:
		return h.handleText(ctx, ev)
	}
}

func eventKind(ev Event) string {
	switch {
	case ev.ButtonData != "":
		return "callback"
	case ev.Text == startCommand || strings.HasPrefix(strings.TrimSpace(ev.Text), startCommand+" "):
		return "start"
	default:
		return "text"
	}
}

func (h *Handler) handleStart(ctx context.Context, ev Event, code string) Reply {
	user := h.Ledger.GetUser(ctx, ev.SenderID)
	if user == nil {
		user = h.Ledger.CreateUser(ctx, ledger.NewUser{
			TelegramID: ev.SenderID,
			Username:   ev.Username,
		})
		if user == nil {
			return errorReply()
		}
		if code != "" {
			outcome := h.Referrals.ProcessReferral(ctx, code, ev.SenderID)
			h.Metrics.ReferralOutcome(string(outcome))
		}
	}

	if !h.subscribed(ctx, ev.SenderID) {
		return h.subscriptionPrompt()
	}
	return h.mainMenu(user)
}

func (h *Handler) subscribed(ctx context.Context, userID int64) bool {
	if h.Subscriptions == nil {
		return true
	}
	ok, err := h.Subscriptions.IsSubscribed(ctx, userID)
	if err != nil {
		h.log.Warn("Error checking channel subscription", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

func (h *Handler) handleCallback(ctx context.Context, ev Event) Reply {
	user := h.Ledger.GetUser(ctx, ev.SenderID)
	if user == nil {
		return startPrompt()
	}

	switch ev.ButtonData {
	case ActionVerifySubscription:
		if !h.subscribed(ctx, ev.SenderID) {
			return Reply{Text: "❌ You haven't joined the channel yet. Please join first and then verify again."}
		}
		menu := h.mainMenu(user)
		menu.Text = "✅ Great! You have successfully joined the channel. Welcome!\n\n" + menu.Text
		return menu
	case ActionChat:
		return h.chatPrompt(user)
	case ActionPicture:
		return h.sendPicture(ctx, user)
	case ActionReferral:
		return h.referralLink(ctx, user)
	case ActionWallet:
		return h.wallet(user)
	case ActionUpgradeTier1:
		return h.upgrade(ctx, user, payment.PlanTier1)
	case ActionUpgradeTier2:
		return h.upgrade(ctx, user, payment.PlanTier2)
	case ActionMenu:
		return h.mainMenu(user)
	default:
		return Reply{Text: "❌ Unknown command."}
	}
}

func (h *Handler) handleText(ctx context.Context, ev Event) Reply {
	user := h.Ledger.GetUser(ctx, ev.SenderID)
	if user == nil {
		return startPrompt()
	}

	text := strings.TrimSpace(ev.Text)
	if payment.ValidUTR(text) {
		msg, ok := h.Payments.SubmitUTR(ctx, user.TelegramID, text)
		if !ok {
			return errorReply()
		}
		return Reply{Text: msg, Buttons: backToMenu()}
	}

	if user.MessagesLeft <= 0 {
		return Reply{
			Text:    "💔 You've run out of messages! Get more through referrals or upgrade your plan.",
			Buttons: outOfCreditsButtons(),
		}
	}

	answer, fromModel := h.Chat.Reply(ctx, user.TelegramID, text)
	if fromModel {
		if h.Ledger.SpendMessage(ctx, user.TelegramID) {
			h.Metrics.CreditSpent("message")
		}
	}
	return Reply{Text: answer, Buttons: backToMenu()}
}

func (h *Handler) mainMenu(u *store.User) Reply {
	return Reply{
		Text: "👋 Hi! I'm " + h.Bot.Name + ", your AI companion.\n\n" +
			balanceLines(u) +
			"\nWhat would you like to do today?",
		Buttons: [][]Button{
			{{Text: "💬 Chat", Data: ActionChat}, {Text: "📸 Send Me a Picture", Data: ActionPicture}},
			{{Text: "🔗 Get Referral Link", Data: ActionReferral}, {Text: "💰 Wallet", Data: ActionWallet}},
		},
	}
}

func (h *Handler) subscriptionPrompt() Reply {
	channel := h.Bot.ChannelName
	if channel == "" {
		channel = h.Bot.ChannelID
	}
	return Reply{
		Text: "🌸 Welcome to " + h.Bot.Name + "!\n\nTo unlock all features, please join our channel first:\n\n" +
			channel + "\n\nAfter joining, tap the button below to verify your subscription.",
		Buttons: [][]Button{
			{{Text: "📢 Join Channel", URL: "https://t.me/" + strings.TrimPrefix(h.Bot.ChannelID, "@")}},
			{{Text: "✅ I Joined - Verify", Data: ActionVerifySubscription}},
		},
	}
}

func (h *Handler) chatPrompt(u *store.User) Reply {
	if u.MessagesLeft <= 0 {
		return Reply{
			Text:    "💔 You've run out of messages! Get more through referrals or upgrade your plan.",
			Buttons: outOfCreditsButtons(),
		}
	}
	return Reply{
		Text:    "💬 I'm here! Send me a message and I'll reply.\n\n💌 Messages left: " + strconv.Itoa(u.MessagesLeft),
		Buttons: backToMenu(),
	}
}

func (h *Handler) sendPicture(ctx context.Context, u *store.User) Reply {
	if u.ImagesLeft <= 0 {
		return Reply{
			Text:    "💔 You've run out of image credits! Get more through referrals or upgrade your plan.",
			Buttons: outOfCreditsButtons(),
		}
	}

	imageURL, err := h.Images.GenerateImage(ctx, h.ImagePrompt)
	if err != nil || imageURL == "" {
		h.log.Warn("Image generation failed", zap.Int64("user_id", u.TelegramID), zap.Error(err))
		h.Metrics.UpstreamFailure("image")
		return Reply{Text: "❌ Sorry, I couldn't generate an image right now. Please try again later.", Buttons: backToMenu()}
	}

	if !h.Ledger.SpendImage(ctx, u.TelegramID) {
		return Reply{Text: "💔 You've run out of image credits!", Buttons: outOfCreditsButtons()}
	}
	h.Ledger.RecordStat(ctx, ledger.StatImageUsed)
	h.Metrics.CreditSpent("image")
	return Reply{
		Text:     "💖 Here's a picture just for you!\n\n🖼️ Images left: " + strconv.Itoa(u.ImagesLeft-1),
		ImageURL: imageURL,
		Buttons:  backToMenu(),
	}
}

func (h *Handler) referralLink(ctx context.Context, u *store.User) Reply {
	link, ok := h.Referrals.ReferralLink(ctx, u.TelegramID)
	if !ok {
		return errorReply()
	}
	return Reply{
		Text: "🔗 Your personal referral link:\n\n" + link + "\n\n" +
			"💰 Earn rewards for each friend who joins:\n" +
			"• " + strconv.Itoa(h.Credits.ReferralBonusMessages) + " bonus messages 💌\n" +
			"• " + strconv.Itoa(h.Credits.ReferralBonusImages) + " bonus images 🖼️\n\n" +
			"Share this link with your friends and earn together!",
		Buttons: backToMenu(),
	}
}

func (h *Handler) wallet(u *store.User) Reply {
	var b strings.Builder
	b.WriteString("💰 Your Wallet:\n\n")
	b.WriteString(balanceLines(u))
	b.WriteString("\n💎 Upgrade plans:\n")
	row := make([]Button, 0, 2)
	for _, p := range h.Payments.Plans() {
		b.WriteString("• ₹" + p.Price.String() + " → " + strconv.Itoa(p.Messages) + " messages + " + strconv.Itoa(p.Images) + " images\n")
		row = append(row, Button{Text: "💎 ₹" + p.Price.String() + " Plan", Data: "upgrade_" + p.ID})
	}
	b.WriteString("\nChoose a plan to upgrade!")
	return Reply{
		Text:    b.String(),
		Buttons: [][]Button{row, {{Text: "🔙 Back to Menu", Data: ActionMenu}}},
	}
}

func (h *Handler) upgrade(ctx context.Context, u *store.User, planID string) Reply {
	msg, _, ok := h.Payments.RequestUpgrade(ctx, u.TelegramID, planID)
	if !ok {
		return Reply{Text: "❌ Invalid plan selected."}
	}
	return Reply{
		Text:    msg,
		Buttons: [][]Button{{{Text: "🔙 Back to Wallet", Data: ActionWallet}}},
	}
}

func balanceLines(u *store.User) string {
	return "💌 Messages left: " + strconv.Itoa(u.MessagesLeft) + "\n" +
		"🖼️ Images left: " + strconv.Itoa(u.ImagesLeft) + "\n" +
		"👥 Referrals: " + strconv.Itoa(u.Referrals) + "\n"
}

func backToMenu() [][]Button {
	return [][]Button{{{Text: "🔙 Back to Menu", Data: ActionMenu}}}
}

func outOfCreditsButtons() [][]Button {
	return [][]Button{
		{{Text: "🔗 Get Referral Link", Data: ActionReferral}},
		{{Text: "💰 Upgrade Plan", Data: ActionWallet}},
		{{Text: "🔙 Back to Menu", Data: ActionMenu}},
	}
}

func startPrompt() Reply {
	return Reply{Text: "Please start the bot first by typing /start"}
}

func errorReply() Reply {
	return Reply{Text: "❌ Something went wrong. Please try again later."}
}
