package bot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/config"
	"gwi.com/companion-bot/internal/core"
	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/metrics"
	"gwi.com/companion-bot/internal/payment"
	"gwi.com/companion-bot/internal/referral"
	"gwi.com/companion-bot/internal/store"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) GetChatCompletion(context.Context, []*genai.Content) (string, error) {
	f.calls++
	return f.reply, f.err
}

type fakeImages struct {
	url string
	err error
}

func (f *fakeImages) GenerateImage(context.Context, string) (string, error) {
	return f.url, f.err
}

type fakeSubscriptions struct{ subscribed bool }

func (f *fakeSubscriptions) IsSubscribed(context.Context, int64) (bool, error) {
	return f.subscribed, nil
}

type fixture struct {
	handler *Handler
	ledger  *ledger.Ledger
	llm     *fakeCompleter
	images  *fakeImages
	subs    *fakeSubscriptions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	credits := config.CreditConfig{
		StartingMessages:      50,
		StartingImages:        5,
		ReferralBonusMessages: 12,
		ReferralBonusImages:   2,
	}
	botCfg := config.BotConfig{Name: "Lily", Link: "https://t.me/Lilyforyou_bot", ChannelID: "@lily_channel"}
	log := zap.NewNop()
	m := metrics.New()
	l := ledger.New(store.New(b), credits, log)
	llm := &fakeCompleter{reply: "hey!"}
	images := &fakeImages{url: "https://img.example/1.png"}
	subs := &fakeSubscriptions{subscribed: true}

	h := NewHandler(Deps{
		Ledger:    l,
		Referrals: referral.NewEngine(l, botCfg.Link, credits, log),
		Payments: payment.NewService(l, config.PaymentConfig{
			UPIID: "shop@upi",
			Tier1: config.Plan{Price: 50, Messages: 100, Images: 25},
			Tier2: config.Plan{Price: 100, Messages: 210, Images: 32},
		}, log),
		Chat:          core.NewChatService(l, llm, m, log),
		Images:        images,
		Subscriptions: subs,
		Metrics:       m,
		Bot:           botCfg,
		Credits:       credits,
		ImagePrompt:   "a cozy cafe",
		Log:           log,
	})
	return &fixture{handler: h, ledger: l, llm: llm, images: images, subs: subs}
}

func (f *fixture) send(t *testing.T, ev Event) Reply {
	t.Helper()
	return f.handler.Handle(context.Background(), ev)
}

func buttonData(r Reply) []string {
	var out []string
	for _, row := range r.Buttons {
		for _, b := range row {
			if b.Data != "" {
				out = append(out, b.Data)
			}
		}
	}
	return out
}

func TestStartCreatesUserAndShowsMenu(t *testing.T) {
	f := newFixture(t)
	r := f.send(t, Event{SenderID: 1, Username: "alice", Text: "/start"})

	require.Contains(t, r.Text, "Messages left: 50")
	require.Contains(t, buttonData(r), ActionChat)
	u := f.ledger.GetUser(context.Background(), 1)
	require.NotNil(t, u)
	require.Equal(t, "alice", u.Username)
	require.Empty(t, u.ReferralCode)
}

func TestStartWithReferralCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, Event{SenderID: 2, Username: "bob", Text: "/start"})
	r := f.send(t, Event{SenderID: 2, ButtonData: ActionReferral})
	i := strings.Index(r.Text, "?start=")
	require.Positive(t, i)
	code := r.Text[i+len("?start=") : i+len("?start=")+8]

	f.send(t, Event{SenderID: 1, Username: "alice", Text: "/start " + code})

	bob := f.ledger.GetUser(ctx, 2)
	require.Equal(t, 1, bob.Referrals)
	require.Equal(t, 62, bob.MessagesLeft)
	require.Equal(t, 7, bob.ImagesLeft)
	alice := f.ledger.GetUser(ctx, 1)
	require.EqualValues(t, 2, *alice.ReferredBy)
	require.NotEqual(t, code, alice.ReferralCode)

	// Restarting with the code again changes nothing.
	f.send(t, Event{SenderID: 1, Text: "/start " + code})
	require.Equal(t, 62, f.ledger.GetUser(ctx, 2).MessagesLeft)
}

func TestStartRequiresSubscription(t *testing.T) {
	f := newFixture(t)
	f.subs.subscribed = false

	r := f.send(t, Event{SenderID: 1, Text: "/start"})
	require.Contains(t, r.Text, "join our channel")
	require.Equal(t, "https://t.me/lily_channel", r.Buttons[0][0].URL)

	r = f.send(t, Event{SenderID: 1, ButtonData: ActionVerifySubscription})
	require.Contains(t, r.Text, "haven't joined")

	f.subs.subscribed = true
	r = f.send(t, Event{SenderID: 1, ButtonData: ActionVerifySubscription})
	require.Contains(t, r.Text, "successfully joined")
	require.Contains(t, buttonData(r), ActionWallet)
}

func TestTextFromUnknownUser(t *testing.T) {
	f := newFixture(t)
	r := f.send(t, Event{SenderID: 9, Text: "hello"})
	require.Contains(t, r.Text, "/start")
	require.Zero(t, f.llm.calls)

	r = f.send(t, Event{SenderID: 9, ButtonData: ActionWallet})
	require.Contains(t, r.Text, "/start")
}

func TestTextSpendsOneCreditOnModelReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, Event{SenderID: 1, Text: "/start"})

	r := f.send(t, Event{SenderID: 1, Text: "how was your day?"})
	require.Equal(t, "hey!", r.Text)
	require.Equal(t, 1, f.llm.calls)

	u := f.ledger.GetUser(ctx, 1)
	require.Equal(t, 49, u.MessagesLeft)
	require.Equal(t, 1, u.TotalMessagesUsed)
	require.Len(t, u.ChatHistory, 2)
}

func TestZeroCreditsSkipsCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, Event{SenderID: 1, Text: "/start"})
	require.True(t, f.ledger.AdjustCredits(ctx, 1, -50, 0))

	r := f.send(t, Event{SenderID: 1, Text: "hello?"})
	require.Contains(t, r.Text, "run out of messages")
	require.Zero(t, f.llm.calls)
	require.Equal(t, 0, f.ledger.GetUser(ctx, 1).MessagesLeft)
}

func TestFallbackReplyDoesNotSpendCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, Event{SenderID: 1, Text: "/start"})
	f.llm.err = errors.New("upstream down")

	r := f.send(t, Event{SenderID: 1, Text: "good morning"})
	require.Equal(t, core.FallbackReply("good morning"), r.Text)
	require.Equal(t, 50, f.ledger.GetUser(ctx, 1).MessagesLeft)
}

func TestUpgradeAndUTRSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, Event{SenderID: 1, Text: "/start"})

	r := f.send(t, Event{SenderID: 1, ButtonData: ActionWallet})
	require.Equal(t, []string{ActionUpgradeTier1, ActionUpgradeTier2, ActionMenu}, buttonData(r))

	r = f.send(t, Event{SenderID: 1, ButtonData: ActionUpgradeTier2})
	require.Contains(t, r.Text, "Premium Plan")
	require.Contains(t, r.Text, "shop@upi")

	r = f.send(t, Event{SenderID: 1, Text: "987654321098"})
	require.Contains(t, r.Text, "UTR ID received")
	require.Zero(t, f.llm.calls)
	require.Equal(t, 50, f.ledger.GetUser(ctx, 1).MessagesLeft)

	orders := f.ledger.Orders(ctx)
	require.Len(t, orders, 1)
	require.Equal(t, store.OrderPending, orders[0].Status)
	require.Equal(t, "987654321098", orders[0].UTR)
}

func TestSendPicture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, Event{SenderID: 1, Text: "/start"})

	r := f.send(t, Event{SenderID: 1, ButtonData: ActionPicture})
	require.Equal(t, "https://img.example/1.png", r.ImageURL)
	require.Contains(t, r.Text, "Images left: 4")
	require.Equal(t, 4, f.ledger.GetUser(ctx, 1).ImagesLeft)
	require.Equal(t, 1, f.ledger.Stats(ctx).TotalImages)

	f.images.err = errors.New("task failed")
	f.images.url = ""
	r = f.send(t, Event{SenderID: 1, ButtonData: ActionPicture})
	require.Empty(t, r.ImageURL)
	require.Contains(t, r.Text, "couldn't generate")
	require.Equal(t, 4, f.ledger.GetUser(ctx, 1).ImagesLeft)
}

func TestPictureWithoutCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, Event{SenderID: 1, Text: "/start"})
	require.True(t, f.ledger.AdjustCredits(ctx, 1, 0, -5))

	r := f.send(t, Event{SenderID: 1, ButtonData: ActionPicture})
	require.Contains(t, r.Text, "run out of image credits")
	require.Empty(t, r.ImageURL)
}

func TestUnknownCallback(t *testing.T) {
	f := newFixture(t)
	f.send(t, Event{SenderID: 1, Text: "/start"})
	r := f.send(t, Event{SenderID: 1, ButtonData: "bogus"})
	require.Equal(t, "❌ Unknown command.", r.Text)
}

func TestRateLimitedEvents(t *testing.T) {
	f := newFixture(t)
	f.handler.Limiter = NewRateLimiter(0.0001, 2)

	f.send(t, Event{SenderID: 1, Text: "/start"})
	f.send(t, Event{SenderID: 1, Text: "hi"})
	r := f.send(t, Event{SenderID: 1, Text: "hi again"})
	require.Contains(t, r.Text, "Slow down")
	require.Equal(t, 1, f.llm.calls)
}

func TestEventKind(t *testing.T) {
	require.Equal(t, "start", eventKind(Event{Text: "/start"}))
	require.Equal(t, "start", eventKind(Event{Text: "/start ABCD1234"}))
	require.Equal(t, "text", eventKind(Event{Text: "/started"}))
	require.Equal(t, "callback", eventKind(Event{Text: "/start", ButtonData: ActionMenu}))
}
