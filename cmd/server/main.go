package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/api"
	"gwi.com/companion-bot/internal/bot"
	"gwi.com/companion-bot/internal/config"
	"gwi.com/companion-bot/internal/core"
	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/logger"
	"gwi.com/companion-bot/internal/metrics"
	"gwi.com/companion-bot/internal/payment"
	"gwi.com/companion-bot/internal/referral"
	"gwi.com/companion-bot/internal/store"
)

const (
	limiterCleanupEvery = 10 * time.Minute
	limiterIdleAfter    = time.Hour
)

func main() {
	// Command line flag for a one-off abuse report
	abuseReportFlag := flag.Bool("abuse-report", false, "Print the referral abuse report as JSON and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer logr.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	dataStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logr.Fatal("Failed to initialize store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer dataStore.Close()

	l := ledger.New(dataStore, cfg.Credits, logr)
	referrals := referral.NewEngine(l, cfg.Bot.Link, cfg.Credits, logr)

	if *abuseReportFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(referrals.DetectAbuse(ctx)); err != nil {
			logr.Fatal("Failed to write abuse report", zap.Error(err))
		}
		return
	}

	m := metrics.New()
	payments := payment.NewService(l, cfg.Payments, logr)

	llmService, err := core.NewLLMService(ctx, cfg.LLM, cfg.Bot, logr)
	if err != nil {
		logr.Fatal("Failed to initialize LLM service", zap.Error(err))
	}
	defer llmService.Close()

	chatService := core.NewChatService(l, llmService, m, logr)
	imageService := core.NewImageService(cfg.Image, logr)

	var subscriptions bot.SubscriptionChecker
	if cfg.Bot.Token != "" && cfg.Bot.ChannelID != "" {
		subscriptions = bot.NewTelegramChecker(cfg.Bot.APIURL, cfg.Bot.Token, cfg.Bot.ChannelID)
	} else {
		logr.Warn("TELEGRAM_BOT_TOKEN or TELEGRAM_CHANNEL_ID not set, channel subscription check disabled")
	}

	limiter := bot.NewRateLimiter(cfg.Limits.PerSecond, cfg.Limits.Burst)
	go limiter.Run(ctx, limiterCleanupEvery, limiterIdleAfter)

	botHandler := bot.NewHandler(bot.Deps{
		Ledger:        l,
		Referrals:     referrals,
		Payments:      payments,
		Chat:          chatService,
		Images:        imageService,
		Subscriptions: subscriptions,
		Limiter:       limiter,
		Metrics:       m,
		Bot:           cfg.Bot,
		Credits:       cfg.Credits,
		ImagePrompt:   cfg.Image.Prompt,
		Log:           logr,
	})

	apiHandler, err := api.NewAPIHandler(api.Deps{
		Ledger:        l,
		Referrals:     referrals,
		Payments:      payments,
		Bot:           botHandler,
		Metrics:       m,
		Admin:         cfg.Admin,
		WebhookSecret: cfg.Bot.WebhookSecret,
		Log:           logr,
	})
	if err != nil {
		logr.Fatal("Failed to initialize API handler", zap.Error(err))
	}
	if cfg.Bot.WebhookSecret == "" {
		logr.Warn("BOT_WEBHOOK_SECRET not set, bot event ingress disabled")
	}
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 4 * time.Minute, // image generation polls for minutes
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logr.Info("Starting server", zap.String("addr", serverAddr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatal("Could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("Server forced to shutdown", zap.Error(err))
	}

	logr.Info("Server exiting gracefully")
}
