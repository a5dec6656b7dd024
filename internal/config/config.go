package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPPort  string
	LogLevel  string
	LogFormat string

	Store    StoreConfig
	Bot      BotConfig
	Credits  CreditConfig
	LLM      LLMConfig
	Image    ImageConfig
	Payments PaymentConfig
	Admin    AdminConfig
	Limits   RateLimitConfig
}

type StoreConfig struct {
	Driver        string // file, sqlite or redis
	DataDir       string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type BotConfig struct {
	Name          string
	Personality   string
	Link          string // e.g. https://t.me/SomeBot
	Token         string
	APIURL        string
	ChannelID     string
	ChannelName   string
	WebhookSecret string
}

type CreditConfig struct {
	StartingMessages      int
	StartingImages        int
	ReferralBonusMessages int
	ReferralBonusImages   int
}

type LLMConfig struct {
	GeminiAPIKey string
	ChatModel    string
}

type ImageConfig struct {
	APIKey       string
	APIURL       string
	Model        string
	Prompt       string
	PollInterval time.Duration
	Timeout      time.Duration
}

type Plan struct {
	Price    int
	Messages int
	Images   int
}

type PaymentConfig struct {
	UPIID string
	Tier1 Plan
	Tier2 Plan
}

type AdminConfig struct {
	Username  string
	Password  string
	JWTSecret string
}

type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// Load reads .env (if present), an optional config.yaml and the environment.
// Environment variables win over the YAML file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")

	v.SetDefault("STORE_DRIVER", "file")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("DATABASE_URL", "companion_bot.db")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("BOT_NAME", "Lily")
	v.SetDefault("BOT_PERSONALITY", "warm, cheerful and supportive companion")
	v.SetDefault("BOT_LINK", "https://t.me/Lilyforyou_bot")
	v.SetDefault("TELEGRAM_API_URL", "https://api.telegram.org")

	v.SetDefault("STARTING_MESSAGES", 50)
	v.SetDefault("STARTING_IMAGES", 5)
	v.SetDefault("REFERRAL_BONUS_MESSAGES", 12)
	v.SetDefault("REFERRAL_BONUS_IMAGES", 2)

	v.SetDefault("CHAT_MODEL", "gemini-1.5-flash-latest")

	v.SetDefault("PIAPI_API_URL", "https://api.piapi.ai/api/v1/task")
	v.SetDefault("PIAPI_FLUX_MODEL", "Qubico/flux1-dev")
	v.SetDefault("IMAGE_PROMPT", "anime girl portrait, smiling, detailed, vibrant colors, soft lighting, best quality")
	v.SetDefault("IMAGE_POLL_INTERVAL", "5s")
	v.SetDefault("IMAGE_TIMEOUT", "3m")

	v.SetDefault("UPI_ID", "your-upi-id@paytm")
	v.SetDefault("TIER_1_PRICE", 50)
	v.SetDefault("TIER_1_MESSAGES", 100)
	v.SetDefault("TIER_1_IMAGES", 25)
	v.SetDefault("TIER_2_PRICE", 100)
	v.SetDefault("TIER_2_MESSAGES", 210)
	v.SetDefault("TIER_2_IMAGES", 32)

	v.SetDefault("ADMIN_USERNAME", "admin")

	v.SetDefault("RATE_LIMIT_PER_SECOND", 1.0)
	v.SetDefault("RATE_LIMIT_BURST", 5)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		HTTPPort:  v.GetString("HTTP_PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat: v.GetString("LOG_FORMAT"),
		Store: StoreConfig{
			Driver:        v.GetString("STORE_DRIVER"),
			DataDir:       v.GetString("DATA_DIR"),
			DatabaseURL:   v.GetString("DATABASE_URL"),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
		Bot: BotConfig{
			Name:          v.GetString("BOT_NAME"),
			Personality:   v.GetString("BOT_PERSONALITY"),
			Link:          strings.TrimSuffix(v.GetString("BOT_LINK"), "/"),
			Token:         v.GetString("TELEGRAM_BOT_TOKEN"),
			APIURL:        strings.TrimSuffix(v.GetString("TELEGRAM_API_URL"), "/"),
			ChannelID:     v.GetString("TELEGRAM_CHANNEL_ID"),
			ChannelName:   v.GetString("TELEGRAM_CHANNEL_NAME"),
			WebhookSecret: v.GetString("BOT_WEBHOOK_SECRET"),
		},
		Credits: CreditConfig{
			StartingMessages:      v.GetInt("STARTING_MESSAGES"),
			StartingImages:        v.GetInt("STARTING_IMAGES"),
			ReferralBonusMessages: v.GetInt("REFERRAL_BONUS_MESSAGES"),
			ReferralBonusImages:   v.GetInt("REFERRAL_BONUS_IMAGES"),
		},
		LLM: LLMConfig{
			GeminiAPIKey: v.GetString("GEMINI_API_KEY"),
			ChatModel:    v.GetString("CHAT_MODEL"),
		},
		Image: ImageConfig{
			APIKey:       v.GetString("PIAPI_API_KEY"),
			APIURL:       v.GetString("PIAPI_API_URL"),
			Model:        v.GetString("PIAPI_FLUX_MODEL"),
			Prompt:       v.GetString("IMAGE_PROMPT"),
			PollInterval: v.GetDuration("IMAGE_POLL_INTERVAL"),
			Timeout:      v.GetDuration("IMAGE_TIMEOUT"),
		},
		Payments: PaymentConfig{
			UPIID: v.GetString("UPI_ID"),
			Tier1: Plan{
				Price:    v.GetInt("TIER_1_PRICE"),
				Messages: v.GetInt("TIER_1_MESSAGES"),
				Images:   v.GetInt("TIER_1_IMAGES"),
			},
			Tier2: Plan{
				Price:    v.GetInt("TIER_2_PRICE"),
				Messages: v.GetInt("TIER_2_MESSAGES"),
				Images:   v.GetInt("TIER_2_IMAGES"),
			},
		},
		Admin: AdminConfig{
			Username:  v.GetString("ADMIN_USERNAME"),
			Password:  v.GetString("ADMIN_PASSWORD"),
			JWTSecret: v.GetString("JWT_SECRET"),
		},
		Limits: RateLimitConfig{
			PerSecond: v.GetFloat64("RATE_LIMIT_PER_SECOND"),
			Burst:     v.GetInt("RATE_LIMIT_BURST"),
		},
	}
}

func (c *Config) validate() error {
	if c.LLM.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if c.Admin.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.Admin.Password == "" {
		return fmt.Errorf("ADMIN_PASSWORD environment variable is required")
	}
	switch c.Store.Driver {
	case "file", "sqlite", "redis":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Credits.StartingMessages < 0 || c.Credits.StartingImages < 0 {
		return fmt.Errorf("starting credits must not be negative")
	}
	return nil
}
