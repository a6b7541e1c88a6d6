package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/avvvet/ohgo-stamp-services/internal/pushsvc/push"
	"github.com/avvvet/ohgo-stamp-services/internal/pushsvc/telegram"
)

type Config struct {
	StoreDriver     string
	MongoURI        string
	PostgresURL     string
	ExpoHost        string
	TelegramToken   string
	TelegramChatIDs []int64
}

func Load() (Config, error) {
	cfg := Config{
		StoreDriver:   strings.ToLower(os.Getenv("STORE_DRIVER")),
		MongoURI:      os.Getenv("MONGODB_URI"),
		PostgresURL:   os.Getenv("POSTGRES_URL"),
		ExpoHost:      os.Getenv("EXPO_PUSH_HOST"),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatIDs: telegram.ParseChatIDs(
			os.Getenv("TELEGRAM_CHAT_ID_1"),
			os.Getenv("TELEGRAM_CHAT_ID_2"),
			os.Getenv("TELEGRAM_CHAT_ID_3"),
		),
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "mongo"
	}
	if cfg.ExpoHost == "" {
		cfg.ExpoHost = push.DefaultExpoHost
	}

	// push tokens live in the shared store, an in-process one would always be empty
	if cfg.StoreDriver != "mongo" && cfg.StoreDriver != "postgres" {
		return cfg, fmt.Errorf("push service needs STORE_DRIVER mongo or postgres, got %q", cfg.StoreDriver)
	}
	return cfg, nil
}
