package telegram

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier handles sending staff alerts to multiple chats
type Notifier struct {
	bot     sender
	chatIDs []int64
}

func NewNotifier(botToken string, chatIDs []int64) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %v", err)
	}

	return &Notifier{
		bot:     bot,
		chatIDs: chatIDs,
	}, nil
}

// Alert sends text to all configured chat IDs without waiting for delivery.
func (n *Notifier) Alert(text string) {
	if n == nil || n.bot == nil {
		return
	}

	for _, chatID := range n.chatIDs {
		go func(cid int64) {
			if _, err := n.bot.Send(tgbotapi.NewMessage(cid, text)); err != nil {
				log.Errorf("Failed to send telegram message to chat %d: %v", cid, err)
			}
		}(chatID)
	}
}

// ParseChatIDs reads TELEGRAM_CHAT_ID_1..3 style values, skipping blanks and bad ids.
func ParseChatIDs(values ...string) []int64 {
	var chatIDs []int64
	for i, v := range values {
		if v == "" {
			continue
		}
		chatID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Errorf("Invalid TELEGRAM_CHAT_ID_%d format: %v", i+1, err)
			continue
		}
		chatIDs = append(chatIDs, chatID)
	}
	return chatIDs
}

// FromEnv returns nil when the bot is not configured, which disables staff alerts.
func FromEnv(botToken string, chatIDs []int64) *Notifier {
	if botToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, staff alerts disabled")
		return nil
	}
	if len(chatIDs) == 0 {
		log.Warn("No valid telegram chat IDs found, staff alerts disabled")
		return nil
	}

	n, err := NewNotifier(botToken, chatIDs)
	if err != nil {
		log.Errorf("Failed to initialize Telegram notifier: %v", err)
		return nil
	}

	log.Infof("Telegram notifier initialized with %d chat IDs", len(chatIDs))
	return n
}
