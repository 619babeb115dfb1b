package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramLimit = 4096

// Handler answers one incoming chat message.
type Handler interface {
	Handle(ctx context.Context, chatID, text string) string
}

type TelegramGateway struct {
	Bot     *tgbotapi.BotAPI
	Handler Handler
	// Allowed restricts which Telegram chats may drive the device. Empty
	// allows everyone.
	Allowed map[int64]bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTelegramGateway(token string, handler Handler, allowed []int64) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("[Gateway] Authorized on Telegram account %s", bot.Self.UserName)

	ctx, cancel := context.WithCancel(context.Background())
	tg := &TelegramGateway{
		Bot:     bot,
		Handler: handler,
		Allowed: make(map[int64]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, id := range allowed {
		tg.Allowed[id] = true
	}
	return tg, nil
}

func (tg *TelegramGateway) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}
		chat := update.Message.Chat.ID
		if len(tg.Allowed) > 0 && !tg.Allowed[chat] {
			log.Printf("[Gateway] ignoring Telegram chat %d", chat)
			continue
		}

		log.Printf("[Gateway] [%s] %s", update.Message.From.UserName, update.Message.Text)

		reply := tg.Handler.Handle(tg.ctx, ChatID("telegram", strconv.FormatInt(chat, 10)), update.Message.Text)
		if reply == "" {
			continue
		}
		if err := tg.send(chat, reply); err != nil {
			log.Printf("[Gateway] Telegram reply failed: %v", err)
		}
	}
	return nil
}

// Send takes the gateway-local chat id.
func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}
	return tg.send(id, text)
}

func (tg *TelegramGateway) send(chat int64, text string) error {
	msg := tgbotapi.NewMessage(chat, clip(text, telegramLimit))
	msg.ParseMode = "Markdown"
	if _, err := tg.Bot.Send(msg); err == nil {
		return nil
	}
	// Step outputs are free text and often are not valid Markdown.
	msg.ParseMode = ""
	_, err := tg.Bot.Send(msg)
	return err
}

func (tg *TelegramGateway) Stop() error {
	tg.cancel()
	tg.Bot.StopReceivingUpdates()
	return nil
}
