package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type TelegramGateway struct {
	Bot    *tgbotapi.BotAPI
	Chat   Chatter
	logger *zap.Logger

	stopOnce sync.Once
}

func NewTelegramGateway(token string, chat Chatter, logger *zap.Logger) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logger = logger.Named("telegram")
	logger.Info("authorized", zap.String("account", bot.Self.UserName))

	return &TelegramGateway{
		Bot:    bot,
		Chat:   chat,
		logger: logger,
	}, nil
}

func (tg *TelegramGateway) Name() string { return "telegram" }

func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)
	stop := context.AfterFunc(ctx, func() { _ = tg.Stop() })
	defer stop()

	for update := range updates {
		if update.Message == nil || update.Message.Text == "" {
			continue
		}

		chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
		from := ""
		if update.Message.From != nil {
			from = update.Message.From.UserName
		}
		tg.logger.Info("message received", zap.String("chat_id", chatID), zap.String("from", from))

		response := answer(ctx, tg.Chat, chatID, update.Message.Text)
		msg := tgbotapi.NewMessage(update.Message.Chat.ID, response)
		if _, err := tg.Bot.Send(msg); err != nil {
			tg.logger.Warn("failed to send reply", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return nil
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = "Markdown"
	_, err = tg.Bot.Send(msg)
	return err
}

// Stop ends the update loop. The bot library panics on a second stop.
func (tg *TelegramGateway) Stop() error {
	tg.stopOnce.Do(tg.Bot.StopReceivingUpdates)
	return nil
}
