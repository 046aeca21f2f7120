// Package bot is the approver-facing Telegram bot: it relays new edit and
// publish requests to approver chats and lets admins review them.
package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/app"
)

type Bot struct {
	service  *app.Service
	tokens   *app.TokenManager
	notifier *app.RedisNotifier
	api      *tgbotapi.BotAPI
	admins   map[int64]bool
}

func New(service *app.Service, tokens *app.TokenManager, notifier *app.RedisNotifier) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(service.Config.Bot.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	admins := make(map[int64]bool)
	for _, id := range service.Config.Bot.AdminIDs {
		admins[id] = true
	}

	return &Bot{
		service:  service,
		tokens:   tokens,
		notifier: notifier,
		api:      api,
		admins:   admins,
	}, nil
}

// Start handles commands and relays notifications until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	go func() {
		if err := b.notifier.Subscribe(ctx, b.relay); err != nil && ctx.Err() == nil {
			logger.Error.Printf("Notification subscription stopped: %v", err)
		}
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}

			go b.handleMessage(ctx, update.Message)

		case <-ctx.Done():
			logger.Info.Println("Shutting down bot...")
			return nil
		}
	}
}

// relay forwards a notification to every registered approver chat.
func (b *Bot) relay(n app.Notification) {
	ctx := context.Background()
	chats, err := b.tokens.FetchApproverChats(ctx)
	if err != nil {
		logger.Error.Printf("Failed to load approver chats: %v", err)
		return
	}

	text := FormatNotification(n)
	for _, chat := range chats {
		if err := b.sendMessage(chat.ChatID, text); err != nil {
			logger.Error.Printf("Failed to notify chat %d: %v", chat.ChatID, err)
		}
	}
}

func (b *Bot) sendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	return err
}
