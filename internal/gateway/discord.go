package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordMaxMessage is Discord's per-message character limit.
const discordMaxMessage = 2000

type DiscordGateway struct {
	Session *discordgo.Session
	Chat    Chatter
	logger  *zap.Logger
}

func NewDiscordGateway(token string, chat Chatter, logger *zap.Logger) (*DiscordGateway, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	return &DiscordGateway{
		Session: dg,
		Chat:    chat,
		logger:  logger.Named("discord"),
	}, nil
}

func (d *DiscordGateway) Name() string { return "discord" }

// Start opens the gateway connection and blocks until ctx is done.
func (d *DiscordGateway) Start(ctx context.Context) error {
	remove := d.Session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.onMessage(ctx, s.State.User, m)
	})
	defer remove()

	if err := d.Session.Open(); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	d.logger.Info("connected")

	<-ctx.Done()
	return d.Stop()
}

func (d *DiscordGateway) onMessage(ctx context.Context, self *discordgo.User, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || (self != nil && m.Author.ID == self.ID) {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}
	d.logger.Info("message received", zap.String("channel_id", m.ChannelID), zap.String("from", m.Author.Username))

	if err := d.Send(m.ChannelID, answer(ctx, d.Chat, m.ChannelID, text)); err != nil {
		d.logger.Warn("failed to send reply", zap.String("channel_id", m.ChannelID), zap.Error(err))
	}
}

func (d *DiscordGateway) Send(chatID string, text string) error {
	if chatID == "" {
		return fmt.Errorf("invalid channel ID: %q", chatID)
	}
	for _, chunk := range splitMessage(text, discordMaxMessage) {
		if _, err := d.Session.ChannelMessageSend(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiscordGateway) Stop() error {
	return d.Session.Close()
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
