package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

var (
	errMissingSession  = errors.New("notify: discord session required")
	errMissingBot      = errors.New("notify: telegram bot required")
	errMissingRenderer = errors.New("notify: renderer required")
	errWrongPlatform   = errors.New("notify: link belongs to another platform")
)

// DiscordSession is the part of *discordgo.Session used to deliver direct messages.
type DiscordSession interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier sends notices as Discord direct messages.
type DiscordNotifier struct {
	session  DiscordSession
	renderer *Renderer
	logger   *zap.Logger
}

// NewDiscordNotifier wires a Discord session to a renderer.
func NewDiscordNotifier(session DiscordSession, renderer *Renderer, logger *zap.Logger) (*DiscordNotifier, error) {
	if session == nil {
		return nil, errMissingSession
	}
	if renderer == nil {
		return nil, errMissingRenderer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{session: session, renderer: renderer, logger: logger}, nil
}

// Notify opens (or reuses) the DM channel with the user and posts the notice.
func (n *DiscordNotifier) Notify(_ context.Context, link accounts.PlatformLink, notice accounts.Notice) error {
	if link.PlatformName != accounts.PlatformDiscord {
		return errWrongPlatform
	}
	channel, err := n.session.UserChannelCreate(strconv.FormatInt(link.PlatformID, 10))
	if err != nil {
		return fmt.Errorf("notify: discord channel for %d: %w", link.PlatformID, err)
	}
	if _, err := n.session.ChannelMessageSend(channel.ID, n.renderer.Render(notice)); err != nil {
		return fmt.Errorf("notify: discord message to %d: %w", link.PlatformID, err)
	}
	n.logger.Debug("discord notice sent", zap.Int64("platform_id", link.PlatformID), zap.String("kind", string(notice.Kind)))
	return nil
}

// TelegramBot is the part of *tgbotapi.BotAPI used to deliver messages.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends notices as Telegram private messages.
type TelegramNotifier struct {
	bot      TelegramBot
	renderer *Renderer
	logger   *zap.Logger
}

// NewTelegramNotifier wires a Telegram bot to a renderer.
func NewTelegramNotifier(bot TelegramBot, renderer *Renderer, logger *zap.Logger) (*TelegramNotifier, error) {
	if bot == nil {
		return nil, errMissingBot
	}
	if renderer == nil {
		return nil, errMissingRenderer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramNotifier{bot: bot, renderer: renderer, logger: logger}, nil
}

// Notify posts the notice to the user's private chat, whose id equals the user id.
func (n *TelegramNotifier) Notify(_ context.Context, link accounts.PlatformLink, notice accounts.Notice) error {
	if link.PlatformName != accounts.PlatformTelegram {
		return errWrongPlatform
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(link.PlatformID, n.renderer.Render(notice))); err != nil {
		return fmt.Errorf("notify: telegram message to %d: %w", link.PlatformID, err)
	}
	n.logger.Debug("telegram notice sent", zap.Int64("platform_id", link.PlatformID), zap.String("kind", string(notice.Kind)))
	return nil
}

// Multi routes each notice to the notifier of the link's platform and copies it
// to every tap. Failures are joined; one failing target does not stop the rest.
type Multi struct {
	routes map[accounts.Platform]accounts.Notifier
	taps   []accounts.Notifier
}

// NewMulti builds a router. Nil notifiers are skipped.
func NewMulti(routes map[accounts.Platform]accounts.Notifier, taps ...accounts.Notifier) *Multi {
	multi := &Multi{routes: make(map[accounts.Platform]accounts.Notifier, len(routes))}
	for platform, notifier := range routes {
		if notifier != nil {
			multi.routes[platform] = notifier
		}
	}
	for _, tap := range taps {
		if tap != nil {
			multi.taps = append(multi.taps, tap)
		}
	}
	return multi
}

// Notify implements accounts.Notifier.
func (m *Multi) Notify(ctx context.Context, link accounts.PlatformLink, notice accounts.Notice) error {
	var errs []error
	if notifier, ok := m.routes[link.PlatformName]; ok {
		if err := notifier.Notify(ctx, link, notice); err != nil {
			errs = append(errs, err)
		}
	}
	for _, tap := range m.taps {
		if err := tap.Notify(ctx, link, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
