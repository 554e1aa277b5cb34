package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/config"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/notify"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/passport"
	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// newProviders builds one passport client per configured server. Explicit base
// URLs replace the public hosts for every server.
func newProviders(appConfig config.AppConfig, logger *zap.Logger) (accounts.Providers, error) {
	clients := make(map[accounts.Server]accounts.VerificationProvider, len(appConfig.PassportServers))
	for _, raw := range appConfig.PassportServers {
		server, err := accounts.ParseServer(raw)
		if err != nil {
			return accounts.Providers{}, fmt.Errorf("passport.servers: %w", err)
		}
		endpoints, ok := passport.DefaultEndpoints(server)
		if appConfig.PassportBaseURL != "" {
			endpoints.BaseURL = appConfig.PassportBaseURL
			ok = true
		}
		if appConfig.PassportGameBaseURL != "" {
			endpoints.GameBaseURL = appConfig.PassportGameBaseURL
		}
		if !ok {
			logger.Warn("no passport endpoints known for server", zap.String("server", string(server)))
			continue
		}
		client, err := passport.NewClient(passport.ClientConfig{
			Server:      server,
			BaseURL:     endpoints.BaseURL,
			GameBaseURL: endpoints.GameBaseURL,
			Logger:      logger.Named("passport").With(zap.String("server", string(server))),
		})
		if err != nil {
			return accounts.Providers{}, err
		}
		clients[server] = client
	}
	return accounts.NewProviders(clients), nil
}

// newNotifier routes deletion notices to the chat platforms that have a bot token
// and always mirrors them to the in-process hub.
func newNotifier(appConfig config.AppConfig, renderer *notify.Renderer, hub *notify.Hub, logger *zap.Logger) (accounts.Notifier, error) {
	routes := make(map[accounts.Platform]accounts.Notifier)

	if appConfig.DiscordBotToken != "" {
		session, err := discordgo.New("Bot " + appConfig.DiscordBotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		discordNotifier, err := notify.NewDiscordNotifier(session, renderer, logger.Named("discord"))
		if err != nil {
			return nil, err
		}
		routes[accounts.PlatformDiscord] = discordNotifier
	} else {
		logger.Info("discord notices disabled", zap.String("reason", "discord.bot_token not set"))
	}

	if appConfig.TelegramBotToken != "" {
		bot, err := tgbotapi.NewBotAPI(appConfig.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		telegramNotifier, err := notify.NewTelegramNotifier(bot, renderer, logger.Named("telegram"))
		if err != nil {
			return nil, err
		}
		routes[accounts.PlatformTelegram] = telegramNotifier
	} else {
		logger.Info("telegram notices disabled", zap.String("reason", "telegram.bot_token not set"))
	}

	return notify.NewMulti(routes, hub), nil
}
