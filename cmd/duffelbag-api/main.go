package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/auth"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/config"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/credentials"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/database"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/localisation"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/logging"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/notify"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/server"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/tasks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "duffelbag-api",
		Short: "Duffelbag account linking gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Gateway token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Gateway signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newIssueTokenCommand mints a bearer token for a chat bot frontend.
func newIssueTokenCommand() *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "issue-gateway-token",
		Short: "Issue a gateway token for a chat platform frontend",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			parsed, err := accounts.ParsePlatform(platform)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueGatewayToken(cmd.Context(), string(parsed))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "Chat platform the token is issued to (discord, telegram)")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger, accounts.Models()...)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	localiser, err := localisation.New()
	if err != nil {
		return err
	}
	noticeLocale, err := language.Parse(appConfig.NoticeLocale)
	if err != nil {
		return fmt.Errorf("notify.locale: %w", err)
	}

	providers, err := newProviders(appConfig, logger)
	if err != nil {
		return err
	}

	renderer := notify.NewRenderer(localiser, noticeLocale)
	hub := notify.NewHub(renderer)
	notifier, err := newNotifier(appConfig, renderer, hub, logger)
	if err != nil {
		return err
	}

	registry := tasks.NewRegistry(tasks.RegistryConfig{Logger: logger})
	defer registry.Shutdown()

	deletions, err := accounts.NewDeletionScheduler(accounts.DeletionSchedulerConfig{
		Database:    db,
		Registry:    registry,
		Notifier:    notifier,
		Profiles:    providers,
		GracePeriod: appConfig.GracePeriod,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	accountsService, err := accounts.NewService(accounts.ServiceConfig{
		Database: db,
		Hasher: credentials.NewArgon2Hasher(credentials.Argon2Config{
			MemoryKiB:   appConfig.Argon2MemoryKiB,
			Iterations:  appConfig.Argon2Iterations,
			Parallelism: appConfig.Argon2Parallelism,
		}),
		Providers:           providers,
		Deletions:           deletions,
		Registry:            registry,
		VerificationTimeout: appConfig.VerificationTimeout,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	defer accountsService.Shutdown()

	resumed, err := accountsService.ResumeDeletions(ctx)
	if err != nil {
		return err
	}
	logger.Info("scheduled deletions resumed",
		zap.Int("count", resumed),
		zap.Duration("grace_period", deletions.GracePeriod()),
	)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:       accountsService,
		Tokens:         tokenManager,
		Localiser:      localiser,
		Notifications:  hub,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
