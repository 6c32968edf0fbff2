package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hydrusnetwork/tagrepo/internal/accounts"
	"github.com/hydrusnetwork/tagrepo/internal/auth"
	"github.com/hydrusnetwork/tagrepo/internal/config"
	"github.com/hydrusnetwork/tagrepo/internal/database"
	"github.com/hydrusnetwork/tagrepo/internal/logging"
	"github.com/hydrusnetwork/tagrepo/internal/repo"
	"github.com/hydrusnetwork/tagrepo/internal/server"
	"github.com/hydrusnetwork/tagrepo/internal/vault"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tagrepod",
		Short: "Tag repository server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("service-key", defaults.GetString("service.key"), "Repository service key")
	cmd.PersistentFlags().String("service-name", defaults.GetString("service.name"), "Repository display name")
	cmd.PersistentFlags().Int("update-period-seconds", defaults.GetInt("service.update_period_seconds"), "Update window length in seconds")
	cmd.PersistentFlags().String("vault-backend", defaults.GetString("vault.backend"), "Update package store backend (filesystem, memory, minio)")
	cmd.PersistentFlags().String("vault-path", defaults.GetString("vault.path"), "Filesystem vault directory")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "service.key", "service-key")
	bindFlag(cmd, "service.name", "service-name")
	bindFlag(cmd, "service.update_period_seconds", "update-period-seconds")
	bindFlag(cmd, "vault.backend", "vault-backend")
	bindFlag(cmd, "vault.path", "vault-path")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "session-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	packageVault, err := vault.NewFromConfig(ctx, appConfig.Vault)
	if err != nil {
		return err
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		KeyProvider: accounts.NewUUIDKeyProvider(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	locks := repo.NewServiceLocks()
	store, err := repo.NewStore(repo.StoreConfig{
		Database: db,
		Accounts: accountService,
		Locks:    locks,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	builder, err := repo.NewBuilder(repo.BuilderConfig{
		Database: db,
		Vault:    packageVault,
		Locks:    locks,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionManager, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		SessionTTL:    appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	if _, err := store.EnsureService(ctx, appConfig.ServiceKey, appConfig.ServiceName, appConfig.UpdatePeriod); err != nil {
		return err
	}
	registrationKey, err := accountService.BootstrapAdmin(ctx, appConfig.ServiceKey)
	if err != nil {
		return err
	}
	if registrationKey != "" {
		logger.Info("first run: redeem this registration key to create the administrator account",
			zap.String("registration_key", registrationKey))
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:   accountService,
		Store:      store,
		Builder:    builder,
		Sessions:   sessionManager,
		ServiceKey: appConfig.ServiceKey,
		Clock:      time.Now,
		Logger:     logger,
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

	go runSealLoop(signalCtx, builder, appConfig.ServiceKey, logger)

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

// runSealLoop periodically seals elapsed update windows. A failed pass is
// retried on the next tick; it never takes the server down.
func runSealLoop(ctx context.Context, builder *repo.Builder, serviceKey string, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sealed, err := builder.SealDueUpdates(ctx, serviceKey, time.Now().Add(45*time.Second))
			if err != nil {
				logger.Warn("update sealing pass failed", zap.Error(err))
				continue
			}
			if sealed > 0 {
				logger.Info("update windows sealed", zap.Int("count", sealed))
			}
		}
	}
}
