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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/reliefops/fieldsync/internal/auth"
	"github.com/reliefops/fieldsync/internal/bridge"
	"github.com/reliefops/fieldsync/internal/config"
	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/connectivity"
	"github.com/reliefops/fieldsync/internal/database"
	"github.com/reliefops/fieldsync/internal/engine"
	"github.com/reliefops/fieldsync/internal/logging"
	"github.com/reliefops/fieldsync/internal/optimistic"
	"github.com/reliefops/fieldsync/internal/priority"
	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsyncd",
		Short: "Offline-first sync daemon for humanitarian field data",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Actor token signing secret (overrides env)")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Central platform base URL")
	cmd.PersistentFlags().String("remote-auth-token", "", "Bearer token for the central platform")
	cmd.PersistentFlags().Int("sync-batch-size", defaults.GetInt("sync.batch_size"), "Items synced per batch")
	cmd.PersistentFlags().Duration("sync-drain-interval", defaults.GetDuration("sync.drain_interval"), "Interval between automatic drains while online")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.auth_token", "remote-auth-token")
	bindFlag(cmd, "sync.batch_size", "sync-batch-size")
	bindFlag(cmd, "sync.drain_interval", "sync-drain-interval")
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

func newTokenCommand() *cobra.Command {
	var (
		actorID string
		name    string
		role    string
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an actor token for a field device",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueActorToken(cmd.Context(), auth.ActorClaims{
				ActorID: actorID,
				Name:    name,
				Role:    role,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&actorID, "actor", "", "Actor identifier (required)")
	tokenCmd.Flags().StringVar(&name, "name", "", "Actor display name")
	tokenCmd.Flags().StringVar(&role, "role", "field_worker", "Actor role")
	_ = tokenCmd.MarkFlagRequired("actor")
	return tokenCmd
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

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	rules, err := priority.LoadRules(ctx, db)
	if err != nil {
		return err
	}
	scorer := priority.NewScorer(priority.ScorerConfig{Rules: rules})

	syncQueue, err := queue.New(queue.Config{
		Database:    db,
		IDProvider:  queue.NewUUIDProvider(),
		Logger:      logger,
		BatchSize:   appConfig.SyncBatchSize,
		MaxRetries:  appConfig.SyncMaxRetries,
		BackoffBase: appConfig.SyncBackoffBase,
		BackoffCap:  appConfig.SyncBackoffCap,
	})
	if err != nil {
		return err
	}

	store, err := optimistic.NewStore(optimistic.StoreConfig{
		Database:   db,
		IDProvider: queue.NewUUIDProvider(),
		Enqueuer:   &engine.ScoringEnqueuer{Queue: syncQueue, Scorer: scorer},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	monitor := connectivity.NewMonitor()
	hub := bridge.NewHub()
	remote, err := engine.NewHTTPRemote(engine.HTTPRemoteConfig{
		BaseURL:   appConfig.RemoteBaseURL,
		AuthToken: appConfig.RemoteAuthToken,
	})
	if err != nil {
		return err
	}

	orchestrator, err := engine.New(engine.Config{
		Queue:              syncQueue,
		Store:              store,
		Resolver:           conflict.NewResolver(conflict.ResolverConfig{}),
		Remote:             remote,
		Monitor:            monitor,
		Hub:                hub,
		Logger:             logger,
		BatchSize:          appConfig.SyncBatchSize,
		ItemDelay:          appConfig.SyncItemDelay,
		DrainInterval:      appConfig.SyncDrainInterval,
		BackgroundBatchCap: appConfig.SyncBackgroundBatchCap,
	})
	if err != nil {
		return err
	}

	wsBridge := server.NewWebSocketBridge(hub, logger)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Queue:          syncQueue,
		Store:          store,
		Monitor:        monitor,
		Synchronizer:   orchestrator,
		Scorer:         scorer,
		Bridge:         wsBridge,
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

	go orchestrator.Run(signalCtx)

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
		wsBridge.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
