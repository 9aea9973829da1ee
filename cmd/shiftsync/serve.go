package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/auth"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/database"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/logging"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/records"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/server"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	if err := appConfig.RequireServer(); err != nil {
		return err
	}

	logger, err := logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.ServerDatabasePath, database.ServerSchema(), logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	tokenIssuer, err := newTokenIssuer(appConfig.SigningSecret, appConfig.TokenTTL)
	if err != nil {
		return err
	}

	recordService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: syncer.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Records:        recordService,
		Realtime:       server.NewRealtimeDispatcher(server.RealtimeConfig{Logger: logger}),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newTokenIssuer(secret string, ttl time.Duration) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      ttl,
	})
}
