package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/auth"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/config"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/logging"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the device sync agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
}

func runAgent(ctx context.Context) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	if err := appConfig.RequireAgentCredentials(); err != nil {
		return err
	}

	logger, err := logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tokens, err := agentTokenSource(appConfig)
	if err != nil {
		return err
	}

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  tokens,
		Timeout: appConfig.RemoteTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	health, err := connectivity.NewHTTPProbe(connectivity.HTTPProbeConfig{
		BaseURL:  appConfig.RemoteBaseURL,
		Interval: appConfig.ProbeInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
		Provider:      health,
		Logger:        logger,
		DrainInterval: appConfig.ProbeInterval,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := openDevice(signalCtx, appConfig, client, monitor, logger)
	if err != nil {
		return err
	}
	defer dev.Close() //nolint:errcheck

	feed, err := remote.NewFeed(remote.FeedConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  tokens,
		Applier: dev.manager,
		Catchup: client,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	online := monitor.Refresh(signalCtx)
	logger.Info("agent starting",
		zap.String("remote", appConfig.RemoteBaseURL),
		zap.Bool("online", online),
		zap.Int("pending", dev.manager.PendingCount()),
		zap.String("conflict_strategy", string(dev.manager.ConflictStrategy())),
	)

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return monitor.Run(groupCtx, dev.manager)
	})
	group.Go(func() error {
		return feed.Run(groupCtx)
	})
	err = group.Wait()
	logger.Info("agent stopped", zap.Int("pending", dev.manager.PendingCount()))
	return err
}

func agentTokenSource(appConfig config.AppConfig) (auth.TokenSource, error) {
	if appConfig.AccessToken != "" {
		return auth.NewStaticTokenSource(appConfig.AccessToken)
	}
	issuer, err := newTokenIssuer(appConfig.SigningSecret, appConfig.TokenTTL)
	if err != nil {
		return nil, err
	}
	return auth.NewIssuerTokenSource(issuer, appConfig.AgentUserID)
}
