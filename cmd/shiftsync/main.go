package main

import (
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "shiftsync",
		Short:        "Offline-first shift tracking sync agent and reference API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newAgentCommand(),
		newServeCommand(),
		newTokenCommand(),
		newStatusCommand(),
		newConflictsCommand(),
		newFailedCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Device SQLite database path")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.base_url"), "Remote API base URL")
	cmd.PersistentFlags().String("access-token", "", "Bearer token for the remote API (overrides env)")
	cmd.PersistentFlags().String("user-id", defaults.GetString("agent.user_id"), "User the agent synchronizes for")
	cmd.PersistentFlags().String("conflict-strategy", defaults.GetString("sync.conflict_strategy"), "Conflict strategy (remote-wins, local-wins, manual)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address for serve")
	cmd.PersistentFlags().String("server-database-path", defaults.GetString("server.database_path"), "SQLite database path for serve")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "remote.access_token", "access-token")
	bindFlag(cmd, "agent.user_id", "user-id")
	bindFlag(cmd, "sync.conflict_strategy", "conflict-strategy")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "server.database_path", "server-database-path")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile == "" {
		return nil
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}

	return nil
}

func loadConfig() (config.AppConfig, error) {
	return config.Load(viper.GetViper())
}
