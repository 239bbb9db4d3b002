package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/modhub/internal/config"
	"github.com/MarcoPoloResearchLab/modhub/internal/history"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "modhub",
		Short:         "Mod Hub activity history client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newHistoryCommand(),
		newCountCommand(),
		newFavoriteCommand(),
		newDownloadCommand(),
		newWatchCommand(),
		newBrowseCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, userFacingError(err))
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Backend base URL")
	cmd.PersistentFlags().String("api-token", "", "Bearer token (overrides env); empty means local history only")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Device cache database path")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("history.page_size"), "History page size")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("history.debounce_ms"), "Filter debounce delay in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.token", "api-token")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "history.page_size", "page-size")
	bindFlag(cmd, "history.debounce_ms", "debounce-ms")
	bindFlag(cmd, "log.level", "log-level")
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

func userFacingError(err error) string {
	var mutationErr *history.MutationError
	if errors.As(err, &mutationErr) {
		return mutationErr.UserMessage()
	}
	return err.Error()
}
