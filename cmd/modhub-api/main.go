package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/auth"
	"github.com/MarcoPoloResearchLab/modhub/internal/catalog"
	"github.com/MarcoPoloResearchLab/modhub/internal/config"
	"github.com/MarcoPoloResearchLab/modhub/internal/database"
	"github.com/MarcoPoloResearchLab/modhub/internal/logging"
	"github.com/MarcoPoloResearchLab/modhub/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modhub-api",
		Short: "Mod Hub backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newImportCommand(), newTokenCommand())

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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
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

type runtime struct {
	config  config.ServerConfig
	logger  *zap.Logger
	db      *gorm.DB
	catalog *catalog.Service
	tokens  *auth.TokenIssuer
}

func openRuntime() (*runtime, error) {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, database.CatalogSchema())
	if err != nil {
		return nil, err
	}

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: catalog.UUIDv7{},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		config:  appConfig,
		logger:  logger,
		db:      db,
		catalog: catalogService,
		tokens:  tokenIssuer,
	}, nil
}

func (r *runtime) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: rt.tokens,
		Catalog:      rt.catalog,
		Realtime:     server.NewRealtimeDispatcher(),
		Logger:       rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
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

type modImportEntry struct {
	ModID        string   `json:"mod_id"`
	Name         string   `json:"name"`
	ThumbnailURL string   `json:"thumbnail_url"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	Tags         []string `json:"tags"`
	AssetURL     string   `json:"asset_url"`
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <mods.json>",
		Short: "Insert or refresh catalog entries from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var entries []modImportEntry
			if err := json.Unmarshal(raw, &entries); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}

			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			mods := make([]catalog.Mod, 0, len(entries))
			for _, entry := range entries {
				mods = append(mods, catalog.Mod{
					ModID:        entry.ModID,
					Name:         entry.Name,
					ThumbnailURL: entry.ThumbnailURL,
					Version:      entry.Version,
					Description:  entry.Description,
					Category:     entry.Category,
					TagsJSON:     catalog.EncodeTags(entry.Tags),
					AssetURL:     entry.AssetURL,
				})
			}
			if err := rt.catalog.UpsertMods(cmd.Context(), mods); err != nil {
				return err
			}
			rt.logger.Info("catalog imported", zap.Int("mods", len(mods)))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d mods\n", len(mods))
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			token, expiresIn, err := rt.tokens.IssueToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			rt.logger.Debug("token issued", zap.String("user_id", args[0]), zap.Int64("expires_in", expiresIn))
			return nil
		},
	}
}
