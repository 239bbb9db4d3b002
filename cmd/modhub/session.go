package main

import (
	"context"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/modhub/internal/backend"
	"github.com/MarcoPoloResearchLab/modhub/internal/config"
	"github.com/MarcoPoloResearchLab/modhub/internal/history"
	"github.com/MarcoPoloResearchLab/modhub/internal/localcache"
	"github.com/MarcoPoloResearchLab/modhub/internal/logging"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// session is one process's view of the shared device cache and the backend.
type session struct {
	config  config.ClientConfig
	logger  *zap.Logger
	storage *localcache.SQLiteStorage
	client  *backend.Client
	history *history.Service
}

func openSession(out io.Writer) (*session, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewCLILogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	storage, err := localcache.OpenSQLiteStorage(localcache.SQLiteStorageConfig{
		Path:   clientConfig.CachePath,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	notifier := localcache.NewNotifier(storage, nil)
	store := localcache.NewStore(localcache.StoreConfig{
		Storage:  storage,
		Notifier: notifier,
		Logger:   logger,
	})
	client := backend.NewClient(backend.ClientConfig{
		BaseURL: clientConfig.APIBaseURL,
		Token:   clientConfig.APIToken,
		Logger:  logger,
	})

	service, err := history.NewService(history.Config{
		Authority: client,
		Store:     store,
		Notifier:  notifier,
		Opener: history.AssetOpenerFunc(func(_ context.Context, location string) error {
			_, err := fmt.Fprintf(out, "asset: %s\n", location)
			return err
		}),
		Logger:   logger,
		PageSize: clientConfig.PageSize,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	if !client.Authenticated() {
		logger.Info("no api token configured; showing device history only")
	}

	return &session{
		config:  clientConfig,
		logger:  logger,
		storage: storage,
		client:  client,
		history: service,
	}, nil
}

func (s *session) Close() {
	s.history.Close()
	if err := s.storage.Close(); err != nil {
		s.logger.Warn("closing device cache failed", zap.Error(err))
	}
	_ = s.logger.Sync()
}
