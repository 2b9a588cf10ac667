package app

import (
	"cronbot/internal/config"
	"cronbot/internal/storage"
	logx "cronbot/pkg/logx"
)

// MigrateStorage opens the configured store, which applies pending schema
// migrations, and closes it again. The bot token is not required.
func MigrateStorage(cfgPath string, log logx.Logger) (storage.Config, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return storage.Config{}, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return storage.Config{}, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return sc, err
	}
	return sc, store.Close()
}
