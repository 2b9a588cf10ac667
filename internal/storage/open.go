package storage

import (
	"strings"

	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "memory", "mem":
		log.Warn("using in-memory storage; jobs are lost on restart")
		return NewMemory(), nil
	case "sqlite", "sqlite3", "":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
