package bus

import (
	"fmt"
	"path/filepath"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
)

// New builds the configured bus backend. The file backend is the default.
func New(cfg *config.Config, log *logger.Logger) (Bus, error) {
	switch cfg.Bus.Type {
	case "", "file":
		return NewFileBus(cfg.Runtime.StateDir, log), nil
	case "sqlite":
		path := cfg.Bus.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Runtime.StateDir, "bus.db")
		}
		return NewSQLiteBus(path, log), nil
	case "redis":
		return NewRedisBus(cfg.Bus.RedisAddr, cfg.Bus.RedisDB, log), nil
	default:
		return nil, fmt.Errorf("unknown bus backend: %s", cfg.Bus.Type)
	}
}
