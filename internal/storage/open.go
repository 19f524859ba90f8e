package storage

import (
	"fmt"
	"strings"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"memory":     func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"file":       openFile,
	"sqlite":     openSQLite,
	"postgres":   openPostgres,
	"sqlite3":    openSQLite,
	"postgresql": openPostgres,
}

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "memory"
	}
	open, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("comp", "storage"), logx.String("driver", driver)))
}

func entryNotFound(id string) error { return domain.NotFound("queue entry", id) }
