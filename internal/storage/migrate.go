package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	logx "taskcore/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationTable = "taskcore_migrations"

// goose keeps dialect and logger in package state.
var gooseMu sync.Mutex

// gooseLogger forwards goose output to logx instead of the std logger.
type gooseLogger struct{ log logx.Logger }

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

// Fatalf does not exit; the error is returned by goose.Up.
func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func migrate(ctx context.Context, db *sql.DB, dialect string, log logx.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(gooseLogger{log: log.With(logx.String("comp", "migrate"))})
	goose.SetBaseFS(migrationsFS)
	goose.SetTableName(migrationTable)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
