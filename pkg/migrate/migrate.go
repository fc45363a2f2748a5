package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/stockledger/pkg/logger"
)

// DefaultDir is where new SQL migrations are written and validated on disk.
const DefaultDir = "pkg/migrate/migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the SQL migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Command is a migration action understood by Apply.
type Command string

const (
	CommandUp     Command = "up"
	CommandDown   Command = "down"
	CommandStatus Command = "status"
	CommandTo     Command = "to"
)

func ParseCommand(value string) (Command, error) {
	switch cmd := Command(value); cmd {
	case CommandUp, CommandDown, CommandStatus, CommandTo:
		return cmd, nil
	}
	return "", fmt.Errorf("unknown migration command %q", value)
}

// Apply runs cmd against a Postgres database using the migrations in fsys.
// target is only read by CommandTo, which migrates up or down to that version.
func Apply(ctx context.Context, db *sql.DB, fsys fs.FS, cmd Command, target int64, logg *logger.Logger) error {
	if db == nil {
		return errors.New("db is required")
	}
	if fsys == nil {
		fsys = Migrations()
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	switch cmd {
	case CommandUp:
		results, err := provider.Up(ctx)
		logResults(ctx, logg, results)
		if err != nil {
			return fmt.Errorf("goose up: %w", err)
		}
	case CommandDown:
		result, err := provider.Down(ctx)
		if result != nil {
			logResults(ctx, logg, []*goose.MigrationResult{result})
		}
		if err != nil {
			return fmt.Errorf("goose down: %w", err)
		}
	case CommandStatus:
		statuses, err := provider.Status(ctx)
		if err != nil {
			return fmt.Errorf("goose status: %w", err)
		}
		for _, st := range statuses {
			fields := map[string]any{
				"version": st.Source.Version,
				"path":    st.Source.Path,
				"state":   string(st.State),
			}
			if !st.AppliedAt.IsZero() {
				fields["applied_at"] = st.AppliedAt
			}
			logg.Info(logg.WithFields(ctx, fields), "migration status")
		}
	case CommandTo:
		return migrateTo(ctx, provider, target, logg)
	default:
		return fmt.Errorf("unknown migration command %q", cmd)
	}
	return nil
}

func migrateTo(ctx context.Context, provider *goose.Provider, target int64, logg *logger.Logger) error {
	if target < 0 {
		return fmt.Errorf("invalid target version %d", target)
	}
	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	var results []*goose.MigrationResult
	switch {
	case current == target:
		logg.Info(logg.WithField(ctx, "version", current), "database already at target version")
		return nil
	case current < target:
		results, err = provider.UpTo(ctx, target)
	default:
		results, err = provider.DownTo(ctx, target)
	}
	logResults(ctx, logg, results)
	if err != nil {
		return fmt.Errorf("goose to %d: %w", target, err)
	}
	return nil
}

func logResults(ctx context.Context, logg *logger.Logger, results []*goose.MigrationResult) {
	if len(results) == 0 {
		logg.Info(ctx, "no migrations to apply")
		return
	}
	for _, res := range results {
		fields := map[string]any{
			"direction":   res.Direction,
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.Source != nil {
			fields["version"] = res.Source.Version
			fields["path"] = res.Source.Path
		}
		if res.Error != nil {
			logg.Error(logg.WithFields(ctx, fields), "migration failed", res.Error)
			continue
		}
		logg.Info(logg.WithFields(ctx, fields), "migration applied")
	}
}
