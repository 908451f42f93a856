package postgres

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// gooseLogger routes migration progress to the postgres log subsystem.
type gooseLogger struct {
	ctx context.Context
}

func (l gooseLogger) Printf(format string, v ...any) {
	tflog.SubsystemInfo(l.ctx, logSubsystem, strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	tflog.SubsystemError(l.ctx, logSubsystem, strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// migrate applies all pending schema migrations.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{ctx: ctx})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
