package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	logx "mailsched/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// Open initializes the configured store and applies the schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		db, err = openSQLite(ctx, cfg)
		d = sqliteDialect{}
	case "postgres", "postgresql", "pgx":
		driver = "postgres"
		db, err = openPostgres(ctx, cfg)
		d = postgresDialect{}
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	st := &sqlStore{
		db:  db,
		d:   d,
		sb:  sq.StatementBuilder.PlaceholderFormat(d.placeholder()),
		log: log.With(logx.String("driver", driver)),
		now: defaultNow,
	}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("storage opened")
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// dialect isolates the few driver differences.
type dialect interface {
	placeholder() sq.PlaceholderFormat
	isUniqueViolation(err error) bool
}
