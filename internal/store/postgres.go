package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/imancn/marketpipe/internal/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds connection parameters for the target database.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

// NewPostgres connects to the target database and verifies the connection.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	// Credentials can contain @ : / — escape them so the DSN parses.
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	dsn := u.String()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	logging.Debug("Connected to Postgres target: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool for source-side extraction against the
// same server.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// InsertRows bulk-inserts via the COPY protocol.
func (p *Postgres) InsertRows(ctx context.Context, table string, cols []string, rows [][]any) (int64, error) {
	sanitized := make([]string, len(cols))
	for i, c := range cols {
		sanitized[i] = sanitizeIdentifier(c)
	}
	n, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{sanitizeIdentifier(table)},
		sanitized,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copying %d rows into %s: %w", len(rows), table, err)
	}
	return n, nil
}

// DeleteByKey deletes every row whose key tuple matches one of keys.
func (p *Postgres) DeleteByKey(ctx context.Context, table string, keyCols []string, keys [][]any) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(quoteIdentifier(sanitizeIdentifier(table)))
	sb.WriteString(" WHERE (")
	quoted := make([]string, len(keyCols))
	for i, c := range keyCols {
		quoted[i] = quoteIdentifier(sanitizeIdentifier(c))
	}
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") IN (")

	args := make([]any, 0, len(keys)*len(keyCols))
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, v := range key {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, v)
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteString(")")
	}
	sb.WriteString(")")

	tag, err := p.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting %d keys from %s: %w", len(keys), table, err)
	}
	return tag.RowsAffected(), nil
}

// Exec runs a statement and returns the affected row count.
func (p *Postgres) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Ping tests the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// sanitizeIdentifier lowercases an identifier and replaces anything that
// is not a letter, digit, or underscore. Postgres folds unquoted
// identifiers to lowercase; writing them lowercase keeps lookups
// case-insensitive.
func sanitizeIdentifier(ident string) string {
	if ident == "" {
		return "col_"
	}
	s := strings.ToLower(ident)
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	s = sb.String()
	if unicode.IsDigit(rune(s[0])) {
		s = "col_" + s
	}
	return s
}

// quoteIdentifier double-quotes an identifier, escaping embedded quotes.
func quoteIdentifier(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
