// Package legacy imports member accounts from the previous website's
// database so existing members can sign in without re-registering.
package legacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"firehall/internal/config"
	"firehall/internal/models"
	"firehall/internal/store"
)

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Importer interface {
	// Run copies missing accounts into the app store. Existing accounts
	// are left untouched; the import is safe to re-run.
	Run(ctx context.Context, st *store.Store) (int, error)
}

type NoopImporter struct{}

func (NoopImporter) Run(context.Context, *store.Store) (int, error) { return 0, nil }

type SQLImporter struct {
	db       *sql.DB
	driver   string
	table    string
	emailCol string
	firstCol string
	lastCol  string
	adminCol string
}

// New returns a NoopImporter when no legacy database is configured.
func New(cfg config.Config) (Importer, error) {
	if strings.TrimSpace(cfg.LegacyDBDriver) == "" {
		return NoopImporter{}, nil
	}
	for _, ident := range []string{cfg.LegacyUserTable, cfg.LegacyEmailColumn, cfg.LegacyFirstColumn, cfg.LegacyLastColumn, cfg.LegacyAdminColumn} {
		if ident != "" && !identRx.MatchString(ident) {
			return nil, fmt.Errorf("invalid SQL identifier %q", ident)
		}
	}
	db, err := sql.Open(cfg.LegacyDBDriver, cfg.LegacyDBDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLImporter{
		db:       db,
		driver:   cfg.LegacyDBDriver,
		table:    cfg.LegacyUserTable,
		emailCol: cfg.LegacyEmailColumn,
		firstCol: cfg.LegacyFirstColumn,
		lastCol:  cfg.LegacyLastColumn,
		adminCol: cfg.LegacyAdminColumn,
	}, nil
}

func (p *SQLImporter) Run(ctx context.Context, st *store.Store) (int, error) {
	cols := []string{p.emailCol, p.firstCol, p.lastCol}
	if p.adminCol != "" {
		cols = append(cols, p.adminCol)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ","), p.table)
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	imported := 0
	for rows.Next() {
		var email, first, last sql.NullString
		var admin sql.NullInt64
		dest := []any{&email, &first, &last}
		if p.adminCol != "" {
			dest = append(dest, &admin)
		}
		if err := rows.Scan(dest...); err != nil {
			return imported, err
		}
		addr := strings.ToLower(strings.TrimSpace(email.String))
		if addr == "" || !strings.Contains(addr, "@") {
			continue
		}
		if _, err := st.GetUserByEmail(ctx, addr); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return imported, err
		}
		role := "member"
		if admin.Valid && admin.Int64 != 0 {
			role = "admin"
		}
		name := strings.TrimSpace(strings.TrimSpace(first.String) + " " + strings.TrimSpace(last.String))
		if name == "" {
			name = addr
		}
		// Imported members sign in via magic link; their address was
		// already known to the old site, so it counts as verified.
		if _, err := st.CreateUser(ctx, addr, name, role, models.AuthMagicLink, nil, true); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return imported, err
		}
		imported++
	}
	if err := rows.Err(); err != nil {
		return imported, err
	}
	log.Printf("legacy import done driver=%s imported=%d", p.driver, imported)
	return imported, nil
}

func (p *SQLImporter) Close() error { return p.db.Close() }
