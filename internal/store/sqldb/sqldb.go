// Package sqldb implements an SQL Store on SQLite or Postgres. The schema
// is created and upgraded with embedded goose migrations on New().
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // Registers the "pgx" driver.
	"github.com/knadh/otpmail/internal/store"
	"github.com/knadh/otpmail/pkg/models"
	"github.com/pressly/goose/v3"
	"github.com/vinovest/sqlx"
	_ "modernc.org/sqlite" // Registers the pure-Go "sqlite" driver.
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations
var migrationsFS embed.FS

// Conf contains the SQL store configuration.
type Conf struct {
	Driver      string        `json:"driver"`
	DSN         string        `json:"dsn"`
	MaxOpen     int           `json:"max_open"`
	MaxIdle     int           `json:"max_idle"`
	MaxLifetime time.Duration `json:"max_lifetime"`
}

// SQL implements an SQL Store.
type SQL struct {
	db *sqlx.DB
}

type row struct {
	Seq       int64        `db:"seq"`
	ID        string       `db:"id"`
	Email     string       `db:"email"`
	Purpose   string       `db:"purpose"`
	Hash      string       `db:"code_hash"`
	Used      bool         `db:"is_used"`
	CreatedAt time.Time    `db:"created_at"`
	ExpiresAt sql.NullTime `db:"expires_at"`
	UsedAt    sql.NullTime `db:"used_at"`
}

// New opens the database, runs pending migrations and returns an
// SQL implementation of store.
func New(c Conf) (*SQL, error) {
	var driver, dialect string
	switch c.Driver {
	case DriverSQLite, "":
		driver, dialect = DriverSQLite, "sqlite3"
		if c.DSN == "" {
			c.DSN = "otpmail.db"
		}
		c.DSN = addSQLiteParams(c.DSN)

		// SQLite allows a single writer. Serialise everything
		// on one connection instead of fighting over the lock.
		c.MaxOpen, c.MaxIdle = 1, 1
	case DriverPostgres, "pgx":
		driver, dialect = "pgx", "postgres"
	default:
		return nil, fmt.Errorf("unknown SQL driver '%s'", c.Driver)
	}

	db, err := sqlx.Open(driver, c.DSN)
	if err != nil {
		return nil, err
	}
	if c.MaxOpen > 0 {
		db.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxIdle > 0 {
		db.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxLifetime > 0 {
		db.SetConnMaxLifetime(c.MaxLifetime)
	}

	if err := migrate(db.DB, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error running migrations: %w", err)
	}

	return &SQL{db: db}, nil
}

// Close closes the underlying DB.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Ping checks if the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert creates a new unused OTP record.
func (s *SQL) Insert(ctx context.Context, otp models.OTP) (models.OTP, error) {
	otp.ID = uuid.NewString()
	otp.Used = false
	otp.UsedAt = time.Time{}
	otp.CreatedAt = time.Now().UTC()

	var exp sql.NullTime
	if !otp.ExpiresAt.IsZero() {
		exp = sql.NullTime{Time: otp.ExpiresAt.UTC(), Valid: true}
	}

	q := s.db.Rebind(`INSERT INTO otps (id, email, purpose, code_hash, is_used, created_at, expires_at)
		VALUES (?, ?, ?, ?, FALSE, ?, ?) RETURNING seq`)
	if err := s.db.QueryRowxContext(ctx, q,
		otp.ID, otp.Email, string(otp.Purpose), otp.Hash, otp.CreatedAt, exp).Scan(&otp.Seq); err != nil {
		return otp, err
	}

	return otp, nil
}

// FindLatestUnused returns the newest unused OTP for an email and purpose.
// Only the newest record is considered. If it has been used, every older
// unused record is void and ErrNotExist is returned.
func (s *SQL) FindLatestUnused(ctx context.Context, email string, purpose models.Purpose) (models.OTP, error) {
	var r row
	q := s.db.Rebind(`SELECT seq, id, email, purpose, code_hash, is_used, created_at, expires_at, used_at
		FROM otps WHERE email = ? AND purpose = ?
		ORDER BY seq DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &r, q, email, string(purpose)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.OTP{}, store.ErrNotExist
		}
		return models.OTP{}, err
	}
	if r.Used {
		return models.OTP{}, store.ErrNotExist
	}

	return r.toOTP(), nil
}

// MarkUsed flips an OTP to used with a single conditional UPDATE. The
// database serialises concurrent updates on the row, so only one of
// them sees is_used = FALSE and affects it.
func (s *SQL) MarkUsed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE otps SET is_used = TRUE, used_at = ? WHERE id = ? AND is_used = FALSE`),
		time.Now().UTC(), id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Nothing was updated. Either the ID doesn't exist or it's used.
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		s.db.Rebind(`SELECT EXISTS(SELECT 1 FROM otps WHERE id = ?)`), id); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotExist
	}

	return store.ErrAlreadyUsed
}

func (r row) toOTP() models.OTP {
	o := models.OTP{
		ID:        r.ID,
		Seq:       r.Seq,
		Email:     r.Email,
		Purpose:   models.Purpose(r.Purpose),
		Hash:      r.Hash,
		Used:      r.Used,
		CreatedAt: r.CreatedAt,
	}
	if r.ExpiresAt.Valid {
		o.ExpiresAt = r.ExpiresAt.Time
	}
	if r.UsedAt.Valid {
		o.UsedAt = r.UsedAt.Time
	}
	return o
}

// migrate runs the embedded goose migrations for the dialect.
func migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	dir := "migrations/postgres"
	if dialect == "sqlite3" {
		dir = "migrations/sqlite"
	}
	return goose.Up(db, dir)
}

// addSQLiteParams adds the recommended SQLite parameters if not already present.
func addSQLiteParams(dsn string) string {
	defaults := []struct {
		key, param string
	}{
		{"busy_timeout", "_pragma=busy_timeout(5000)"},
		{"journal_mode", "_pragma=journal_mode(WAL)"},
		{"synchronous", "_pragma=synchronous(NORMAL)"},
		{"_txlock", "_txlock=immediate"},
	}

	for _, d := range defaults {
		if strings.Contains(dsn, d.key) {
			continue
		}

		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + d.param
	}

	return dsn
}
