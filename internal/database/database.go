// Package database opens the gorm connection, migrates the schema and
// translates driver errors into apperr kinds.
package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"signportal/internal/apperr"
	"signportal/internal/models"
)

// Open connects with the given driver ("postgres" or "sqlite").
func Open(driver, dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	switch driver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return db, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, gcfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// one writer at a time; concurrent handlers queue on the pool.
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

const (
	sqlstateInsufficientPrivilege = "42501"
	sqlstateUniqueViolation       = "23505"
)

// Translate maps storage errors onto apperr kinds. Unknown errors pass
// through untouched.
func Translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Newf(apperr.ErrNotFound, "%s not found", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateInsufficientPrivilege:
			return apperr.Newf(apperr.ErrForbidden, "access to this %s is denied by a row-level security policy", what).
				With("sqlstate", pgErr.Code)
		case sqlstateUniqueViolation:
			return apperr.Newf(apperr.ErrConflict, "%s already exists", what).With("constraint", pgErr.ConstraintName)
		}
	}
	// modernc.org/sqlite reports constraint violations only through the message.
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return apperr.Newf(apperr.ErrConflict, "%s already exists", what)
	}
	return err
}
