// Package schema brings the database schema to the version the service expects
// before any workload touches it.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Descriptor points at a directory of NNNN_name.up.sql / NNNN_name.down.sql files
type Descriptor struct {
	FS  fs.FS
	Dir string
}

// Default returns the migrations compiled into the binary
func Default() Descriptor {
	return Descriptor{FS: migrationFiles, Dir: "migrations"}
}

// Validate rejects an empty descriptor or an up migration without its down pair
func (d Descriptor) Validate() error {
	if d.FS == nil {
		return errors.New("descriptor has no filesystem")
	}

	entries, err := fs.ReadDir(d.FS, d.Dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	ups := make(map[string]bool)
	downs := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}

	if len(ups) == 0 {
		return fmt.Errorf("no migrations found in %s", path.Clean(d.Dir))
	}
	for name := range ups {
		if !downs[name] {
			return fmt.Errorf("migration %s has no down file", name)
		}
	}
	return nil
}

// SchemaError is fatal: the service cannot run against a schema it failed to apply
type SchemaError struct {
	Op  string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s: %v", e.Op, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// Migrator is the subset of the migrate engine the initializer drives
type Migrator interface {
	Up() error
	Version() (version uint, dirty bool, err error)
	Stop()
	Close() error
}

// MigratorFactory connects a Migrator to the target
type MigratorFactory func(ctx context.Context, target types.ConnectionTarget, d Descriptor) (Migrator, error)

type Initializer struct {
	logger      *logrus.Logger
	newMigrator MigratorFactory
}

// New returns an initializer. A nil factory uses golang-migrate against PostgreSQL.
func New(logger *logrus.Logger, factory MigratorFactory) *Initializer {
	if factory == nil {
		factory = NewPostgresMigrator
	}
	return &Initializer{logger: logger, newMigrator: factory}
}

type upResult struct {
	applied bool
	err     error
}

// EnsureSchema applies every pending migration. Running it against an
// up-to-date schema is a no-op that still returns nil.
func (i *Initializer) EnsureSchema(ctx context.Context, target types.ConnectionTarget, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return &SchemaError{Op: "validate", Err: err}
	}

	m, err := i.newMigrator(ctx, target, d)
	if err != nil {
		return &SchemaError{Op: "connect", Err: err}
	}

	done := make(chan upResult, 1)
	go func() {
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			done <- upResult{}
			return
		}
		done <- upResult{applied: err == nil, err: err}
	}()

	var res upResult
	select {
	case res = <-done:
	case <-ctx.Done():
		m.Stop()
		// Up may still be blocked on the target; close once it returns
		go func() {
			<-done
			_ = m.Close()
		}()
		return &SchemaError{Op: "up", Err: ctx.Err()}
	}
	defer func() {
		if err := m.Close(); err != nil {
			i.logger.Warnf("Failed to close migrator: %v", err)
		}
	}()

	if res.err != nil {
		return &SchemaError{Op: "up", Err: res.err}
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return &SchemaError{Op: "version", Err: err}
	}
	if dirty {
		return &SchemaError{Op: "version", Err: fmt.Errorf("schema version %d is dirty", version)}
	}

	fields := logrus.Fields{
		"version": version,
		"target":  target.String(),
	}
	if res.applied {
		i.logger.WithFields(fields).Info("Schema migrations applied")
	} else {
		i.logger.WithFields(fields).Info("Schema already up to date")
	}
	return nil
}

type postgresMigrator struct {
	m *migrate.Migrate
}

// NewPostgresMigrator opens a dedicated connection to the target and wires
// the embedded migrations to it.
func NewPostgresMigrator(ctx context.Context, target types.ConnectionTarget, d Descriptor) (Migrator, error) {
	db, err := sql.Open("postgres", target.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	src, err := iofs.New(d.FS, d.Dir)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		src.Close()
		driver.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &postgresMigrator{m: m}, nil
}

func (p *postgresMigrator) Up() error {
	return p.m.Up()
}

func (p *postgresMigrator) Version() (uint, bool, error) {
	return p.m.Version()
}

func (p *postgresMigrator) Stop() {
	select {
	case p.m.GracefulStop <- true:
	default:
	}
}

func (p *postgresMigrator) Close() error {
	srcErr, dbErr := p.m.Close()
	return errors.Join(srcErr, dbErr)
}
