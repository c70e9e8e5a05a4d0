// Package sql stores compiled packages in a SQL database: ql for
// embedded use and tests, Postgres for directors that share a cache.
package sql

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"sync"

	"github.com/Masterminds/squirrel"
	_ "github.com/cznic/ql/driver"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/compiledpackage"
)

const (
	table = "compiled_packages"

	// How many times Create will retry after losing a race for a
	// build number
	maxCreateAttempts = 5

	uniqueViolation = "23505"
)

var (
	ErrNoSchemaDefinedForDriver = errors.New("schema not defined for driver")

	qlSchema = []string{`
      CREATE TABLE IF NOT EXISTS compiled_packages
        (release_name     string NOT NULL,
         package_name     string NOT NULL,
         package_version  string NOT NULL,
         fingerprint      string NOT NULL,
         stemcell_os      string NOT NULL,
         stemcell_version string NOT NULL,
         dependency_key   string NOT NULL,
         blobstore_id     string NOT NULL,
         sha1             string NOT NULL,
         build            int64 NOT NULL)`,
	}

	pgSchema = []string{`
      CREATE TABLE IF NOT EXISTS compiled_packages
        (release_name     varchar(255) NOT NULL,
         package_name     varchar(255) NOT NULL,
         package_version  varchar(255) NOT NULL,
         fingerprint      varchar(255) NOT NULL,
         stemcell_os      varchar(255) NOT NULL,
         stemcell_version varchar(255) NOT NULL,
         dependency_key   text NOT NULL,
         blobstore_id     varchar(255) NOT NULL,
         sha1             varchar(255) NOT NULL,
         build            integer NOT NULL)`, `
      CREATE UNIQUE INDEX IF NOT EXISTS compiled_packages_build
        ON compiled_packages (package_name, fingerprint, stemcell_os, stemcell_version, build)`,
	}

	schemaByDriver = map[string][]string{
		"ql":       qlSchema,
		"ql-mem":   qlSchema,
		"postgres": pgSchema,
	}

	columns = []string{
		"release_name", "package_name", "package_version", "fingerprint",
		"stemcell_os", "stemcell_version", "dependency_key",
		"blobstore_id", "sha1", "build",
	}
)

// DB is a compiledpackage.Store backed by a SQL database.
type DB struct {
	conn   *sql.DB
	schema []string
	sq     squirrel.StatementBuilderType

	// Serialises build number allocation within this process. Across
	// processes, Postgres' unique index does the job.
	createMu sync.Mutex
}

var _ compiledpackage.Store = &DB{}

// Most SQL drivers expect the driver name to appear as the scheme in
// the database source URL; for instance, `postgres://host:2345`.
// However, cznic/ql uses the schemes "file" and "memory", and names
// its drivers `ql` and `ql-mem`.
func DriverForScheme(scheme string) string {
	switch scheme {
	case "file":
		return "ql"
	case "memory":
		return "ql-mem"
	default:
		return scheme
	}
}

// Open connects to the database named by a URL, e.g.
// postgres://director@db/director, file:///var/vcap/director.db or
// memory://scratch.
func Open(dburl string) (*DB, error) {
	u, err := url.Parse(dburl)
	if err != nil {
		return nil, errors.Wrap(err, "parsing database URL")
	}
	driver, source := DriverForScheme(u.Scheme), dburl
	switch driver {
	case "ql":
		source = u.Path
	case "ql-mem":
		source = u.Host + u.Path
	}
	return New(driver, source)
}

func New(driver, datasource string) (*DB, error) {
	schema, ok := schemaByDriver[driver]
	if !ok {
		return nil, ErrNoSchemaDefinedForDriver
	}
	conn, err := sql.Open(driver, datasource)
	if err != nil {
		return nil, err
	}
	db := &DB{
		conn:   conn,
		schema: schema,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
	return db, db.ensureTables()
}

func (db *DB) Find(ctx context.Context, ref compiledpackage.PackageRef, os, version, dependencyKey string) (*compiledpackage.CompiledPackage, error) {
	q := db.sq.Select(columns...).
		From(table).
		Where(squirrel.Eq{"package_name": ref.Name}).
		Where(squirrel.Eq{"fingerprint": ref.Fingerprint}).
		Where(squirrel.Eq{"stemcell_os": os}).
		Where(squirrel.Eq{"stemcell_version": version}).
		Where(squirrel.Eq{"dependency_key": dependencyKey}).
		OrderBy("build DESC").
		Limit(1)
	cps, err := db.query(ctx, q)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return cps[0], nil
}

func (db *DB) FindAll(ctx context.Context, ref compiledpackage.PackageRef, os, dependencyKey string) ([]*compiledpackage.CompiledPackage, error) {
	q := db.sq.Select(columns...).
		From(table).
		Where(squirrel.Eq{"package_name": ref.Name}).
		Where(squirrel.Eq{"fingerprint": ref.Fingerprint}).
		Where(squirrel.Eq{"stemcell_os": os}).
		Where(squirrel.Eq{"dependency_key": dependencyKey}).
		OrderBy("stemcell_version", "build")
	return db.query(ctx, q)
}

// Create inserts the compiled package under the next free build
// number. The read of the current build and the insert happen in one
// transaction; if another director takes the same number first the
// unique index rejects the insert and we try again.
func (db *DB) Create(ctx context.Context, n compiledpackage.NewCompiledPackage) (*compiledpackage.CompiledPackage, error) {
	db.createMu.Lock()
	defer db.createMu.Unlock()

	var err error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		var cp *compiledpackage.CompiledPackage
		cp, err = db.create(ctx, n)
		if err == nil {
			return cp, nil
		}
		if pqErr, ok := errors.Cause(err).(*pq.Error); !ok || pqErr.Code != uniqueViolation {
			return nil, err
		}
	}
	return nil, errors.Wrapf(err, "allocating build number for %s after %d attempts", n.Package, maxCreateAttempts)
}

func (db *DB) create(ctx context.Context, n compiledpackage.NewCompiledPackage) (*compiledpackage.CompiledPackage, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	current := 0
	query, args, err := db.sq.Select("build").
		From(table).
		Where(squirrel.Eq{"package_name": n.Package.Name}).
		Where(squirrel.Eq{"fingerprint": n.Package.Fingerprint}).
		Where(squirrel.Eq{"stemcell_os": n.StemcellOS}).
		Where(squirrel.Eq{"stemcell_version": n.StemcellVersion}).
		OrderBy("build DESC").
		Limit(1).
		ToSql()
	if err == nil {
		err = tx.QueryRowContext(ctx, query, args...).Scan(&current)
		if err == sql.ErrNoRows {
			err = nil
		}
	}
	if err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "reading latest build")
	}

	cp := &compiledpackage.CompiledPackage{
		Package:         n.Package,
		StemcellOS:      n.StemcellOS,
		StemcellVersion: n.StemcellVersion,
		DependencyKey:   n.DependencyKey,
		BlobstoreID:     n.BlobstoreID,
		SHA1:            n.SHA1,
		Build:           current + 1,
	}
	query, args, err = db.sq.Insert(table).
		Columns(columns...).
		Values(
			cp.Package.Release, cp.Package.Name, cp.Package.Version, cp.Package.Fingerprint,
			cp.StemcellOS, cp.StemcellVersion, cp.DependencyKey,
			cp.BlobstoreID, cp.SHA1, int64(cp.Build),
		).
		ToSql()
	if err == nil {
		_, err = tx.ExecContext(ctx, query, args...)
	}
	if err == nil {
		err = tx.Commit()
	} else {
		tx.Rollback()
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (db *DB) query(ctx context.Context, q squirrel.SelectBuilder) ([]*compiledpackage.CompiledPackage, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []*compiledpackage.CompiledPackage
	for rows.Next() {
		var (
			cp    compiledpackage.CompiledPackage
			build int64
		)
		if err := rows.Scan(
			&cp.Package.Release,
			&cp.Package.Name,
			&cp.Package.Version,
			&cp.Package.Fingerprint,
			&cp.StemcellOS,
			&cp.StemcellVersion,
			&cp.DependencyKey,
			&cp.BlobstoreID,
			&cp.SHA1,
			&build,
		); err != nil {
			return nil, err
		}
		cp.Build = int(build)
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// ---

func (db *DB) ensureTables() error {
	// ql driver needs this to work correctly in a container
	os.MkdirAll(os.TempDir(), 0777)
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	for _, stmt := range db.schema {
		if _, err = tx.Exec(stmt); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "creating compiled package tables")
		}
	}
	return tx.Commit()
}
