package properties

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers "sqlite"

	"grainmesh/internal/models"
)

// Catalogue drivers.
const (
	CatalogNone     = "none"
	CatalogSQLite   = "sqlite"
	CatalogPostgres = "postgres"
)

// ParticleRecord is everything the catalogue stores about an exported particle.
type ParticleRecord struct {
	Row        models.PropertyRow
	VoxelCount int64
	Centroid   r3.Vector
	// NearestNeighbour is the centroid distance to the closest other particle,
	// in physical units; NaN when the run exported a single particle
	NearestNeighbour float64
	// Tiers counts the quality tiers written for the particle
	Tiers int
}

// Event is one line of the append-only run log.
type Event struct {
	Seq      int64
	Time     time.Time
	Particle int // -1 for run-level events
	Level    string
	Message  string
}

// Catalog records runs in a SQL database.
type Catalog struct {
	db      *sql.DB
	dialect string
}

// OpenCatalog connects to the database and creates the tables. It returns
// nil for the "none" driver.
func OpenCatalog(ctx context.Context, driver, dsn string) (*Catalog, error) {
	var sqlDriver string
	switch driver {
	case "", CatalogNone:
		return nil, nil
	case CatalogSQLite:
		sqlDriver = "sqlite"
		if dsn == "" {
			dsn = ":memory:"
		}
	case CatalogPostgres:
		sqlDriver = "pgx"
	default:
		return nil, errors.Errorf("unknown catalog driver %q", driver)
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s catalog", driver)
	}
	if driver == CatalogSQLite {
		// one connection so concurrent writers serialise and :memory: stays a single database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s catalog", driver)
	}
	c := &Catalog{db: db, dialect: driver}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Catalog) migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if c.dialect == CatalogPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS particles (
			run TEXT NOT NULL,
			id INTEGER NOT NULL,
			label BIGINT NOT NULL,
			voxels BIGINT NOT NULL,
			area DOUBLE PRECISION NOT NULL,
			equivalent_diameter DOUBLE PRECISION NOT NULL,
			major_axis_length DOUBLE PRECISION NOT NULL,
			minor_axis_length DOUBLE PRECISION NOT NULL,
			aspect_ratio DOUBLE PRECISION,
			centroid_x DOUBLE PRECISION NOT NULL,
			centroid_y DOUBLE PRECISION NOT NULL,
			centroid_z DOUBLE PRECISION NOT NULL,
			nearest_neighbour DOUBLE PRECISION,
			tiers INTEGER NOT NULL,
			PRIMARY KEY (run, id)
		)`,
		`CREATE TABLE IF NOT EXISTS rejections (
			run TEXT NOT NULL,
			label BIGINT NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT NOT NULL,
			PRIMARY KEY (run, label)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq ` + serial + `,
			run TEXT NOT NULL,
			at TEXT NOT NULL,
			particle INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := c.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "create catalog tables")
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (c *Catalog) bind(query string) string {
	if c.dialect != CatalogPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// PutParticles upserts the run's particles in one transaction.
func (c *Catalog) PutParticles(ctx context.Context, run string, recs []ParticleRecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin catalog transaction")
	}
	stmt, err := tx.PrepareContext(ctx, c.bind(`INSERT INTO particles
		(run, id, label, voxels, area, equivalent_diameter, major_axis_length, minor_axis_length,
		 aspect_ratio, centroid_x, centroid_y, centroid_z, nearest_neighbour, tiers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run, id) DO UPDATE SET
			label = excluded.label, voxels = excluded.voxels, area = excluded.area,
			equivalent_diameter = excluded.equivalent_diameter,
			major_axis_length = excluded.major_axis_length,
			minor_axis_length = excluded.minor_axis_length,
			aspect_ratio = excluded.aspect_ratio,
			centroid_x = excluded.centroid_x, centroid_y = excluded.centroid_y, centroid_z = excluded.centroid_z,
			nearest_neighbour = excluded.nearest_neighbour, tiers = excluded.tiers`))
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "prepare particle insert")
	}
	defer stmt.Close()
	for _, r := range recs {
		_, err := stmt.ExecContext(ctx, run, r.Row.ID, int64(r.Row.SourceLabel), r.VoxelCount,
			r.Row.Area, r.Row.EquivalentDiameter, r.Row.MajorAxisLength, r.Row.MinorAxisLength,
			nullable(r.Row.AspectRatio), r.Centroid.X, r.Centroid.Y, r.Centroid.Z,
			nullable(r.NearestNeighbour), r.Tiers)
		if err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert particle %d", r.Row.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit particles")
}

// PutRejection records why a label was not exported.
func (c *Catalog) PutRejection(ctx context.Context, run string, label uint32, reason, detail string) error {
	_, err := c.db.ExecContext(ctx, c.bind(`INSERT INTO rejections (run, label, reason, detail)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run, label) DO UPDATE SET reason = excluded.reason, detail = excluded.detail`),
		run, int64(label), reason, detail)
	return errors.Wrapf(err, "insert rejection for label %d", label)
}

// LogEvent appends to the run log. particle is -1 for run-level events.
func (c *Catalog) LogEvent(ctx context.Context, run string, particle int, level, message string) error {
	_, err := c.db.ExecContext(ctx, c.bind(`INSERT INTO events (run, at, particle, level, message) VALUES (?, ?, ?, ?, ?)`),
		run, time.Now().UTC().Format(time.RFC3339Nano), particle, level, message)
	return errors.Wrap(err, "append event")
}

// Particles returns the stored rows for a run in id order.
func (c *Catalog) Particles(ctx context.Context, run string) ([]ParticleRecord, error) {
	rows, err := c.db.QueryContext(ctx, c.bind(`SELECT id, label, voxels, area, equivalent_diameter,
		major_axis_length, minor_axis_length, aspect_ratio, centroid_x, centroid_y, centroid_z,
		nearest_neighbour, tiers FROM particles WHERE run = ? ORDER BY id`), run)
	if err != nil {
		return nil, errors.Wrap(err, "query particles")
	}
	defer rows.Close()
	var out []ParticleRecord
	for rows.Next() {
		var r ParticleRecord
		var label int64
		var aspect, nn sql.NullFloat64
		if err := rows.Scan(&r.Row.ID, &label, &r.VoxelCount, &r.Row.Area, &r.Row.EquivalentDiameter,
			&r.Row.MajorAxisLength, &r.Row.MinorAxisLength, &aspect,
			&r.Centroid.X, &r.Centroid.Y, &r.Centroid.Z, &nn, &r.Tiers); err != nil {
			return nil, errors.Wrap(err, "scan particle")
		}
		r.Row.SourceLabel = uint32(label)
		r.Row.AspectRatio = orNaN(aspect)
		r.NearestNeighbour = orNaN(nn)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate particles")
}

// Rejections returns reason counts for a run.
func (c *Catalog) Rejections(ctx context.Context, run string) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, c.bind(`SELECT reason, COUNT(*) FROM rejections WHERE run = ? GROUP BY reason`), run)
	if err != nil {
		return nil, errors.Wrap(err, "query rejections")
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, errors.Wrap(err, "scan rejection")
		}
		out[reason] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate rejections")
}

// Events returns the run log in append order.
func (c *Catalog) Events(ctx context.Context, run string) ([]Event, error) {
	rows, err := c.db.QueryContext(ctx, c.bind(`SELECT seq, at, particle, level, message FROM events WHERE run = ? ORDER BY seq`), run)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.Seq, &at, &e.Particle, &e.Level, &e.Message); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}
