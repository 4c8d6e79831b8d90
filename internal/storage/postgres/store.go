// Package postgres implements the procedure store on PostgreSQL through a
// pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CCC-MF/pluginworkshop20230216/deploy/migrations"
	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

const (
	procedureColumns = `id, patient_id, disease_id, form_name, procedure_type, start_date, deleted, item_values, created_at, updated_at`

	insertProcedureSQL = `INSERT INTO procedures
    (patient_id, disease_id, form_name, procedure_type, start_date, deleted, item_values, created_at, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING id`
	updateProcedureSQL = `UPDATE procedures SET patient_id = $1, disease_id = $2, form_name = $3, procedure_type = $4, start_date = $5, deleted = $6, item_values = $7, updated_at = $8
    WHERE id = $9`
	selectProcedureSQL = `SELECT ` + procedureColumns + ` FROM procedures WHERE id = $1`
	listProceduresSQL  = `SELECT ` + procedureColumns + ` FROM procedures WHERE patient_id = $1 ORDER BY id DESC LIMIT $2`

	insertDiseaseSQL = `INSERT INTO diseases (patient_id, icd10_code, created_at) VALUES ($1, $2, $3) RETURNING id`
	updateDiseaseSQL = `UPDATE diseases SET patient_id = $1, icd10_code = $2 WHERE id = $3`
	selectDiseaseSQL = `SELECT id, patient_id, icd10_code, created_at FROM diseases WHERE id = $1`
)

// Config describes the pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists procedures in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx
	now  func() time.Time
}

var _ storage.ProcedureStore = (*Store)(nil)

// Open creates the pool, verifies connectivity and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool, db: pool, now: time.Now}

	schema, err := migrations.Dialect("postgres")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func poolConfig(cfg Config) (*pgxpool.Config, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	return poolCfg, nil
}

// SaveProcedure inserts or updates p depending on whether it carries an id.
func (s *Store) SaveProcedure(ctx context.Context, p *onkostar.Procedure, validate bool) (int64, error) {
	if err := storage.CheckSave(p, validate); err != nil {
		return 0, err
	}
	values, err := p.MarshalValues()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode procedure values")
	}
	now := s.now().UTC()

	if p.ID == 0 {
		var id int64
		err := s.db.QueryRow(ctx, insertProcedureSQL,
			p.PatientID, p.DiseaseID, p.FormName, string(p.Type), toNanos(p.StartDate),
			p.Deleted, values, now.UnixNano()).Scan(&id)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert procedure")
		}
		p.ID = id
		p.CreatedAt = now
		p.UpdatedAt = now
		return id, nil
	}

	tag, err := s.db.Exec(ctx, updateProcedureSQL,
		p.PatientID, p.DiseaseID, p.FormName, string(p.Type), toNanos(p.StartDate),
		p.Deleted, values, now.UnixNano(), p.ID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update procedure")
	}
	if tag.RowsAffected() == 0 {
		return 0, xerrors.Wrap(storage.CodeProcedureNotFound, storage.ErrProcedureNotFound, "update procedure",
			xerrors.WithMetadata("procedure_id", strconv.FormatInt(p.ID, 10)))
	}
	p.UpdatedAt = now
	return p.ID, nil
}

// GetProcedure loads a procedure by id.
func (s *Store) GetProcedure(ctx context.Context, id int64) (*onkostar.Procedure, error) {
	p, err := scanProcedure(s.db.QueryRow(ctx, selectProcedureSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrProcedureNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query procedure")
	}
	return p, nil
}

// ListByPatient returns the newest procedures of a patient first.
func (s *Store) ListByPatient(ctx context.Context, patientID int64, limit int) ([]*onkostar.Procedure, error) {
	rows, err := s.db.Query(ctx, listProceduresSQL, patientID, storage.NormalizeLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list procedures")
	}
	defer rows.Close()

	var out []*onkostar.Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan procedure")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate procedures")
	}
	return out, nil
}

// SaveDisease inserts or updates a disease.
func (s *Store) SaveDisease(ctx context.Context, d *onkostar.Disease) (int64, error) {
	if d == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "disease cannot be nil")
	}
	if d.ID == 0 {
		now := s.now().UTC()
		var id int64
		if err := s.db.QueryRow(ctx, insertDiseaseSQL, d.PatientID, d.ICD10Code, now.UnixNano()).Scan(&id); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert disease")
		}
		d.ID = id
		d.CreatedAt = now
		return id, nil
	}
	tag, err := s.db.Exec(ctx, updateDiseaseSQL, d.PatientID, d.ICD10Code, d.ID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update disease")
	}
	if tag.RowsAffected() == 0 {
		return 0, storage.ErrDiseaseNotFound
	}
	return d.ID, nil
}

// GetDisease loads a disease by id.
func (s *Store) GetDisease(ctx context.Context, id int64) (*onkostar.Disease, error) {
	var (
		d       onkostar.Disease
		created int64
	)
	err := s.db.QueryRow(ctx, selectDiseaseSQL, id).Scan(&d.ID, &d.PatientID, &d.ICD10Code, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrDiseaseNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query disease")
	}
	d.CreatedAt = fromNanos(created)
	return &d, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies every migration in fsys not yet recorded.
func (s *Store) Migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	list, err := storage.LoadMigrations(fsys)
	if err != nil {
		return err
	}
	for _, migration := range list {
		if err := s.apply(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, migration storage.Migration) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
			migration.Version, s.now().Unix())
		if err != nil {
			return fmt.Errorf("record migration %s: %w", migration.Version, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for _, stmt := range migration.Statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", migration.Name, err)
			}
		}
		return nil
	})
}

func scanProcedure(row pgx.Row) (*onkostar.Procedure, error) {
	var (
		p                       onkostar.Procedure
		procType                string
		values                  []byte
		start, created, updated int64
	)
	if err := row.Scan(&p.ID, &p.PatientID, &p.DiseaseID, &p.FormName, &procType, &start,
		&p.Deleted, &values, &created, &updated); err != nil {
		return nil, err
	}
	p.Type = onkostar.ProcedureType(procType)
	p.StartDate = fromNanos(start)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	if err := p.UnmarshalValues(values); err != nil {
		return nil, err
	}
	return &p, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
