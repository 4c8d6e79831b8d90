// Package sqlstore implements storage.ProcedureStore on database/sql for
// dialects that use `?` placeholders and report LastInsertId, i.e. MySQL
// and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

const (
	procedureColumns = `id, patient_id, disease_id, form_name, procedure_type, start_date, deleted, item_values, created_at, updated_at`

	insertProcedureSQL = `INSERT INTO procedures
    (patient_id, disease_id, form_name, procedure_type, start_date, deleted, item_values, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateProcedureSQL = `UPDATE procedures SET patient_id = ?, disease_id = ?, form_name = ?, procedure_type = ?, start_date = ?, deleted = ?, item_values = ?, updated_at = ?
    WHERE id = ?`
	selectProcedureSQL = `SELECT ` + procedureColumns + `
    FROM procedures WHERE id = ?`
	listProceduresSQL = `SELECT ` + procedureColumns + `
    FROM procedures WHERE patient_id = ? ORDER BY id DESC LIMIT ?`

	insertDiseaseSQL = `INSERT INTO diseases (patient_id, icd10_code, created_at) VALUES (?, ?, ?)`
	updateDiseaseSQL = `UPDATE diseases SET patient_id = ?, icd10_code = ? WHERE id = ?`
	selectDiseaseSQL = `SELECT id, patient_id, icd10_code, created_at FROM diseases WHERE id = ?`
)

// Store persists procedures in a SQL database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

var _ storage.ProcedureStore = (*Store)(nil)

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

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
		result, err := s.db.ExecContext(ctx, insertProcedureSQL,
			p.PatientID, p.DiseaseID, p.FormName, string(p.Type), toNanos(p.StartDate),
			p.Deleted, string(values), now.UnixNano(), now.UnixNano())
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert procedure")
		}
		id, err := result.LastInsertId()
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read procedure id")
		}
		p.ID = id
		p.CreatedAt = now
		p.UpdatedAt = now
		return id, nil
	}

	result, err := s.db.ExecContext(ctx, updateProcedureSQL,
		p.PatientID, p.DiseaseID, p.FormName, string(p.Type), toNanos(p.StartDate),
		p.Deleted, string(values), now.UnixNano(), p.ID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update procedure")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return 0, xerrors.Wrap(storage.CodeProcedureNotFound, storage.ErrProcedureNotFound, "update procedure",
			xerrors.WithMetadata("procedure_id", strconv.FormatInt(p.ID, 10)))
	}
	p.UpdatedAt = now
	return p.ID, nil
}

// GetProcedure loads a procedure by id.
func (s *Store) GetProcedure(ctx context.Context, id int64) (*onkostar.Procedure, error) {
	row := s.db.QueryRowContext(ctx, selectProcedureSQL, id)
	p, err := scanProcedure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrProcedureNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query procedure")
	}
	return p, nil
}

// ListByPatient returns the newest procedures of a patient first.
func (s *Store) ListByPatient(ctx context.Context, patientID int64, limit int) ([]*onkostar.Procedure, error) {
	rows, err := s.db.QueryContext(ctx, listProceduresSQL, patientID, storage.NormalizeLimit(limit))
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
		result, err := s.db.ExecContext(ctx, insertDiseaseSQL, d.PatientID, d.ICD10Code, now.UnixNano())
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert disease")
		}
		id, err := result.LastInsertId()
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read disease id")
		}
		d.ID = id
		d.CreatedAt = now
		return id, nil
	}
	result, err := s.db.ExecContext(ctx, updateDiseaseSQL, d.PatientID, d.ICD10Code, d.ID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update disease")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
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
	err := s.db.QueryRowContext(ctx, selectDiseaseSQL, id).Scan(&d.ID, &d.PatientID, &d.ICD10Code, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDiseaseNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query disease")
	}
	d.CreatedAt = fromNanos(created)
	return &d, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProcedure(row scanner) (*onkostar.Procedure, error) {
	var (
		p                       onkostar.Procedure
		procType, values        string
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
	if err := p.UnmarshalValues([]byte(values)); err != nil {
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
