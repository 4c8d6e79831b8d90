// Package memory keeps procedures and diseases in process memory. It is the
// default backend of the development host.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// Store is a map backed storage.ProcedureStore.
type Store struct {
	mu          sync.RWMutex
	procedures  map[int64]*onkostar.Procedure
	diseases    map[int64]*onkostar.Disease
	nextProc    int64
	nextDisease int64
	now         func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		procedures: make(map[int64]*onkostar.Procedure),
		diseases:   make(map[int64]*onkostar.Disease),
		now:        time.Now,
	}
}

var _ storage.ProcedureStore = (*Store)(nil)

// SaveProcedure inserts p when it has no id and replaces the stored record
// otherwise. The assigned id is written back to p.
func (s *Store) SaveProcedure(ctx context.Context, p *onkostar.Procedure, validate bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := storage.CheckSave(p, validate); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if p.ID == 0 {
		s.nextProc++
		p.ID = s.nextProc
		p.CreatedAt = now
	} else {
		existing, ok := s.procedures[p.ID]
		if !ok {
			return 0, xerrors.Wrap(storage.CodeProcedureNotFound, storage.ErrProcedureNotFound, "update procedure",
				xerrors.WithMetadata("procedure_id", strconv.FormatInt(p.ID, 10)))
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = existing.CreatedAt
		}
	}
	p.UpdatedAt = now
	s.procedures[p.ID] = p.Clone()
	return p.ID, nil
}

// GetProcedure returns a copy of the procedure with id.
func (s *Store) GetProcedure(ctx context.Context, id int64) (*onkostar.Procedure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procedures[id]
	if !ok {
		return nil, storage.ErrProcedureNotFound
	}
	return p.Clone(), nil
}

// ListByPatient returns the newest procedures of a patient first.
func (s *Store) ListByPatient(ctx context.Context, patientID int64, limit int) ([]*onkostar.Procedure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = storage.NormalizeLimit(limit)

	s.mu.RLock()
	out := make([]*onkostar.Procedure, 0)
	for _, p := range s.procedures {
		if p.PatientID == patientID {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveDisease inserts or replaces a disease.
func (s *Store) SaveDisease(ctx context.Context, d *onkostar.Disease) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if d == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "disease cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		s.nextDisease++
		d.ID = s.nextDisease
		d.CreatedAt = s.now().UTC()
	} else if _, ok := s.diseases[d.ID]; !ok {
		return 0, storage.ErrDiseaseNotFound
	}
	dup := *d
	s.diseases[d.ID] = &dup
	return d.ID, nil
}

// GetDisease returns a copy of the disease with id.
func (s *Store) GetDisease(ctx context.Context, id int64) (*onkostar.Disease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.diseases[id]
	if !ok {
		return nil, storage.ErrDiseaseNotFound
	}
	dup := *d
	return &dup, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
