// Package storage defines the procedure persistence used by the development
// host. Every backend doubles as the onkostar.API handed to analyzers.
package storage

import (
	"context"
	"strings"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// ProcedureStore persists procedures and diseases.
type ProcedureStore interface {
	onkostar.API
	GetProcedure(ctx context.Context, id int64) (*onkostar.Procedure, error)
	ListByPatient(ctx context.Context, patientID int64, limit int) ([]*onkostar.Procedure, error)
	SaveDisease(ctx context.Context, d *onkostar.Disease) (int64, error)
	GetDisease(ctx context.Context, id int64) (*onkostar.Disease, error)
	Close() error
}

const (
	CodeProcedureNotFound xerrors.Code = "PROCEDURE_NOT_FOUND"
	CodeDiseaseNotFound   xerrors.Code = "DISEASE_NOT_FOUND"
)

var (
	// ErrProcedureNotFound is returned when no procedure has the requested id.
	ErrProcedureNotFound = xerrors.New(CodeProcedureNotFound, "procedure not found")
	// ErrDiseaseNotFound is returned when no disease has the requested id.
	ErrDiseaseNotFound = xerrors.New(CodeDiseaseNotFound, "disease not found")
)

// DefaultListLimit bounds ListByPatient when no limit is given.
const DefaultListLimit = 50

func init() {
	xerrors.Register(CodeProcedureNotFound, xerrors.Attributes{
		Message:  "procedure not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDiseaseNotFound, xerrors.Attributes{
		Message:  "disease not found",
		Severity: xerrors.SeverityInfo,
	})
}

// Validate applies the checks of a validating save.
func Validate(p *onkostar.Procedure) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "procedure cannot be nil")
	}
	if p.PatientID <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "procedure requires a patient id")
	}
	if strings.TrimSpace(p.FormName) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "procedure requires a form name")
	}
	if p.Type == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "procedure requires a type")
	}
	return nil
}

// CheckSave runs the checks every save needs and, when validate is set,
// the form checks as well.
func CheckSave(p *onkostar.Procedure, validate bool) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "procedure cannot be nil")
	}
	if validate {
		return Validate(p)
	}
	return nil
}

// NormalizeLimit applies DefaultListLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// IsNotFound reports whether err is a missing procedure or disease.
func IsNotFound(err error) bool {
	return xerrors.HasCode(err, CodeProcedureNotFound, CodeDiseaseNotFound, xerrors.CodeNotFound)
}
