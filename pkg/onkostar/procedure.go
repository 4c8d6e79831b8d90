// Package onkostar models the host contract an analyzer plugin is written
// against: the procedure record, its items, diseases, the analyzer
// interface and the persistence capability the host hands to plugins.
package onkostar

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcedureType classifies a procedure record.
type ProcedureType string

const (
	ProcedureTypeObservation  ProcedureType = "OBSERVATION"
	ProcedureTypeDiagnosis    ProcedureType = "DIAGNOSIS"
	ProcedureTypeTherapy      ProcedureType = "THERAPY"
	ProcedureTypeConsultation ProcedureType = "CONSULTATION"
)

// Item is a single form field value of a procedure.
type Item struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// NewItem builds an item for field name.
func NewItem(name string, value any) Item {
	return Item{Name: name, Value: value}
}

// String renders the value for display; nil becomes "".
func (i Item) String() string {
	switch v := i.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// Time returns the value as a timestamp. JSON round trips turn timestamps
// into RFC 3339 strings, which are parsed back here.
func (i Item) Time() (time.Time, bool) {
	switch v := i.Value.(type) {
	case time.Time:
		return v, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// Procedure is a host-managed clinical record ("Prozedur").
type Procedure struct {
	ID        int64           `json:"id"`
	PatientID int64           `json:"patient_id"`
	DiseaseID int64           `json:"disease_id,omitempty"`
	FormName  string          `json:"form_name"`
	Type      ProcedureType   `json:"type"`
	StartDate time.Time       `json:"start_date"`
	Deleted   bool            `json:"deleted,omitempty"`
	Values    map[string]Item `json:"values,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewProcedure returns an empty procedure bound to patientID.
func NewProcedure(patientID int64) *Procedure {
	return &Procedure{PatientID: patientID, Values: map[string]Item{}}
}

// SetValue stores item under field.
func (p *Procedure) SetValue(field string, item Item) {
	if p.Values == nil {
		p.Values = map[string]Item{}
	}
	p.Values[field] = item
}

// Value returns the item stored under field.
func (p *Procedure) Value(field string) (Item, bool) {
	if p == nil || p.Values == nil {
		return Item{}, false
	}
	item, ok := p.Values[field]
	return item, ok
}

// Clone returns a copy whose value map can be mutated independently.
func (p *Procedure) Clone() *Procedure {
	if p == nil {
		return nil
	}
	dup := *p
	if p.Values != nil {
		dup.Values = make(map[string]Item, len(p.Values))
		for k, v := range p.Values {
			dup.Values[k] = v
		}
	}
	return &dup
}

// MarshalValues encodes the item map for storage backends.
func (p *Procedure) MarshalValues() ([]byte, error) {
	if p == nil || len(p.Values) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Values)
}

// UnmarshalValues decodes an item map produced by MarshalValues.
func (p *Procedure) UnmarshalValues(raw []byte) error {
	values := map[string]Item{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("decode procedure values: %w", err)
		}
	}
	p.Values = values
	return nil
}

// Disease is a host-managed disease ("Erkrankung") a procedure may belong to.
type Disease struct {
	ID        int64     `json:"id"`
	PatientID int64     `json:"patient_id"`
	ICD10Code string    `json:"icd10_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
