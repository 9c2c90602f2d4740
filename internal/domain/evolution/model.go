package evolution

import (
	"fmt"
	"time"

	"github.com/medrecords/prontuario/internal/platform/apperror"
	"github.com/medrecords/prontuario/pkg/dates"
)

var ErrEvolutionNotFound = fmt.Errorf("evolution %w", apperror.ErrNotFound)

// Evolution is a dated follow-up note of a patient.
type Evolution struct {
	ID          string     `json:"id" bson:"_id"`
	PatientID   string     `json:"patient_id" bson:"patient_id"`
	PatientName string     `json:"patient_name" bson:"patient_name"`
	Date        dates.Date `json:"date" bson:"date"`
	WeightKG    *float64   `json:"weight_kg,omitempty" bson:"weight_kg,omitempty"`
	Medications []string   `json:"medications" bson:"medications"`
	AlteredLabs string     `json:"altered_labs,omitempty" bson:"altered_labs,omitempty"`
	Notes       string     `json:"notes,omitempty" bson:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at"`
}

func (e *Evolution) Validate() error {
	if e.PatientID == "" {
		return apperror.Validation("patient_id is required")
	}
	if e.Date.IsZero() {
		return apperror.Validation("date is required")
	}
	if e.WeightKG != nil && *e.WeightKG <= 0 {
		return apperror.Validation("weight_kg must be positive")
	}
	return nil
}

// Patch carries the fields a PATCH may change. Nil fields are left alone.
type Patch struct {
	Date        *dates.Date `json:"date"`
	WeightKG    *float64    `json:"weight_kg"`
	Medications *[]string   `json:"medications"`
	AlteredLabs *string     `json:"altered_labs"`
	Notes       *string     `json:"notes"`
}

func (p Patch) apply(e *Evolution) {
	if p.Date != nil {
		e.Date = *p.Date
	}
	if p.WeightKG != nil {
		e.WeightKG = p.WeightKG
	}
	if p.Medications != nil {
		e.Medications = *p.Medications
	}
	if p.AlteredLabs != nil {
		e.AlteredLabs = *p.AlteredLabs
	}
	if p.Notes != nil {
		e.Notes = *p.Notes
	}
}
