package patient

import (
	"strings"
	"time"

	"github.com/medrecords/prontuario/internal/platform/apperror"
	"github.com/medrecords/prontuario/pkg/dates"
)

type Address struct {
	Street     string `json:"street,omitempty" bson:"street,omitempty"`
	Number     string `json:"number,omitempty" bson:"number,omitempty"`
	Complement string `json:"complement,omitempty" bson:"complement,omitempty"`
	District   string `json:"district,omitempty" bson:"district,omitempty"`
	City       string `json:"city,omitempty" bson:"city,omitempty"`
	State      string `json:"state,omitempty" bson:"state,omitempty"`
	Zip        string `json:"zip,omitempty" bson:"zip,omitempty"`
}

// ClinicalInfo is the intake data recorded at the first consultation.
type ClinicalInfo struct {
	HeightCM        *float64 `json:"height_cm,omitempty" bson:"height_cm,omitempty"`
	InitialWeightKG *float64 `json:"initial_weight_kg,omitempty" bson:"initial_weight_kg,omitempty"`
	Comorbidities   []string `json:"comorbidities,omitempty" bson:"comorbidities,omitempty"`
	SurgeryType     string   `json:"surgery_type,omitempty" bson:"surgery_type,omitempty"`
}

type Patient struct {
	ID           string        `json:"id" bson:"_id"`
	Name         string        `json:"name" bson:"name"`
	RecordNumber int           `json:"record_number" bson:"record_number"`
	CPF          string        `json:"cpf,omitempty" bson:"cpf,omitempty"`
	BirthDate    *dates.Date   `json:"birth_date,omitempty" bson:"birth_date,omitempty"`
	Sex          string        `json:"sex,omitempty" bson:"sex,omitempty"`
	Phone        string        `json:"phone,omitempty" bson:"phone,omitempty"`
	Email        string        `json:"email,omitempty" bson:"email,omitempty"`
	Address      *Address      `json:"address,omitempty" bson:"address,omitempty"`
	Clinical     *ClinicalInfo `json:"clinical,omitempty" bson:"clinical,omitempty"`
	CreatedAt    time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" bson:"updated_at"`
}

func (p *Patient) normalize() {
	p.Name = strings.Join(strings.Fields(p.Name), " ")
	p.CPF = strings.TrimSpace(p.CPF)
	p.Email = strings.TrimSpace(strings.ToLower(p.Email))
}

// Validate checks the fields every patient must have.
func (p *Patient) Validate() error {
	if p.Name == "" {
		return apperror.Validation("name is required")
	}
	if p.RecordNumber <= 0 {
		return apperror.Validation("record_number must be a positive integer")
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Name string
}
