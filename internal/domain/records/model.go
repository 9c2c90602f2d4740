package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/medrecords/prontuario/internal/platform/apperror"
	"github.com/medrecords/prontuario/pkg/dates"
)

var (
	ErrDocumentNotFound = fmt.Errorf("record document %w", apperror.ErrNotFound)
	ErrFileNotFound     = fmt.Errorf("file %w", apperror.ErrNotFound)
)

// FileRecord is the metadata of one uploaded file. The bytes live in the
// blob store under BlobKey.
type FileRecord struct {
	OriginalName string    `json:"original_name" bson:"original_name"`
	StoredName   string    `json:"stored_name" bson:"stored_name"`
	MimeType     string    `json:"mime_type" bson:"mime_type"`
	SizeBytes    int64     `json:"size_bytes" bson:"size_bytes"`
	BlobKey      string    `json:"blob_key" bson:"blob_key"`
	UploadedAt   time.Time `json:"uploaded_at" bson:"uploaded_at"`
	UploadedBy   string    `json:"uploaded_by,omitempty" bson:"uploaded_by,omitempty"`
}

// Key identifies the single document of a variant for a patient (and, for
// post-operative records, an evolution).
type Key struct {
	PatientID   string
	EvolutionID string
}

func (k Key) String() string {
	if k.EvolutionID == "" {
		return k.PatientID
	}
	return k.PatientID + "/" + k.EvolutionID
}

type Status string

const (
	StatusPendente    Status = "pendente"
	StatusEmAndamento Status = "em_andamento"
	StatusConcluido   Status = "concluido"
	StatusCancelado   Status = "cancelado"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPendente, StatusEmAndamento, StatusConcluido, StatusCancelado:
		return true
	}
	return false
}

type Document struct {
	ID                   string                 `json:"id" bson:"_id"`
	Variant              string                 `json:"variant" bson:"variant"`
	PatientID            string                 `json:"patient_id" bson:"patient_id"`
	EvolutionID          string                 `json:"evolution_id,omitempty" bson:"evolution_id"`
	PatientName          string                 `json:"patient_name" bson:"patient_name"`
	Files                map[Field][]FileRecord `json:"files" bson:"files"`
	Status               Status                 `json:"status,omitempty" bson:"status,omitempty"`
	ObservacoesGeral     string                 `json:"observacoes_geral,omitempty" bson:"observacoes_geral,omitempty"`
	ScheduledSurgeryDate *dates.Date            `json:"scheduled_surgery_date,omitempty" bson:"scheduled_surgery_date,omitempty"`
	Conduta              string                 `json:"conduta,omitempty" bson:"conduta,omitempty"`
	Version              int64                  `json:"version" bson:"version"`
	CreatedAt            time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at" bson:"updated_at"`
}

func (d *Document) Key() Key {
	return Key{PatientID: d.PatientID, EvolutionID: d.EvolutionID}
}

// File returns the record named storedName in field.
func (d *Document) File(field Field, storedName string) (FileRecord, bool) {
	for _, r := range d.Files[field] {
		if r.StoredName == storedName {
			return r, true
		}
	}
	return FileRecord{}, false
}

// FieldOf returns the field holding storedName.
func (d *Document) FieldOf(storedName string) (Field, bool) {
	for f, list := range d.Files {
		for _, r := range list {
			if r.StoredName == storedName {
				return f, true
			}
		}
	}
	return "", false
}

// BlobKeys lists the distinct blobs the document references.
func (d *Document) BlobKeys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range d.Files {
		for _, r := range list {
			if r.BlobKey != "" && !seen[r.BlobKey] {
				seen[r.BlobKey] = true
				out = append(out, r.BlobKey)
			}
		}
	}
	return out
}

// fill gives every field of v an entry so clients always see the full set.
func (d *Document) fill(v Variant) {
	if d.Files == nil {
		d.Files = make(map[Field][]FileRecord, len(v.Fields))
	}
	for _, f := range v.Fields {
		if d.Files[f] == nil {
			d.Files[f] = []FileRecord{}
		}
	}
}

// Patch updates the workflow fields of a document. Nil members are left
// unchanged.
type Patch struct {
	Status               *Status     `json:"status"`
	ObservacoesGeral     *string     `json:"observacoes_geral"`
	ScheduledSurgeryDate *dates.Date `json:"scheduled_surgery_date"`
	Conduta              *string     `json:"conduta"`
}

// Fields lists the workflow fields the patch sets.
func (p Patch) Fields() []WorkflowField {
	var out []WorkflowField
	if p.Status != nil {
		out = append(out, WorkflowStatus)
	}
	if p.ObservacoesGeral != nil {
		out = append(out, WorkflowObservacoesGeral)
	}
	if p.ScheduledSurgeryDate != nil {
		out = append(out, WorkflowScheduledSurgeryDate)
	}
	if p.Conduta != nil {
		out = append(out, WorkflowConduta)
	}
	return out
}

func (p Patch) apply(d *Document) {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.ObservacoesGeral != nil {
		d.ObservacoesGeral = *p.ObservacoesGeral
	}
	if p.ScheduledSurgeryDate != nil {
		d.ScheduledSurgeryDate = nil
		if sd := *p.ScheduledSurgeryDate; !sd.IsZero() {
			d.ScheduledSurgeryDate = &sd
		}
	}
	if p.Conduta != nil {
		d.Conduta = *p.Conduta
	}
}

// DecodePatch parses a PATCH body, rejecting members that are not workflow
// fields of v.
func DecodePatch(v Variant, body []byte) (Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Patch{}, apperror.Validation("invalid JSON body: %v", err)
	}
	var unsupported []string
	for name := range raw {
		if !v.supports(WorkflowField(name)) {
			unsupported = append(unsupported, name)
		}
	}
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return Patch{}, apperror.Validation("%s does not accept %s", v.Collection, strings.Join(unsupported, ", "))
	}

	var p Patch
	if err := json.Unmarshal(body, &p); err != nil {
		return Patch{}, apperror.Validation("invalid JSON body: %v", err)
	}
	return p, nil
}
