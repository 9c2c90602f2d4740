package records

import (
	"fmt"
	"strings"

	"github.com/medrecords/prontuario/internal/platform/apperror"
)

// Field names one file collection of a document.
type Field string

const (
	FieldCardiologista   Field = "cardiologista"
	FieldEndocrino       Field = "endocrino"
	FieldNutricionista   Field = "nutricionista"
	FieldPsicologa       Field = "psicologa"
	FieldOutros          Field = "outros"
	FieldLaboratoriais   Field = "laboratoriais"
	FieldUSG             Field = "usg"
	FieldEDA             Field = "eda"
	FieldECG             Field = "ecg"
	FieldEcocardiograma  Field = "ecocardiograma"
	FieldRX              Field = "rx"
	FieldPolissonografia Field = "polissonografia"
	FieldRiscoCirurgico  Field = "risco_cirurgico"
	FieldExames          Field = "exames"
	FieldImagens         Field = "imagens"
	FieldDocumentos      Field = "documentos"
)

// WorkflowField names a non-file attribute a variant may carry.
type WorkflowField string

const (
	WorkflowStatus               WorkflowField = "status"
	WorkflowObservacoesGeral     WorkflowField = "observacoes_geral"
	WorkflowScheduledSurgeryDate WorkflowField = "scheduled_surgery_date"
	WorkflowConduta              WorkflowField = "conduta"
)

var ErrInvalidField = fmt.Errorf("%w: invalid field", apperror.ErrValidation)

const mb = 1 << 20

// Variant describes one kind of record document: where it is stored, how
// it is keyed and which file collections and workflow fields it has.
type Variant struct {
	Name        string
	Label       string
	Collection  string
	Route       string
	ByEvolution bool
	MaxFileSize int64
	CanRename   bool
	Fields      []Field
	Workflow    []WorkflowField
}

var (
	Avaliacao = Variant{
		Name:        "avaliacao",
		Label:       "Avaliação",
		Collection:  "avaliacoes",
		Route:       "/avaliacoes",
		MaxFileSize: 10 * mb,
		Fields:      []Field{FieldCardiologista, FieldEndocrino, FieldNutricionista, FieldPsicologa, FieldOutros},
		Workflow:    []WorkflowField{WorkflowObservacoesGeral},
	}
	Exame = Variant{
		Name:        "exame",
		Label:       "Exame",
		Collection:  "exames",
		Route:       "/exames",
		MaxFileSize: 50 * mb,
		Fields: []Field{FieldLaboratoriais, FieldUSG, FieldEDA, FieldECG, FieldEcocardiograma,
			FieldRX, FieldPolissonografia, FieldExames, FieldOutros},
		Workflow: []WorkflowField{WorkflowObservacoesGeral},
	}
	ExamePreop = Variant{
		Name:        "exame_preop",
		Label:       "Exame pré-operatório",
		Collection:  "exames_preop",
		Route:       "/exames-preop",
		MaxFileSize: 50 * mb,
		Fields: []Field{FieldLaboratoriais, FieldUSG, FieldEDA, FieldECG, FieldEcocardiograma,
			FieldRiscoCirurgico, FieldExames, FieldOutros},
		Workflow: []WorkflowField{WorkflowStatus, WorkflowObservacoesGeral, WorkflowScheduledSurgeryDate},
	}
	PosOp = Variant{
		Name:        "pos_op",
		Label:       "Pós-operatório",
		Collection:  "pos_op",
		Route:       "/pos-op",
		ByEvolution: true,
		MaxFileSize: 20 * mb,
		CanRename:   true,
		Fields:      []Field{FieldExames, FieldImagens, FieldDocumentos},
		Workflow:    []WorkflowField{WorkflowConduta, WorkflowObservacoesGeral},
	}
)

// Variants returns every record variant in registration order.
func Variants() []Variant {
	return []Variant{Avaliacao, Exame, ExamePreop, PosOp}
}

// ParseField resolves a route segment to one of the variant's fields.
func (v Variant) ParseField(s string) (Field, error) {
	f := Field(strings.TrimSpace(s))
	if v.HasField(f) {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q is not a %s field", ErrInvalidField, s, v.Collection)
}

func (v Variant) HasField(f Field) bool {
	for _, allowed := range v.Fields {
		if allowed == f {
			return true
		}
	}
	return false
}

func (v Variant) supports(w WorkflowField) bool {
	for _, allowed := range v.Workflow {
		if allowed == w {
			return true
		}
	}
	return false
}

// MaxUploadParts caps the files accepted by one multipart upload.
const MaxUploadParts = 10

// UploadLimit is the request size accepted by the multipart upload route:
// MaxUploadParts files at the ceiling plus room for framing.
func (v Variant) UploadLimit() int64 {
	return v.MaxFileSize*MaxUploadParts + mb
}

// Base64Limit is the request size accepted by the Base64 upload route: one
// file at the ceiling inflated by the encoding plus room for the JSON.
func (v Variant) Base64Limit() int64 {
	return v.MaxFileSize*4/3 + mb
}
