package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("patient not found")
	// ErrDuplicatePatientID is the unique (clinic_id, patient_id) violation;
	// registration treats it as a lost race and allocates again.
	ErrDuplicatePatientID = errors.New("patient id already assigned in clinic")
)

// Repository stores patients. Every lookup is scoped to one clinic and
// soft-deleted rows are invisible.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, clinicID, id uuid.UUID) (*Patient, error)
	GetByPatientID(ctx context.Context, clinicID uuid.UUID, patientID string) (*Patient, error)
	List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Patient, int, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, clinicID, id uuid.UUID) error
}
