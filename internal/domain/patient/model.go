package patient

import (
	"time"

	"github.com/google/uuid"

	"github.com/pediclinic/clinic/internal/domain/patientid"
)

// Patient is a child registered at a clinic. PatientID is the human-readable
// identifier printed on charts and is assigned once at registration.
type Patient struct {
	ID                   uuid.UUID        `db:"id" json:"id"`
	ClinicID             uuid.UUID        `db:"clinic_id" json:"clinic_id"`
	PatientID            string           `db:"patient_id" json:"patient_id,omitempty"`
	PatientIDPolicy      patientid.Policy `db:"patient_id_policy" json:"patient_id_policy,omitempty"`
	FirstName            string           `db:"first_name" json:"first_name"`
	MiddleName           *string          `db:"middle_name" json:"middle_name,omitempty"`
	LastName             string           `db:"last_name" json:"last_name"`
	BirthDate            *time.Time       `db:"birth_date" json:"birth_date,omitempty"`
	Gender               *string          `db:"gender" json:"gender,omitempty"`
	GuardianName         *string          `db:"guardian_name" json:"guardian_name,omitempty"`
	GuardianRelationship *string          `db:"guardian_relationship" json:"guardian_relationship,omitempty"`
	GuardianPhone        *string          `db:"guardian_phone" json:"guardian_phone,omitempty"`
	Email                *string          `db:"email" json:"email,omitempty"`
	AddressLine1         *string          `db:"address_line1" json:"address_line1,omitempty"`
	City                 *string          `db:"city" json:"city,omitempty"`
	PostalCode           *string          `db:"postal_code" json:"postal_code,omitempty"`
	Allergies            *string          `db:"allergies" json:"allergies,omitempty"`
	Notes                *string          `db:"notes" json:"notes,omitempty"`
	Active               bool             `db:"active" json:"active"`
	CreatedAt            time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
}

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

// ListFilter narrows ListPatients. Query matches names and patient IDs.
type ListFilter struct {
	Query string
}

// IdentifierInfo is the decoded form of a patient ID returned by the
// validation endpoint.
type IdentifierInfo struct {
	Value         string           `json:"value"`
	Valid         bool             `json:"valid"`
	Policy        patientid.Policy `json:"policy,omitempty"`
	Initials      string           `json:"initials,omitempty"`
	Number        int              `json:"number,omitempty"`
	Date          string           `json:"date,omitempty"`
	ClinicMatches bool             `json:"clinic_matches"`
}
