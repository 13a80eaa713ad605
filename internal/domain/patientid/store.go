package patientid

import (
	"context"

	"github.com/google/uuid"
)

// Store is the read side of the patients table the allocator consults.
type Store interface {
	// FindTopIdentifierByPrefix returns the greatest identifier of the clinic
	// that starts with prefix and is exactly len(prefix)+width long.
	FindTopIdentifierByPrefix(ctx context.Context, clinicRef uuid.UUID, prefix string, width int) (string, bool, error)

	// FindExactIdentifier reports whether candidate is already assigned
	// within the clinic. A missing row is not an error.
	FindExactIdentifier(ctx context.Context, clinicRef uuid.UUID, candidate string) (bool, error)
}

// SequenceSource is implemented by stores that host their own per-clinic
// counter routine. Implementations return ErrSequenceUnsupported when the
// routine is not installed.
type SequenceSource interface {
	NextPatientNumber(ctx context.Context, clinicSubdomain string) (int, error)
}

// ClinicIdentity scopes an allocation to one tenant.
type ClinicIdentity struct {
	Ref       uuid.UUID
	Name      string
	Subdomain string
}

// Initials recomputes the clinic initials from its display name.
func (c ClinicIdentity) Initials() string {
	return ComputeInitials(c.Name)
}
