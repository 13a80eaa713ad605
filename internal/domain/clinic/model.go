package clinic

import (
	"time"

	"github.com/google/uuid"

	"github.com/pediclinic/clinic/internal/domain/patientid"
)

// Clinic is one tenant of the platform, addressed by its subdomain.
type Clinic struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Subdomain string    `db:"subdomain" json:"subdomain"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Identity is the view of the clinic the patient-ID allocator works with.
func (c *Clinic) Identity() patientid.ClinicIdentity {
	return patientid.ClinicIdentity{Ref: c.ID, Name: c.Name, Subdomain: c.Subdomain}
}

// View is the JSON shape of GET /api/v1/clinic.
type View struct {
	*Clinic
	Initials string `json:"initials"`
}

func (c *Clinic) View() View {
	return View{Clinic: c, Initials: patientid.ComputeInitials(c.Name)}
}
