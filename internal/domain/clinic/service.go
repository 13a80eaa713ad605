package clinic

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pediclinic/clinic/internal/domain/patientid"
	"github.com/pediclinic/clinic/internal/platform/db"
)

type Service struct {
	clinics Repository
}

func NewService(clinics Repository) *Service {
	return &Service{clinics: clinics}
}

// CreateClinic registers a tenant. The name must yield two or three initials
// because every patient identifier of the clinic starts with them.
func (s *Service) CreateClinic(ctx context.Context, c *Clinic) error {
	c.Subdomain = strings.ToLower(strings.TrimSpace(c.Subdomain))
	c.Name = strings.Join(strings.Fields(c.Name), " ")

	if !db.ValidTenantID(c.Subdomain) {
		return fmt.Errorf("%w: subdomain %q must be a DNS label", ErrInvalidClinic, c.Subdomain)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidClinic)
	}
	if initials := patientid.ComputeInitials(c.Name); !patientid.ValidInitials(initials) {
		return fmt.Errorf("%w: name %q yields initials %q, need two or three letters A-Z",
			ErrInvalidClinic, c.Name, initials)
	}
	c.Active = true
	return s.clinics.Create(ctx, c)
}

func (s *Service) GetClinic(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	return s.clinics.GetByID(ctx, id)
}

func (s *Service) GetBySubdomain(ctx context.Context, subdomain string) (*Clinic, error) {
	return s.clinics.GetBySubdomain(ctx, strings.ToLower(subdomain))
}

func (s *Service) ListClinics(ctx context.Context, limit, offset int) ([]*Clinic, int, error) {
	return s.clinics.List(ctx, limit, offset)
}

// Current loads the clinic named by the request tenant. Inactive clinics are
// reported as not found.
func (s *Service) Current(ctx context.Context) (*Clinic, error) {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		return nil, ErrNotFound
	}
	c, err := s.clinics.GetBySubdomain(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, ErrNotFound
	}
	return c, nil
}
