package clinic

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("clinic not found")
	ErrDuplicateSubdomain = errors.New("clinic subdomain already taken")
	ErrInvalidClinic      = errors.New("invalid clinic")
)

type Repository interface {
	Create(ctx context.Context, c *Clinic) error
	GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*Clinic, error)
	List(ctx context.Context, limit, offset int) ([]*Clinic, int, error)
}
