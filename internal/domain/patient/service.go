package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pediclinic/clinic/internal/domain/patientid"
	"github.com/pediclinic/clinic/internal/platform/lock"
	"github.com/pediclinic/clinic/internal/platform/tracing"
)

var (
	// ErrPatientIDUnavailable means no identifier could be assigned this
	// time. Callers should retry the registration later.
	ErrPatientIDUnavailable = errors.New("could not generate a patient ID, please retry")
	ErrValidation           = errors.New("invalid patient")
	ErrImmutablePatientID   = errors.New("patient_id cannot be changed")
)

// Allocator proposes the next free identifier for a clinic.
type Allocator interface {
	Allocate(ctx context.Context, clinic patientid.ClinicIdentity, policy patientid.Policy) (patientid.Allocation, error)
}

// RegistrationRecorder receives registration measurements.
type RegistrationRecorder interface {
	IncrementInsertConflicts()
	ObserveLockWait(start time.Time)
}

type nopRegistrationRecorder struct{}

func (nopRegistrationRecorder) IncrementInsertConflicts() {}
func (nopRegistrationRecorder) ObserveLockWait(time.Time) {}

type Service struct {
	patients    Repository
	allocator   Allocator
	locker      lock.Locker
	lockLease   time.Duration
	policy      patientid.Policy
	maxAttempts int
	now         func() time.Time
	logger      zerolog.Logger
	metrics     RegistrationRecorder
	tracer      trace.Tracer
}

type ServiceOption func(*Service)

// WithLocker serializes allocate-and-insert per clinic.
func WithLocker(l lock.Locker) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithLockLease bounds the allocate-and-insert work done under the lock.
// It must be shorter than the lock TTL so that no insert lands after another
// holder got in.
func WithLockLease(d time.Duration) ServiceOption {
	return func(s *Service) { s.lockLease = d }
}

// WithPolicy selects the identifier policy for new patients.
func WithPolicy(p patientid.Policy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithMaxAttempts bounds how many times registration re-allocates after the
// insert loses a race on the unique constraint.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) { s.maxAttempts = n }
}

func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func WithRegistrationRecorder(r RegistrationRecorder) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(patients Repository, allocator Allocator, opts ...ServiceOption) *Service {
	s := &Service{
		patients:    patients,
		allocator:   allocator,
		locker:      lock.Nop{},
		policy:      patientid.Monotonic,
		maxAttempts: 3,
		now:         time.Now,
		logger:      zerolog.Nop(),
		metrics:     nopRegistrationRecorder{},
		tracer:      otel.Tracer("github.com/pediclinic/clinic/internal/domain/patient"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	return s
}

func (s *Service) Policy() patientid.Policy { return s.policy }

// RegisterPatient assigns a fresh patient ID and inserts the patient. A
// unique-constraint rejection means another registration took the same
// identifier first, so a new one is allocated.
func (s *Service) RegisterPatient(ctx context.Context, clinic patientid.ClinicIdentity, p *Patient) (err error) {
	if err := s.validate(p); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "patient.Register", trace.WithAttributes(
		attribute.String("clinic.ref", clinic.Ref.String()),
		attribute.String("patient_id.policy", s.policy.String()),
	))
	defer func() { tracing.EndSpan(span, err) }()

	logger := s.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	logger = logger.With().Str("clinic_ref", clinic.Ref.String()).Logger()

	start := time.Now()
	release, err := s.locker.Acquire(ctx, lock.ClinicKey(clinic.Ref))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrPatientIDUnavailable, err)
	}
	s.metrics.ObserveLockWait(start)
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			logger.Warn().Err(rerr).Msg("release allocation lock")
		}
	}()

	p.ClinicID = clinic.Ref
	p.Active = true

	work := ctx
	if s.lockLease > 0 {
		var cancel context.CancelFunc
		work, cancel = context.WithTimeoutCause(ctx, s.lockLease, lock.ErrLeaseExpired)
		defer cancel()
	}
	err = s.insertWithRetry(work, clinic, p, logger, span)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(work), lock.ErrLeaseExpired) {
		p.PatientID, p.PatientIDPolicy = "", ""
		logger.Warn().Dur("lease", s.lockLease).Msg("registration outran the allocation lock")
		return fmt.Errorf("%w: %w", ErrPatientIDUnavailable, lock.ErrLeaseExpired)
	}
	return err
}

func (s *Service) insertWithRetry(ctx context.Context, clinic patientid.ClinicIdentity, p *Patient, logger zerolog.Logger, span trace.Span) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		alloc, err := s.allocator.Allocate(ctx, clinic, s.policy)
		if err != nil {
			p.PatientID, p.PatientIDPolicy = "", ""
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if patientid.IsAllocationFailure(err) {
				return fmt.Errorf("%w: %w", ErrPatientIDUnavailable, err)
			}
			return fmt.Errorf("allocate patient id: %w", err)
		}

		p.PatientID = alloc.Identifier.Value
		p.PatientIDPolicy = alloc.Identifier.Policy

		err = s.patients.Create(ctx, p)
		if err == nil {
			span.SetAttributes(
				attribute.String("patient_id", p.PatientID),
				attribute.Int("registration.attempts", attempt),
			)
			logger.Info().
				Str("patient_id", p.PatientID).
				Int("attempt", attempt).
				Int("allocator_retries", alloc.Retries).
				Msg("patient registered")
			return nil
		}
		if !errors.Is(err, ErrDuplicatePatientID) {
			p.PatientID, p.PatientIDPolicy = "", ""
			return fmt.Errorf("create patient: %w", err)
		}

		s.metrics.IncrementInsertConflicts()
		logger.Warn().
			Str("candidate", p.PatientID).
			Int("attempt", attempt).
			Msg("patient id taken at insert, allocating again")
		lastErr = err
	}

	p.PatientID, p.PatientIDPolicy = "", ""
	return fmt.Errorf("%w: %d inserts rejected: %w", ErrPatientIDUnavailable, s.maxAttempts, lastErr)
}

func (s *Service) validate(p *Patient) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("%w: first_name and last_name are required", ErrValidation)
	}
	if p.BirthDate != nil && p.BirthDate.After(s.now()) {
		return fmt.Errorf("%w: birth_date cannot be in the future", ErrValidation)
	}
	if p.Gender != nil {
		g := strings.ToLower(strings.TrimSpace(*p.Gender))
		if !validGenders[g] {
			return fmt.Errorf("%w: gender must be male, female, other or unknown", ErrValidation)
		}
		p.Gender = &g
	}
	return nil
}

func (s *Service) GetPatient(ctx context.Context, clinicID, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, clinicID, id)
}

func (s *Service) GetPatientByPatientID(ctx context.Context, clinicID uuid.UUID, patientID string) (*Patient, error) {
	return s.patients.GetByPatientID(ctx, clinicID, strings.ToUpper(strings.TrimSpace(patientID)))
}

func (s *Service) ListPatients(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, clinicID, f, limit, offset)
}

// UpdatePatient replaces the demographics of an existing patient. The
// identifier is fixed at registration; a request carrying a different one
// is rejected. Active is kept as stored; deactivation goes through
// DeletePatient.
func (s *Service) UpdatePatient(ctx context.Context, clinicID uuid.UUID, p *Patient) error {
	if err := s.validate(p); err != nil {
		return err
	}
	existing, err := s.patients.GetByID(ctx, clinicID, p.ID)
	if err != nil {
		return err
	}
	if p.PatientID != "" && p.PatientID != existing.PatientID {
		return ErrImmutablePatientID
	}
	if p.PatientIDPolicy != "" && p.PatientIDPolicy != existing.PatientIDPolicy {
		return ErrImmutablePatientID
	}

	p.ClinicID = clinicID
	p.PatientID = existing.PatientID
	p.PatientIDPolicy = existing.PatientIDPolicy
	p.Active = existing.Active
	p.CreatedAt = existing.CreatedAt
	return s.patients.Update(ctx, p)
}

func (s *Service) DeletePatient(ctx context.Context, clinicID, id uuid.UUID) error {
	return s.patients.Delete(ctx, clinicID, id)
}

// DescribeIdentifier decodes value and reports whether it carries the
// clinic's initials.
func DescribeIdentifier(value string, clinic patientid.ClinicIdentity) IdentifierInfo {
	info := IdentifierInfo{Value: value}
	id, err := patientid.Parse(value)
	if err != nil {
		return info
	}
	info.Valid = true
	info.Policy = id.Policy
	info.Initials = id.Initials
	info.Number = id.Number
	if id.Policy == patientid.Daily {
		info.Date = id.Date.Format(time.DateOnly)
	}
	info.ClinicMatches = id.Initials == clinic.Initials()
	return info
}
