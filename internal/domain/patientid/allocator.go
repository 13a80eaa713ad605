package patientid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/pediclinic/clinic/internal/domain/patientid"

// Allocation outcomes reported to the Recorder.
const (
	OutcomeAllocated = "allocated"
	OutcomeExhausted = "exhausted"
	OutcomeStore     = "store_error"
	OutcomeRejected  = "rejected"
	OutcomeCanceled  = "canceled"
)

// Config tunes the allocator.
type Config struct {
	// MaxRetries bounds the number of attempts. Values below 1 mean 1.
	MaxRetries int
	// BackoffStep is multiplied by the retry count before each retry.
	BackoffStep time.Duration
	// StrictParse fails the allocation when the highest existing identifier
	// cannot be parsed instead of restarting the counter at 1.
	StrictParse bool
	// UseStoreSequence asks a SequenceSource store for the next monotonic
	// number instead of scanning for the current maximum.
	UseStoreSequence bool
	// Location is the time zone the daily policy takes "today" from.
	Location *time.Location
}

// DefaultConfig returns three attempts with a 100ms linear backoff in UTC.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffStep: 100 * time.Millisecond,
		Location:    time.UTC,
	}
}

// Recorder receives allocation measurements.
type Recorder interface {
	AllocationCompleted(policy Policy, outcome string, retries int, elapsed time.Duration)
	CollisionDetected(policy Policy)
	MalformedIdentifier(policy Policy)
}

type nopRecorder struct{}

func (nopRecorder) AllocationCompleted(Policy, string, int, time.Duration) {}
func (nopRecorder) CollisionDetected(Policy)                               {}
func (nopRecorder) MalformedIdentifier(Policy)                             {}

// Allocation is a successfully proposed identifier. Retries counts the
// attempts that were discarded before it.
type Allocation struct {
	Identifier Identifier `json:"identifier"`
	Retries    int        `json:"retries"`
}

// Allocator proposes fresh patient identifiers. It only reads from the
// store; the caller commits the identifier by inserting the patient row.
// An Allocator holds no mutable state and is safe for concurrent use.
type Allocator struct {
	store   Store
	cfg     Config
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	logger  zerolog.Logger
	metrics Recorder
	tracer  trace.Tracer
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// WithSleep replaces the context-aware backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(a *Allocator) { a.sleep = sleep }
}

// WithLogger sets the logger used for collisions and fallbacks.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(a *Allocator) {
		if r != nil {
			a.metrics = r
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(a *Allocator) { a.tracer = t }
}

// NewAllocator creates an allocator over store.
func NewAllocator(store Store, cfg Config, opts ...Option) *Allocator {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	a := &Allocator{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
		logger:  zerolog.Nop(),
		metrics: nopRecorder{},
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Allocator) Config() Config { return a.cfg }

// Allocate proposes an identifier for clinic under policy that the store
// does not yet hold. Collisions and store failures are retried with a
// linear backoff up to Config.MaxRetries attempts.
func (a *Allocator) Allocate(ctx context.Context, clinic ClinicIdentity, policy Policy) (Allocation, error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "patientid.Allocate", trace.WithAttributes(
		attribute.String("clinic.ref", clinic.Ref.String()),
		attribute.String("patient_id.policy", policy.String()),
	))
	defer span.End()

	alloc, err := a.allocate(ctx, clinic, policy)

	span.SetAttributes(attribute.Int("patient_id.retries", alloc.Retries))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("patient_id.value", alloc.Identifier.Value))
	}
	a.metrics.AllocationCompleted(policy, outcomeOf(err), alloc.Retries, time.Since(start))
	return alloc, err
}

func (a *Allocator) allocate(ctx context.Context, clinic ClinicIdentity, policy Policy) (Allocation, error) {
	if policy != Monotonic && policy != Daily {
		return Allocation{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	initials := clinic.Initials()
	if !ValidInitials(initials) {
		return Allocation{}, fmt.Errorf("%w: %q from %q", ErrInvalidInitials, initials, clinic.Name)
	}

	log := a.logger.With().
		Str("clinic_ref", clinic.Ref.String()).
		Str("policy", policy.String()).
		Logger()

	retries := 0
	for {
		id, err := a.propose(ctx, clinic, policy, initials)
		if err == nil {
			var taken bool
			taken, err = a.store.FindExactIdentifier(ctx, clinic.Ref, id.Value)
			switch {
			case err != nil:
				err = &StoreError{Op: "find exact identifier", Err: err}
			case taken:
				a.metrics.CollisionDetected(policy)
				err = fmt.Errorf("%w: %s", ErrCollision, id.Value)
			default:
				return Allocation{Identifier: id, Retries: retries}, nil
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Allocation{Retries: retries}, ctxErr
		}
		if !retryable(err) {
			return Allocation{Retries: retries}, err
		}

		retries++
		log.Warn().Err(err).Int("retry", retries).Int("max_retries", a.cfg.MaxRetries).Msg("patient id attempt failed")

		if retries >= a.cfg.MaxRetries {
			var se *StoreError
			if errors.As(err, &se) {
				return Allocation{Retries: retries}, err
			}
			return Allocation{Retries: retries}, fmt.Errorf("%w after %d attempts: %v", ErrExhaustedRetries, retries, err)
		}
		if err := a.sleep(ctx, a.cfg.BackoffStep*time.Duration(retries)); err != nil {
			return Allocation{Retries: retries}, err
		}
	}
}

// propose computes the next candidate from the current store state.
func (a *Allocator) propose(ctx context.Context, clinic ClinicIdentity, policy Policy, initials string) (Identifier, error) {
	if policy == Monotonic && a.cfg.UseStoreSequence {
		if src, ok := a.store.(SequenceSource); ok {
			n, err := src.NextPatientNumber(ctx, clinic.Subdomain)
			switch {
			case err == nil:
				if n > policy.Max() {
					return Identifier{}, fmt.Errorf("%w: store sequence returned %d", ErrSequenceOverflow, n)
				}
				return NewMonotonic(initials, n), nil
			case !errors.Is(err, ErrSequenceUnsupported):
				return Identifier{}, &StoreError{Op: "next patient number", Err: err}
			}
			a.logger.Debug().Str("subdomain", clinic.Subdomain).Msg("store sequence unavailable, scanning")
		}
	}

	now := a.now().In(a.cfg.Location)
	prefix := initials
	if policy == Daily {
		prefix = DailyPrefix(initials, now)
	}

	top, found, err := a.store.FindTopIdentifierByPrefix(ctx, clinic.Ref, prefix, policy.Width())
	if err != nil {
		return Identifier{}, &StoreError{Op: "find top identifier", Err: err}
	}

	next := 1
	if found {
		n, ok := ParseTrailingNumber(top, len(prefix))
		if ok {
			next = n + 1
		} else {
			a.metrics.MalformedIdentifier(policy)
			if a.cfg.StrictParse {
				return Identifier{}, &MalformedIdentifierError{Value: top, Policy: policy}
			}
			a.logger.Warn().
				Str("clinic_ref", clinic.Ref.String()).
				Str("existing", top).
				Msg("unparseable patient id, restarting sequence at 1")
		}
	}
	if next > policy.Max() {
		return Identifier{}, fmt.Errorf("%w: no room after %s", ErrSequenceOverflow, top)
	}

	if policy == Daily {
		return NewDaily(initials, now, next), nil
	}
	return NewMonotonic(initials, next), nil
}

func retryable(err error) bool {
	var se *StoreError
	return errors.Is(err, ErrCollision) || errors.As(err, &se)
}

func outcomeOf(err error) string {
	var se *StoreError
	switch {
	case err == nil:
		return OutcomeAllocated
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, ErrExhaustedRetries):
		return OutcomeExhausted
	case errors.As(err, &se):
		return OutcomeStore
	default:
		return OutcomeRejected
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
