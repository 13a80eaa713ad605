package patientid

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// -- Fake store --

type fakeStore struct {
	mu  sync.Mutex
	ids map[uuid.UUID][]string

	// exactHook, when set, decides FindExactIdentifier. call starts at 1.
	exactHook func(candidate string, call int) (bool, error)
	topErr    []error

	topCalls   int
	exactCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{ids: make(map[uuid.UUID][]string)}
}

func (f *fakeStore) add(clinic uuid.UUID, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[clinic] = append(f.ids[clinic], ids...)
}

func (f *fakeStore) FindTopIdentifierByPrefix(_ context.Context, clinicRef uuid.UUID, prefix string, width int) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topCalls++
	if len(f.topErr) > 0 {
		err := f.topErr[0]
		f.topErr = f.topErr[1:]
		if err != nil {
			return "", false, err
		}
	}
	top, found := "", false
	for _, id := range f.ids[clinicRef] {
		if !strings.HasPrefix(id, prefix) || len(id) != len(prefix)+width {
			continue
		}
		if !found || id > top {
			top, found = id, true
		}
	}
	return top, found, nil
}

func (f *fakeStore) FindExactIdentifier(_ context.Context, clinicRef uuid.UUID, candidate string) (bool, error) {
	f.mu.Lock()
	f.exactCalls++
	call := f.exactCalls
	hook := f.exactHook
	f.mu.Unlock()
	if hook != nil {
		return hook(candidate, call)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.ids[clinicRef] {
		if id == candidate {
			return true, nil
		}
	}
	return false, nil
}

type sequenceStore struct {
	*fakeStore
	next int
	err  error
}

func (s *sequenceStore) NextPatientNumber(_ context.Context, _ string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	return s.next, nil
}

type countingRecorder struct {
	mu         sync.Mutex
	outcomes   []string
	collisions int
	malformed  int
}

func (r *countingRecorder) AllocationCompleted(_ Policy, outcome string, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *countingRecorder) CollisionDetected(Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collisions++
}

func (r *countingRecorder) MalformedIdentifier(Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformed++
}

// -- Helpers --

var rainbow = ClinicIdentity{
	Ref:       uuid.MustParse("6f1b8e56-1d1c-4a43-9a7e-2a6b5f0f1c01"),
	Name:      "Rainbow Clinic",
	Subdomain: "rainbow",
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func fixedClock(y int, m time.Month, d int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, 10, 30, 0, 0, time.UTC) }
}

func newTestAllocator(store Store, opts ...Option) (*Allocator, *recordedSleep) {
	rs := &recordedSleep{}
	opts = append([]Option{WithSleep(rs.sleep)}, opts...)
	return NewAllocator(store, DefaultConfig(), opts...), rs
}

// -- Tests --

func TestAllocate_MonotonicSequential(t *testing.T) {
	store := newFakeStore()
	alloc, _ := newTestAllocator(store)
	ctx := context.Background()

	want := []string{"RC00001", "RC00002", "RC00003"}
	for _, w := range want {
		got, err := alloc.Allocate(ctx, rainbow, Monotonic)
		if err != nil {
			t.Fatalf("Allocate error: %v", err)
		}
		if got.Identifier.Value != w {
			t.Errorf("expected %s, got %s", w, got.Identifier.Value)
		}
		if got.Identifier.Policy != Monotonic {
			t.Errorf("expected monotonic policy tag, got %s", got.Identifier.Policy)
		}
		if got.Retries != 0 {
			t.Errorf("expected no retries, got %d", got.Retries)
		}
		store.add(rainbow.Ref, got.Identifier.Value)
	}
}

func TestAllocate_DailyResetsOnNewDay(t *testing.T) {
	store := newFakeStore()
	store.add(rainbow.Ref, "RC20240101005")
	alloc, _ := newTestAllocator(store, WithClock(fixedClock(2024, time.January, 2)))

	got, err := alloc.Allocate(context.Background(), rainbow, Daily)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC20240102001" {
		t.Errorf("expected RC20240102001, got %s", got.Identifier.Value)
	}
	if !ValidateDaily(got.Identifier.Value) {
		t.Errorf("expected daily shape, got %s", got.Identifier.Value)
	}
}

func TestAllocate_DailyContinuesSameDay(t *testing.T) {
	store := newFakeStore()
	store.add(rainbow.Ref, "RC20240101005", "RC20240101002")
	alloc, _ := newTestAllocator(store, WithClock(fixedClock(2024, time.January, 1)))

	got, err := alloc.Allocate(context.Background(), rainbow, Daily)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC20240101006" {
		t.Errorf("expected RC20240101006, got %s", got.Identifier.Value)
	}
}

func TestAllocate_DailyUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5:30", 5*3600+1800)
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.Location = loc
	// 20:00 UTC on Jan 1 is already Jan 2 at UTC+5:30.
	alloc := NewAllocator(store, cfg, WithClock(func() time.Time {
		return time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	}))

	got, err := alloc.Allocate(context.Background(), rainbow, Daily)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC20240102001" {
		t.Errorf("expected RC20240102001, got %s", got.Identifier.Value)
	}
}

func TestAllocate_PoliciesDoNotInterfere(t *testing.T) {
	store := newFakeStore()
	store.add(rainbow.Ref, "RC20240101005", "RC00007")
	alloc, _ := newTestAllocator(store, WithClock(fixedClock(2024, time.January, 1)))

	mono, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if mono.Identifier.Value != "RC00008" {
		t.Errorf("expected RC00008, got %s", mono.Identifier.Value)
	}
	daily, err := alloc.Allocate(context.Background(), rainbow, Daily)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if daily.Identifier.Value != "RC20240101006" {
		t.Errorf("expected RC20240101006, got %s", daily.Identifier.Value)
	}
}

func TestAllocate_ClinicsAreScoped(t *testing.T) {
	other := ClinicIdentity{Ref: uuid.New(), Name: "Riverside Care"}
	store := newFakeStore()
	store.add(other.Ref, "RC00041")
	alloc, _ := newTestAllocator(store)

	got, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC00001" {
		t.Errorf("expected RC00001 (other clinic must not affect the counter), got %s", got.Identifier.Value)
	}
}

func TestAllocate_CollisionRetry(t *testing.T) {
	store := newFakeStore()
	store.exactHook = func(candidate string, call int) (bool, error) {
		if call == 1 {
			// A concurrent registration lands the first candidate.
			store.add(rainbow.Ref, candidate)
			return true, nil
		}
		return false, nil
	}
	rec := &countingRecorder{}
	alloc, rs := newTestAllocator(store, WithRecorder(rec))

	got, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC00002" {
		t.Errorf("expected second candidate RC00002, got %s", got.Identifier.Value)
	}
	if got.Retries != 1 {
		t.Errorf("expected exactly 1 retry, got %d", got.Retries)
	}
	if len(rs.delays) != 1 || rs.delays[0] != 100*time.Millisecond {
		t.Errorf("expected a single 100ms backoff, got %v", rs.delays)
	}
	if rec.collisions != 1 {
		t.Errorf("expected 1 recorded collision, got %d", rec.collisions)
	}
}

func TestAllocate_ExhaustedRetries(t *testing.T) {
	store := newFakeStore()
	store.exactHook = func(string, int) (bool, error) { return true, nil }
	rec := &countingRecorder{}
	alloc, rs := newTestAllocator(store, WithRecorder(rec))

	got, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("expected ErrExhaustedRetries, got %v", err)
	}
	if store.exactCalls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", store.exactCalls)
	}
	if got.Retries != 3 {
		t.Errorf("expected retry count 3, got %d", got.Retries)
	}
	wantDelays := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(rs.delays) != len(wantDelays) {
		t.Fatalf("expected delays %v, got %v", wantDelays, rs.delays)
	}
	for i := range wantDelays {
		if rs.delays[i] != wantDelays[i] {
			t.Errorf("delay %d: expected %s, got %s", i, wantDelays[i], rs.delays[i])
		}
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeExhausted {
		t.Errorf("expected exhausted outcome, got %v", rec.outcomes)
	}
}

func TestAllocate_StoreErrorRetriedThenSurfaced(t *testing.T) {
	cause := errors.New("connection reset")
	store := newFakeStore()
	store.topErr = []error{cause, cause, cause}
	alloc, _ := newTestAllocator(store)

	_, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected StoreError to wrap the cause, got %v", err)
	}
	if store.topCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", store.topCalls)
	}
	if !IsAllocationFailure(err) {
		t.Error("expected store error to be an allocation failure")
	}
}

func TestAllocate_TransientStoreErrorRecovers(t *testing.T) {
	store := newFakeStore()
	store.topErr = []error{errors.New("timeout")}
	alloc, _ := newTestAllocator(store)

	got, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC00001" || got.Retries != 1 {
		t.Errorf("expected RC00001 after 1 retry, got %s after %d", got.Identifier.Value, got.Retries)
	}
}

func TestAllocate_VerificationStoreError(t *testing.T) {
	store := newFakeStore()
	store.exactHook = func(string, int) (bool, error) { return false, errors.New("read failed") }
	alloc, _ := newTestAllocator(store)

	_, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if se.Op != "find exact identifier" {
		t.Errorf("unexpected op %q", se.Op)
	}
}

func TestAllocate_MalformedFallsBackToOne(t *testing.T) {
	store := newFakeStore()
	store.add(rainbow.Ref, "RC0000a")
	rec := &countingRecorder{}
	alloc, _ := newTestAllocator(store, WithRecorder(rec))

	got, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC00001" {
		t.Errorf("expected fallback RC00001, got %s", got.Identifier.Value)
	}
	if rec.malformed != 1 {
		t.Errorf("expected malformed identifier to be recorded, got %d", rec.malformed)
	}
}

func TestAllocate_MalformedStrict(t *testing.T) {
	store := newFakeStore()
	store.add(rainbow.Ref, "RC0000a")
	cfg := DefaultConfig()
	cfg.StrictParse = true
	alloc := NewAllocator(store, cfg)

	_, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	var me *MalformedIdentifierError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedIdentifierError, got %v", err)
	}
	if me.Value != "RC0000a" {
		t.Errorf("expected offending value, got %q", me.Value)
	}
	if store.exactCalls != 0 {
		t.Errorf("expected no verification query, got %d", store.exactCalls)
	}
}

func TestAllocate_Overflow(t *testing.T) {
	store := newFakeStore()
	store.add(rainbow.Ref, "RC99999")
	alloc, rs := newTestAllocator(store)

	_, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if !errors.Is(err, ErrSequenceOverflow) {
		t.Fatalf("expected ErrSequenceOverflow, got %v", err)
	}
	if len(rs.delays) != 0 {
		t.Errorf("overflow must not be retried, got delays %v", rs.delays)
	}
}

func TestAllocate_DailyOverflow(t *testing.T) {
	store := newFakeStore()
	store.add(rainbow.Ref, "RC20240101999")
	alloc, _ := newTestAllocator(store, WithClock(fixedClock(2024, time.January, 1)))

	if _, err := alloc.Allocate(context.Background(), rainbow, Daily); !errors.Is(err, ErrSequenceOverflow) {
		t.Fatalf("expected ErrSequenceOverflow, got %v", err)
	}
}

func TestAllocate_InvalidInitials(t *testing.T) {
	alloc, _ := newTestAllocator(newFakeStore())
	for _, name := range []string{"", "Rainbow", "123 Kids"} {
		c := ClinicIdentity{Ref: uuid.New(), Name: name}
		if _, err := alloc.Allocate(context.Background(), c, Monotonic); !errors.Is(err, ErrInvalidInitials) {
			t.Errorf("clinic %q: expected ErrInvalidInitials, got %v", name, err)
		}
	}
}

func TestAllocate_UnknownPolicy(t *testing.T) {
	alloc, _ := newTestAllocator(newFakeStore())
	if _, err := alloc.Allocate(context.Background(), rainbow, Policy("weekly")); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestAllocate_StoreSequenceFastPath(t *testing.T) {
	store := &sequenceStore{fakeStore: newFakeStore(), next: 41}
	cfg := DefaultConfig()
	cfg.UseStoreSequence = true
	alloc := NewAllocator(store, cfg)

	got, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC00042" {
		t.Errorf("expected RC00042, got %s", got.Identifier.Value)
	}
	if store.topCalls != 0 {
		t.Errorf("expected scan to be skipped, got %d scans", store.topCalls)
	}
}

func TestAllocate_StoreSequenceUnsupportedFallsBack(t *testing.T) {
	store := &sequenceStore{fakeStore: newFakeStore(), err: ErrSequenceUnsupported}
	store.add(rainbow.Ref, "RC00009")
	cfg := DefaultConfig()
	cfg.UseStoreSequence = true
	alloc := NewAllocator(store, cfg)

	got, err := alloc.Allocate(context.Background(), rainbow, Monotonic)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC00010" {
		t.Errorf("expected RC00010 from the scan, got %s", got.Identifier.Value)
	}
}

func TestAllocate_StoreSequenceIgnoredForDaily(t *testing.T) {
	store := &sequenceStore{fakeStore: newFakeStore(), next: 500}
	cfg := DefaultConfig()
	cfg.UseStoreSequence = true
	alloc := NewAllocator(store, cfg, WithClock(fixedClock(2024, time.May, 5)))

	got, err := alloc.Allocate(context.Background(), rainbow, Daily)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if got.Identifier.Value != "RC20240505001" {
		t.Errorf("expected RC20240505001, got %s", got.Identifier.Value)
	}
}

func TestAllocate_CanceledDuringBackoff(t *testing.T) {
	store := newFakeStore()
	store.exactHook = func(string, int) (bool, error) { return true, nil }
	ctx, cancel := context.WithCancel(context.Background())
	alloc := NewAllocator(store, DefaultConfig(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := alloc.Allocate(ctx, rainbow, Monotonic)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.exactCalls != 1 {
		t.Errorf("expected allocation to stop after the first attempt, got %d", store.exactCalls)
	}
}

func TestAllocate_RealSleepHonorsContext(t *testing.T) {
	store := newFakeStore()
	store.exactHook = func(string, int) (bool, error) { return true, nil }
	cfg := DefaultConfig()
	cfg.BackoffStep = time.Hour
	alloc := NewAllocator(store, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := alloc.Allocate(ctx, rainbow, Monotonic)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff sleep ignored the context deadline")
	}
}

func TestAllocate_UniqueAndWellFormed(t *testing.T) {
	for _, policy := range []Policy{Monotonic, Daily} {
		t.Run(policy.String(), func(t *testing.T) {
			store := newFakeStore()
			alloc, _ := newTestAllocator(store, WithClock(fixedClock(2025, time.June, 30)))
			seen := make(map[string]bool)
			for i := 0; i < 150; i++ {
				got, err := alloc.Allocate(context.Background(), rainbow, policy)
				if err != nil {
					t.Fatalf("Allocate #%d error: %v", i, err)
				}
				v := got.Identifier.Value
				if seen[v] {
					t.Fatalf("duplicate identifier %s", v)
				}
				seen[v] = true
				valid := ValidateMonotonic(v)
				if policy == Daily {
					valid = ValidateDaily(v)
				}
				if !valid {
					t.Fatalf("identifier %s does not match the %s shape", v, policy)
				}
				store.add(rainbow.Ref, v)
			}
		})
	}
}

func TestNewAllocator_ClampsMaxRetries(t *testing.T) {
	store := newFakeStore()
	store.exactHook = func(string, int) (bool, error) { return true, nil }
	alloc := NewAllocator(store, Config{MaxRetries: 0})

	if alloc.Config().MaxRetries != 1 {
		t.Errorf("expected MaxRetries clamped to 1, got %d", alloc.Config().MaxRetries)
	}
	if _, err := alloc.Allocate(context.Background(), rainbow, Monotonic); !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("expected ErrExhaustedRetries, got %v", err)
	}
	if store.exactCalls != 1 {
		t.Errorf("expected a single attempt, got %d", store.exactCalls)
	}
}
