package stability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotConfirmed is returned when finalizing a batch that has not settled.
var ErrNotConfirmed = errors.New("stability: batch not confirmed")

// Logger receives diagnostic output.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Tracker owns every open batch. Transitions are persisted to the store as
// they happen; persistence failures are logged, never fatal.
type Tracker struct {
	mu      sync.Mutex
	batches map[string]*Batch
	settle  time.Duration
	slack   time.Duration
	quiet   time.Duration
	store   Store
	clock   func() time.Time
	logger  Logger
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger routes transition logs.
func WithLogger(logger Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithStore persists batches through store instead of memory.
func WithStore(store Store) Option {
	return func(t *Tracker) {
		if store != nil {
			t.store = store
		}
	}
}

// WithSettleSlack sets how far short of the settle period a stable signal
// may arrive and still confirm. Polls fire on a ticker but are signalled
// after scan and lookup work, so consecutive signals land slightly less
// than one interval apart.
func WithSettleSlack(d time.Duration) Option {
	return func(t *Tracker) {
		if d >= 0 {
			t.slack = d
		}
	}
}

// maxSettleSlack caps the default slack.
const maxSettleSlack = 500 * time.Millisecond

// New builds a tracker. settle is the uninterrupted StableSeen time required
// before confirmation; quiet is the idle time after which a filesystem batch
// counts as stable.
func New(settle, quiet time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		batches: make(map[string]*Batch),
		settle:  settle,
		slack:   min(settle/50, maxSettleSlack),
		quiet:   quiet,
		store:   NewMemoryStore(),
		clock:   time.Now,
		logger:  nopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resume reloads persisted batches, replacing in-memory state.
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	loaded, err := t.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("stability: resume: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches = make(map[string]*Batch, len(loaded))
	for key, batch := range loaded {
		if batch.State == HandedOff {
			continue
		}
		b := batch.clone()
		t.batches[key] = &b
	}
	return len(t.batches), nil
}

// Observe records data for a batch, opening a new Accumulating batch when
// none is open for the key. It reports whether the group was new. New data
// on a StableSeen batch regresses it to Accumulating.
func (t *Tracker) Observe(ctx context.Context, obs Observation) bool {
	at := obs.At
	if at.IsZero() {
		at = t.clock()
	}
	t.mu.Lock()
	b, ok := t.batches[obs.Key]
	if !ok {
		b = &Batch{
			Key:         obs.Key,
			Identity:    obs.Identity,
			Source:      obs.Source,
			ArchiveRef:  obs.ArchiveRef,
			SourcedDir:  obs.SourcedDir,
			State:       Accumulating,
			FirstSeenAt: at,
		}
		t.batches[obs.Key] = b
		t.logger.Printf("stability: opened batch %s %s", obs.Key, obs.Identity)
	}
	added := b.addGroup(obs.Group)
	fresh := added || obs.Source == SourceFilesystem
	if fresh {
		b.LastItemAt = at
	}
	if fresh && b.State == StableSeen {
		t.regress(b, "new data")
	}
	snapshot := b.clone()
	t.mu.Unlock()
	if fresh || !ok {
		t.persist(ctx, snapshot)
	}
	return added
}

// Signal feeds an external stability signal for key and returns the
// resulting state. Unknown keys report ok=false.
func (t *Tracker) Signal(ctx context.Context, key string, stable bool) (State, bool) {
	t.mu.Lock()
	b, ok := t.batches[key]
	if !ok {
		t.mu.Unlock()
		return "", false
	}
	changed := t.apply(b, stable, t.clock())
	snapshot := b.clone()
	t.mu.Unlock()
	if changed {
		t.persist(ctx, snapshot)
	}
	return snapshot.State, true
}

// Tick derives the stability signal for filesystem batches from the quiet
// period and advances them.
func (t *Tracker) Tick(ctx context.Context) {
	now := t.clock()
	var changed []Batch
	t.mu.Lock()
	for _, b := range t.batches {
		if b.Source != SourceFilesystem {
			continue
		}
		stable := now.Sub(b.LastItemAt) >= t.quiet
		if t.apply(b, stable, now) {
			changed = append(changed, b.clone())
		}
	}
	t.mu.Unlock()
	for _, batch := range changed {
		t.persist(ctx, batch)
	}
}

func (t *Tracker) apply(b *Batch, stable bool, now time.Time) bool {
	switch b.State {
	case Accumulating:
		if stable {
			b.State = StableSeen
			b.StableSince = now
			t.logger.Printf("stability: %s %s stable seen", b.Key, b.Identity)
			return true
		}
	case StableSeen:
		if !stable {
			t.regress(b, "stability signal regressed")
			return true
		}
		if now.Sub(b.StableSince) >= t.settle-t.slack {
			b.State = Confirmed
			b.ConfirmedAt = now
			t.logger.Printf("stability: %s %s confirmed after %s", b.Key, b.Identity, now.Sub(b.StableSince))
			return true
		}
	}
	return false
}

func (t *Tracker) regress(b *Batch, reason string) {
	b.State = Accumulating
	b.StableSince = time.Time{}
	t.logger.Printf("stability: %s %s back to accumulating: %s", b.Key, b.Identity, reason)
}

// Ready returns the Confirmed batches ordered by key.
func (t *Tracker) Ready() []Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Batch
	for _, b := range t.batches {
		if b.State == Confirmed {
			out = append(out, b.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Finalize runs handoff for a Confirmed batch. On success the batch becomes
// HandedOff and is discarded; on failure it stays Confirmed so the call can
// be retried without re-running the settle period.
func (t *Tracker) Finalize(ctx context.Context, key string, handoff func(context.Context, Batch) error) error {
	t.mu.Lock()
	b, ok := t.batches[key]
	if !ok || b.State != Confirmed {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConfirmed, key)
	}
	snapshot := b.clone()
	t.mu.Unlock()

	err := handoff(ctx, snapshot)

	t.mu.Lock()
	if err != nil {
		b.Attempts++
		b.LastError = err.Error()
		failed := b.clone()
		t.mu.Unlock()
		t.logger.Printf("stability: handoff %s %s failed (attempt %d): %v", key, failed.Identity, failed.Attempts, err)
		t.persist(ctx, failed)
		return err
	}
	b.State = HandedOff
	delete(t.batches, key)
	t.mu.Unlock()
	t.logger.Printf("stability: %s %s handed off", key, snapshot.Identity)
	if err := t.store.Delete(ctx, key); err != nil {
		t.logger.Printf("stability: drop persisted batch %s %s: %v", key, snapshot.Identity, err)
	}
	return nil
}

// Lookup returns a copy of the batch for key.
func (t *Tracker) Lookup(key string) (Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.batches[key]
	if !ok {
		return Batch{}, false
	}
	return b.clone(), true
}

// Snapshot returns copies of every open batch ordered by key.
func (t *Tracker) Snapshot() []Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Batch, 0, len(t.batches))
	for _, b := range t.batches {
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (t *Tracker) persist(ctx context.Context, batch Batch) {
	if err := t.store.Save(ctx, batch); err != nil {
		t.logger.Printf("stability: persist batch %s %s: %v", batch.Key, batch.Identity, err)
	}
}
