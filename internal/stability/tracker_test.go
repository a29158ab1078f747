package stability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
)

var s1 = identity.Identity{Subject: "S1", Session: "01", Date: "2024-05-01"}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

const interval = 30 * time.Second

func archiveObservation(group string) Observation {
	return Observation{
		Key:        ArchiveKey("ref-1"),
		Identity:   s1,
		Source:     SourceArchive,
		ArchiveRef: "ref-1",
		Group:      group,
	}
}

func TestHysteresisStableUnstableStable(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := New(interval, time.Minute, WithClock(clock.Now))
	key := ArchiveKey("ref-1")
	tracker.Observe(ctx, archiveObservation("series-1"))

	steps := []struct {
		stable bool
		want   State
	}{
		{true, StableSeen},
		{false, Accumulating},
		{true, StableSeen},
		{true, Confirmed},
	}
	for i, step := range steps {
		state, ok := tracker.Signal(ctx, key, step.stable)
		if !ok {
			t.Fatalf("poll %d: batch missing", i+1)
		}
		if state != step.want {
			t.Fatalf("poll %d: state = %s, want %s", i+1, state, step.want)
		}
		if i < 3 && len(tracker.Ready()) != 0 {
			t.Fatalf("poll %d: finalized early", i+1)
		}
		clock.Advance(interval)
	}
	if ready := tracker.Ready(); len(ready) != 1 || ready[0].Key != key {
		t.Fatalf("expected batch ready after uninterrupted settle, got %+v", ready)
	}
}

func TestStableSeenWaitsFullInterval(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := New(interval, time.Minute, WithClock(clock.Now))
	key := ArchiveKey("ref-1")
	tracker.Observe(ctx, archiveObservation("series-1"))
	tracker.Signal(ctx, key, true)
	clock.Advance(interval - time.Second)
	if state, _ := tracker.Signal(ctx, key, true); state != StableSeen {
		t.Fatalf("confirmed before the settle period: %s", state)
	}
	clock.Advance(time.Second)
	if state, _ := tracker.Signal(ctx, key, true); state != Confirmed {
		t.Fatalf("state = %s, want confirmed", state)
	}
}

func TestSettleToleratesSignalJitter(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := New(interval, time.Minute, WithClock(clock.Now))
	key := ArchiveKey("ref-1")
	tracker.Observe(ctx, archiveObservation("series-1"))
	tracker.Signal(ctx, key, true)
	clock.Advance(interval - 200*time.Millisecond)
	if state, _ := tracker.Signal(ctx, key, true); state != Confirmed {
		t.Fatalf("signal a little early should still confirm, got %s", state)
	}

	strict := New(interval, time.Minute, WithClock(clock.Now), WithSettleSlack(0))
	strict.Observe(ctx, archiveObservation("series-1"))
	strict.Signal(ctx, key, true)
	clock.Advance(interval - 200*time.Millisecond)
	if state, _ := strict.Signal(ctx, key, true); state != StableSeen {
		t.Fatalf("zero slack must wait the full settle period, got %s", state)
	}
}

func TestNewGroupRegressesStableSeen(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := New(interval, time.Minute, WithClock(clock.Now))
	key := ArchiveKey("ref-1")
	tracker.Observe(ctx, archiveObservation("series-1"))
	tracker.Signal(ctx, key, true)
	if added := tracker.Observe(ctx, archiveObservation("series-1")); added {
		t.Fatalf("known group reported as new")
	}
	if b, _ := tracker.Lookup(key); b.State != StableSeen {
		t.Fatalf("re-listing a known group must not regress, got %s", b.State)
	}
	if added := tracker.Observe(ctx, archiveObservation("series-2")); !added {
		t.Fatalf("expected new group")
	}
	b, _ := tracker.Lookup(key)
	if b.State != Accumulating || len(b.Groups) != 2 {
		t.Fatalf("unexpected batch %+v", b)
	}
}

func TestFilesystemQuietPeriod(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := New(interval, 2*time.Minute, WithClock(clock.Now))
	key := FilesystemKey(s1)
	tracker.Observe(ctx, Observation{Key: key, Identity: s1, Source: SourceFilesystem, Group: "/raw/S1/t1", At: clock.Now()})

	clock.Advance(time.Minute)
	tracker.Tick(ctx)
	if b, _ := tracker.Lookup(key); b.State != Accumulating {
		t.Fatalf("stable before quiet period: %s", b.State)
	}
	clock.Advance(time.Minute)
	tracker.Tick(ctx)
	if b, _ := tracker.Lookup(key); b.State != StableSeen {
		t.Fatalf("state = %s, want stable_seen", b.State)
	}
	// Another item in the same directory is new data for a filesystem batch.
	tracker.Observe(ctx, Observation{Key: key, Identity: s1, Source: SourceFilesystem, Group: "/raw/S1/t1", At: clock.Now()})
	if b, _ := tracker.Lookup(key); b.State != Accumulating {
		t.Fatalf("new item should regress, got %s", b.State)
	}
	clock.Advance(2 * time.Minute)
	tracker.Tick(ctx)
	clock.Advance(interval)
	tracker.Tick(ctx)
	if b, _ := tracker.Lookup(key); b.State != Confirmed {
		t.Fatalf("state = %s, want confirmed", b.State)
	}
}

func TestFinalizeRetainsConfirmedOnFailure(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := New(interval, time.Minute, WithClock(clock.Now))
	key := ArchiveKey("ref-1")
	tracker.Observe(ctx, archiveObservation("series-1"))
	tracker.Signal(ctx, key, true)
	clock.Advance(interval)
	tracker.Signal(ctx, key, true)

	calls := 0
	handoff := func(context.Context, Batch) error {
		calls++
		if calls == 1 {
			return errors.New("converter exploded")
		}
		return nil
	}
	if err := tracker.Finalize(ctx, key, handoff); err == nil {
		t.Fatalf("expected first handoff to fail")
	}
	b, ok := tracker.Lookup(key)
	if !ok || b.State != Confirmed || b.Attempts != 1 || b.LastError == "" {
		t.Fatalf("failed handoff must stay confirmed, got %+v", b)
	}
	if err := tracker.Finalize(ctx, key, handoff); err != nil {
		t.Fatalf("second handoff: %v", err)
	}
	if _, ok := tracker.Lookup(key); ok {
		t.Fatalf("handed off batch should be discarded")
	}
	if err := tracker.Finalize(ctx, key, handoff); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("handoff ran %d times, want 2", calls)
	}
	// An addendum opens a fresh batch for the same key.
	tracker.Observe(ctx, archiveObservation("series-9"))
	if b, _ := tracker.Lookup(key); b.State != Accumulating || len(b.Groups) != 1 {
		t.Fatalf("expected fresh batch, got %+v", b)
	}
}

func TestResumeFromLedger(t *testing.T) {
	ctx := context.Background()
	db, err := ledger.OpenInMemory()
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer db.Close()
	store := NewLedgerStore(db)
	clock := newClock()
	key := ArchiveKey("ref-1")

	first := New(interval, time.Minute, WithClock(clock.Now), WithStore(store))
	first.Observe(ctx, archiveObservation("series-1"))
	first.Signal(ctx, key, true)
	clock.Advance(interval)
	first.Signal(ctx, key, true)

	second := New(interval, time.Minute, WithClock(clock.Now), WithStore(store))
	n, err := second.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("resume: n=%d err=%v", n, err)
	}
	ready := second.Ready()
	if len(ready) != 1 || ready[0].Identity != s1 || ready[0].Groups[0] != "series-1" {
		t.Fatalf("confirmed batch not restored: %+v", ready)
	}
	if err := second.Finalize(ctx, key, func(context.Context, Batch) error { return nil }); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	remaining, err := store.Load(ctx)
	if err != nil || len(remaining) != 0 {
		t.Fatalf("persisted batch not removed: %v %v", remaining, err)
	}
}
