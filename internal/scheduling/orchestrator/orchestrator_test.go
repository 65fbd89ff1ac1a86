package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/clock"
	"postbot/internal/publish"
	"postbot/internal/scheduling/allocation"
	"postbot/internal/scheduling/generator"
	"postbot/internal/scheduling/lock"
	"postbot/internal/scheduling/queue"
	"postbot/internal/scheduling/selector"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// scriptedChannel returns its queued signals in order; once exhausted it
// keeps returning the last one.
type scriptedChannel struct {
	signals []publish.Signal
	errs    []error
	calls   int
}

func (c *scriptedChannel) Dispatch(_ context.Context, _ storage.MediaItem, _ string) (publish.Signal, error) {
	i := c.calls
	c.calls++
	if i >= len(c.signals) {
		i = len(c.signals) - 1
	}
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	return c.signals[i], err
}

type fixture struct {
	store storage.Store
	clk   *clock.Manual
	queue *queue.Manager
	locks *lock.Manager
	ch    *scriptedChannel
	orch  *Orchestrator
}

func newFixture(t *testing.T, signals ...publish.Signal) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	locks := lock.NewManager(st, clk, 24*time.Hour, logx.Nop())
	q := queue.NewManager(st, clk, 3, logx.Nop())
	if len(signals) == 0 {
		signals = []publish.Signal{publish.SignalPosted}
	}
	ch := &scriptedChannel{signals: signals}
	orch := New(st, locks, ch, clk, logx.Nop())
	return &fixture{store: st, clk: clk, queue: q, locks: locks, ch: ch, orch: orch}
}

func (f *fixture) seedEntry(t *testing.T, scheduledFor time.Time) storage.QueueEntry {
	t.Helper()
	m, err := f.store.Media().Insert(context.Background(), storage.MediaItem{Active: true})
	if err != nil {
		t.Fatal(err)
	}
	e, err := f.queue.Insert(context.Background(), m.ID, scheduledFor)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *fixture) ec() ExecutionContext {
	return NewExecutionContext("test", "tester", f.clk)
}

func (f *fixture) history(t *testing.T) []storage.HistoryRecord {
	t.Helper()
	recs, err := f.store.History().ListRecent(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestForcePostNextEmptyQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, err := f.orch.ForcePostNext(context.Background(), f.ec())
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != OutcomeEmpty {
		t.Fatalf("code = %q, want empty", out.Code)
	}
	if len(f.history(t)) != 0 {
		t.Fatal("empty dispatch wrote history")
	}
}

func TestForcePostNextPosted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, publish.SignalPosted)
	ctx := context.Background()
	entry := f.seedEntry(t, f.clk.Now().Add(2*time.Hour))

	out, err := f.orch.ForcePostNext(ctx, f.ec())
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != OutcomePosted || out.EntryID != entry.ID {
		t.Fatalf("outcome = %+v", out)
	}

	// Entry is gone, exactly one history record exists.
	if _, err := f.store.Queue().Get(ctx, entry.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("entry still present: %v", err)
	}
	recs := f.history(t)
	if len(recs) != 1 {
		t.Fatalf("history records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Outcome != storage.OutcomePosted || !rec.Success || rec.Method != storage.MethodForced {
		t.Fatalf("record = %+v", rec)
	}

	// Media counters bumped and a time-limited lock created.
	m, err := f.store.Media().Get(ctx, entry.MediaID)
	if err != nil {
		t.Fatal(err)
	}
	if m.TimesPosted != 1 || m.LastPostedAt == nil {
		t.Fatalf("media counters = %+v", m)
	}
	l, err := f.store.Locks().Get(ctx, entry.MediaID)
	if err != nil {
		t.Fatal(err)
	}
	if l.ExpiresAt == nil {
		t.Fatal("posted media got a permanent lock")
	}
	if want := f.clk.Now().Add(24 * time.Hour); !l.ExpiresAt.Equal(want) {
		t.Fatalf("lock expires %v, want %v", l.ExpiresAt, want)
	}
}

func TestForcePostNextShiftsRemainingSlots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, publish.SignalPosted)
	ctx := context.Background()

	first := f.seedEntry(t, f.clk.Now().Add(1*time.Hour))
	second := f.seedEntry(t, f.clk.Now().Add(5*time.Hour))
	third := f.seedEntry(t, f.clk.Now().Add(9*time.Hour))

	if _, err := f.orch.ForcePostNext(ctx, f.ec()); err != nil {
		t.Fatal(err)
	}

	e, err := f.store.Queue().Get(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !e.ScheduledFor.Equal(first.ScheduledFor) {
		t.Fatalf("second at %v, want first's slot %v", e.ScheduledFor, first.ScheduledFor)
	}
	e, err = f.store.Queue().Get(ctx, third.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !e.ScheduledFor.Equal(second.ScheduledFor) {
		t.Fatalf("third at %v, want second's slot %v", e.ScheduledFor, second.ScheduledFor)
	}
}

// gatedChannel blocks every dispatch until release closes, so two force
// posts can be held in flight at the same time.
type gatedChannel struct {
	entered chan struct{}
	release chan struct{}
}

func (c *gatedChannel) Dispatch(ctx context.Context, _ storage.MediaItem, _ string) (publish.Signal, error) {
	c.entered <- struct{}{}
	select {
	case <-c.release:
		return publish.SignalPosted, nil
	case <-ctx.Done():
		return publish.SignalFailed, ctx.Err()
	}
}

// Two force posts racing each other must consume one slot each: the queue is
// never shifted twice for a single dispatch, and no two pending entries end
// up sharing a scheduled_for.
func TestConcurrentForcePostsConsumeOneSlotEach(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	locks := lock.NewManager(st, clk, 24*time.Hour, logx.Nop())
	q := queue.NewManager(st, clk, 3, logx.Nop())
	ch := &gatedChannel{entered: make(chan struct{}, 2), release: make(chan struct{})}
	orch := New(st, locks, ch, clk, logx.Nop())

	var slots [4]time.Time
	for i := range slots {
		slots[i] = clk.Now().Add(time.Duration(i+1) * time.Hour)
		m, err := st.Media().Insert(ctx, storage.MediaItem{Active: true})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := q.Insert(ctx, m.ID, slots[i]); err != nil {
			t.Fatal(err)
		}
	}

	var (
		wg   sync.WaitGroup
		outs [2]Outcome
		errs [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = orch.ForcePostNext(ctx, NewExecutionContext("force", "operator", clk))
		}(i)
	}
	// Both dispatches in flight before either resolves.
	<-ch.entered
	<-ch.entered
	close(ch.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("force %d: %v", i, err)
		}
		if outs[i].Code != OutcomePosted {
			t.Fatalf("force %d: code = %q, want posted", i, outs[i].Code)
		}
	}
	if outs[0].EntryID == outs[1].EntryID {
		t.Fatalf("both forces dispatched entry %d", outs[0].EntryID)
	}

	pending, err := st.Queue().ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ScheduledFor.Equal(pending[1].ScheduledFor) {
		t.Fatalf("two pending entries share slot %v", pending[0].ScheduledFor)
	}
	// The survivors hold the two earliest original slots.
	if !pending[0].ScheduledFor.Equal(slots[0]) || !pending[1].ScheduledFor.Equal(slots[1]) {
		t.Fatalf("pending slots = %v, %v; want %v, %v",
			pending[0].ScheduledFor, pending[1].ScheduledFor, slots[0], slots[1])
	}
	if recs, err := st.History().ListRecent(ctx, 10); err != nil || len(recs) != 2 {
		t.Fatalf("history = %d records (%v), want 2", len(recs), err)
	}
}

// Schedule generation racing force posts must preserve both invariants: no
// media sits in two entries at once, and every dispatch consumes exactly one
// entry.
func TestConcurrentScheduleAndForcePost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	locks := lock.NewManager(st, clk, 24*time.Hour, logx.Nop())
	q := queue.NewManager(st, clk, 3, logx.Nop())
	sel := selector.New(locks, logx.Nop())
	alloc := allocation.NewTable(st, clk, logx.Nop())
	gen := generator.New(generator.Config{
		WindowStart: 9 * time.Hour,
		WindowEnd:   22 * time.Hour,
		Jitter:      30 * time.Minute,
		PostsPerDay: 3,
	}, q, sel, alloc, selector.NewRepoCatalog(st.Media()), clk, logx.Nop())
	ch := &scriptedChannel{signals: []publish.Signal{publish.SignalPosted}}
	orch := New(st, locks, ch, clk, logx.Nop())

	for i := 0; i < 40; i++ {
		if _, err := st.Media().Insert(ctx, storage.MediaItem{Active: true}); err != nil {
			t.Fatal(err)
		}
	}
	// Seed a batch so force posts have work from the start.
	if _, err := gen.CreateSchedule(ctx, 2, 3); err != nil {
		t.Fatal(err)
	}

	var (
		wg     sync.WaitGroup
		report generator.Report
		genErr error
		posted int
		fpErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		report, genErr = gen.CreateSchedule(ctx, 5, 3)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 4; i++ {
			out, err := orch.ForcePostNext(ctx, NewExecutionContext("force", "operator", clk))
			if err != nil {
				fpErr = err
				return
			}
			if out.Code == OutcomePosted {
				posted++
			}
		}
	}()
	wg.Wait()
	if genErr != nil {
		t.Fatalf("create schedule: %v", genErr)
	}
	if fpErr != nil {
		t.Fatalf("force post: %v", fpErr)
	}
	if posted != 4 {
		t.Fatalf("posted = %d, want 4", posted)
	}

	pending, err := st.Queue().ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int64]struct{}, len(pending))
	for _, e := range pending {
		if _, dup := seen[e.MediaID]; dup {
			t.Fatalf("media %d scheduled twice", e.MediaID)
		}
		seen[e.MediaID] = struct{}{}
	}
	recs, err := st.History().ListRecent(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if _, still := seen[rec.MediaID]; still {
			t.Fatalf("media %d both posted and pending", rec.MediaID)
		}
	}
	// Every entry ever scheduled is either still pending or dispatched once.
	if total := 6 + report.Scheduled; len(pending)+len(recs) != total {
		t.Fatalf("pending %d + history %d != scheduled %d", len(pending), len(recs), total)
	}
}

func TestForcePostNextRejectedCreatesPermanentLock(t *testing.T) {
	t.Parallel()
	f := newFixture(t, publish.SignalRejected)
	ctx := context.Background()
	entry := f.seedEntry(t, f.clk.Now())

	out, err := f.orch.ForcePostNext(ctx, f.ec())
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != OutcomeRejected {
		t.Fatalf("code = %q, want rejected", out.Code)
	}

	l, err := f.store.Locks().Get(ctx, entry.MediaID)
	if err != nil {
		t.Fatal(err)
	}
	if l.ExpiresAt != nil {
		t.Fatalf("rejection lock expires at %v, want permanent", l.ExpiresAt)
	}

	// Media counters stay untouched on rejection.
	m, _ := f.store.Media().Get(ctx, entry.MediaID)
	if m.TimesPosted != 0 {
		t.Fatalf("times_posted = %d after rejection", m.TimesPosted)
	}
	recs := f.history(t)
	if len(recs) != 1 || recs[0].Outcome != storage.OutcomeRejected || recs[0].Success {
		t.Fatalf("history = %+v", recs)
	}
}

func TestForcePostNextSkippedLeavesNoLock(t *testing.T) {
	t.Parallel()
	f := newFixture(t, publish.SignalSkipped)
	ctx := context.Background()
	entry := f.seedEntry(t, f.clk.Now())

	out, err := f.orch.ForcePostNext(ctx, f.ec())
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != OutcomeSkipped {
		t.Fatalf("code = %q, want skipped", out.Code)
	}
	if _, err := f.store.Locks().Get(ctx, entry.MediaID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("skip created a lock: %v", err)
	}
	recs := f.history(t)
	if len(recs) != 1 || recs[0].Outcome != storage.OutcomeSkipped {
		t.Fatalf("history = %+v", recs)
	}
}

func TestDispatchFailureRetriesThenFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, publish.SignalFailed)
	ctx := context.Background()
	entry := f.seedEntry(t, f.clk.Now())

	// max_retries is 3: two failures go back to pending, the third is terminal.
	for attempt := 1; attempt <= 2; attempt++ {
		out, err := f.orch.ForcePostNext(ctx, f.ec())
		if err != nil {
			t.Fatal(err)
		}
		if out.Code != OutcomeRetried {
			t.Fatalf("attempt %d: code = %q, want retried", attempt, out.Code)
		}
		e, err := f.store.Queue().Get(ctx, entry.ID)
		if err != nil {
			t.Fatal(err)
		}
		if e.Status != storage.StatusPending || e.RetryCount != attempt {
			t.Fatalf("attempt %d: entry = %+v", attempt, e)
		}
	}

	out, err := f.orch.ForcePostNext(ctx, f.ec())
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != OutcomeFailed {
		t.Fatalf("code = %q, want failed", out.Code)
	}
	if _, err := f.store.Queue().Get(ctx, entry.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed entry still present: %v", err)
	}
	recs := f.history(t)
	if len(recs) != 1 || recs[0].Outcome != storage.OutcomeFailed || recs[0].Success {
		t.Fatalf("history = %+v", recs)
	}
}

func TestProcessPendingPostsDispatchesDueOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, publish.SignalPosted)
	ctx := context.Background()

	due := f.seedEntry(t, f.clk.Now().Add(-time.Hour))
	future := f.seedEntry(t, f.clk.Now().Add(time.Hour))

	outs, err := f.orch.ProcessPendingPosts(ctx, f.ec())
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || outs[0].EntryID != due.ID || outs[0].Code != OutcomePosted {
		t.Fatalf("outs = %+v", outs)
	}

	// Future slots are untouched: no shifting on scheduled dispatch.
	e, err := f.store.Queue().Get(ctx, future.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !e.ScheduledFor.Equal(future.ScheduledFor) {
		t.Fatalf("future slot moved to %v", e.ScheduledFor)
	}
	if recs := f.history(t); len(recs) != 1 || recs[0].Method != storage.MethodScheduled {
		t.Fatalf("history = %+v", recs)
	}
}

func TestProcessPendingPostsNothingDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedEntry(t, f.clk.Now().Add(time.Hour))

	outs, err := f.orch.ProcessPendingPosts(context.Background(), f.ec())
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 0 {
		t.Fatalf("outs = %+v, want none", outs)
	}
	if f.ch.calls != 0 {
		t.Fatalf("channel called %d times", f.ch.calls)
	}
}

func TestReapStaleReturnsEntryToPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	entry := f.seedEntry(t, f.clk.Now())

	if err := f.store.Queue().MarkProcessing(ctx, entry.ID, f.clk.Now()); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Hour)

	n, err := f.orch.ReapStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	e, err := f.store.Queue().Get(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != storage.StatusPending || e.RetryCount != 1 || e.ProcessingAt != nil {
		t.Fatalf("entry = %+v", e)
	}
}

func TestReapStaleIgnoresFreshProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	entry := f.seedEntry(t, f.clk.Now())

	if err := f.store.Queue().MarkProcessing(ctx, entry.ID, f.clk.Now()); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(5 * time.Minute)

	n, err := f.orch.ReapStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reaped = %d, want 0", n)
	}
	e, _ := f.store.Queue().Get(ctx, entry.ID)
	if e.Status != storage.StatusProcessing {
		t.Fatalf("status = %q, want processing", e.Status)
	}
}

func TestReapStaleFailsEntryOutOfRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	entry := f.seedEntry(t, f.clk.Now())

	// Exhaust the retry budget, then strand the entry in processing.
	if err := f.store.Queue().MarkPending(ctx, entry.ID, entry.MaxRetries-1); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Queue().MarkProcessing(ctx, entry.ID, f.clk.Now()); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Hour)

	n, err := f.orch.ReapStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	if _, err := f.store.Queue().Get(ctx, entry.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("exhausted entry still present: %v", err)
	}
	recs := f.history(t)
	if len(recs) != 1 || recs[0].Outcome != storage.OutcomeFailed {
		t.Fatalf("history = %+v", recs)
	}
}

func TestForcePostNextMissingMedia(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Insert a queue entry pointing at a media row that never existed.
	var entry storage.QueueEntry
	err := f.store.InTx(ctx, func(r storage.Repos) error {
		var err error
		entry, err = r.Queue().Insert(ctx, 9999, f.clk.Now(), 3, f.clk.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := f.orch.ForcePostNext(ctx, f.ec())
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != OutcomeNoMedia {
		t.Fatalf("code = %q, want no_media", out.Code)
	}
	// The entry stays put for inspection, untouched.
	e, err := f.store.Queue().Get(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != storage.StatusPending {
		t.Fatalf("status = %q, want pending", e.Status)
	}
	if f.ch.calls != 0 {
		t.Fatalf("channel called %d times", f.ch.calls)
	}
}
