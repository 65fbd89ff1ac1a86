// Package generator turns a date range and a posts-per-day target into
// queue entries: jittered slot times, category allocation by ratio, and slot
// filling through the media selector.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"postbot/internal/clock"
	"postbot/internal/scheduling/allocation"
	"postbot/internal/scheduling/queue"
	"postbot/internal/scheduling/selector"
	logx "postbot/pkg/logx"
)

var ErrInvalidRange = errors.New("generator: days and posts per day must be positive")

type Config struct {
	WindowStart time.Duration // offset from midnight
	WindowEnd   time.Duration
	Jitter      time.Duration
	PostsPerDay int // default for ExtendSchedule
}

// CategoryStats reports allocation versus outcome for one category, so ratio
// drift caused by cross-category fallback stays visible.
type CategoryStats struct {
	Allocated int
	Filled    int
	Skipped   int
}

type Report struct {
	Scheduled   int
	Skipped     int
	PerCategory map[string]CategoryStats
}

type Generator struct {
	cfg     Config
	queue   *queue.Manager
	sel     *selector.Selector
	alloc   *allocation.Table
	catalog selector.Catalog
	clock   clock.Clock
	log     logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, q *queue.Manager, sel *selector.Selector, alloc *allocation.Table, catalog selector.Catalog, clk clock.Clock, log logx.Logger) *Generator {
	if cfg.PostsPerDay <= 0 {
		cfg.PostsPerDay = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{
		cfg:     cfg,
		queue:   q,
		sel:     sel,
		alloc:   alloc,
		catalog: catalog,
		clock:   clk,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateSchedule fills days*postsPerDay slots starting the day after now.
func (g *Generator) CreateSchedule(ctx context.Context, days, postsPerDay int) (Report, error) {
	return g.generate(ctx, g.clock.Now(), days, postsPerDay)
}

// ExtendSchedule appends days of slots anchored after the latest pending
// entry, so repeated extension never overlaps or jumps backward. An empty
// queue extends from now.
func (g *Generator) ExtendSchedule(ctx context.Context, days int) (Report, error) {
	anchor, ok, err := g.queue.LatestPendingTime(ctx)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		anchor = g.clock.Now()
	}
	return g.generate(ctx, anchor, days, g.cfg.PostsPerDay)
}

func (g *Generator) generate(ctx context.Context, anchor time.Time, days, postsPerDay int) (Report, error) {
	if days <= 0 || postsPerDay <= 0 {
		return Report{}, fmt.Errorf("%w: days=%d posts_per_day=%d", ErrInvalidRange, days, postsPerDay)
	}

	ratios, err := g.alloc.CurrentRatios(ctx)
	if err != nil {
		return Report{}, err
	}
	pool, err := g.catalog.ListActiveEligible(ctx)
	if err != nil {
		return Report{}, err
	}
	queued, err := g.queue.ActiveMediaIDs(ctx)
	if err != nil {
		return Report{}, err
	}

	total := days * postsPerDay
	counts := allocateSlots(total, ratios)

	g.mu.Lock()
	slots := slotTimes(g.rng, anchor, days, postsPerDay, g.cfg.WindowStart, g.cfg.WindowEnd, g.cfg.Jitter)
	labels := categoryLabels(g.rng, counts, total)
	g.mu.Unlock()

	report := Report{PerCategory: make(map[string]CategoryStats, len(counts))}
	for cat, n := range counts {
		report.PerCategory[cat] = CategoryStats{Allocated: n}
	}

	// exclude starts with everything already queued and grows with every
	// item claimed in this run, so one run never uses an item twice.
	exclude := make(map[int64]struct{}, len(queued)+total)
	for id := range queued {
		exclude[id] = struct{}{}
	}

	for i, at := range slots {
		cat := labels[i]
		item, err := g.sel.SelectOne(ctx, pool, cat, exclude)
		if errors.Is(err, selector.ErrNoEligibleMedia) {
			report.Skipped++
			bumpStats(report.PerCategory, cat, func(s *CategoryStats) { s.Skipped++ })
			continue
		}
		if err != nil {
			return report, err
		}
		if _, err := g.queue.Insert(ctx, item.ID, at); err != nil {
			return report, err
		}
		exclude[item.ID] = struct{}{}
		report.Scheduled++
		bumpStats(report.PerCategory, cat, func(s *CategoryStats) { s.Filled++ })
	}

	for cat, st := range report.PerCategory {
		if st.Filled < st.Allocated {
			g.log.Warn("category underfilled; realized mix will drift from ratios",
				logx.String("category", cat), logx.Int("allocated", st.Allocated), logx.Int("filled", st.Filled))
		}
	}
	g.log.Info("schedule generated",
		logx.Int("days", days), logx.Int("posts_per_day", postsPerDay),
		logx.Int("scheduled", report.Scheduled), logx.Int("skipped", report.Skipped))
	return report, nil
}

func bumpStats(m map[string]CategoryStats, cat string, fn func(*CategoryStats)) {
	s := m[cat]
	fn(&s)
	m[cat] = s
}
