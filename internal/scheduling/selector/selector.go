// Package selector picks the next media item for a slot: never-posted items
// first, then least-posted, with random tie-breaks for variety.
package selector

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// ErrNoEligibleMedia is a normal outcome, not a failure: the caller decides
// whether to skip the slot or report an empty pool.
var ErrNoEligibleMedia = errors.New("selector: no eligible media")

// Catalog is the ingestion-owned read surface for candidate media.
type Catalog interface {
	ListActiveEligible(ctx context.Context) ([]storage.MediaItem, error)
}

// LockChecker reports media ids barred from selection.
type LockChecker interface {
	ExcludedIDs(ctx context.Context) (map[int64]struct{}, error)
}

type Selector struct {
	locks LockChecker
	log   logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(locks LockChecker, log logx.Logger) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{
		locks: locks,
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectOne picks one item from pool. Items in exclude (already queued or
// claimed earlier in the same run) and locked items are filtered out first.
// If category is non-empty the category subset is preferred, but an exhausted
// category falls back to the whole filtered pool: a schedule should always
// fill while any eligible media exists.
func (s *Selector) SelectOne(ctx context.Context, pool []storage.MediaItem, category string, exclude map[int64]struct{}) (storage.MediaItem, error) {
	locked, err := s.locks.ExcludedIDs(ctx)
	if err != nil {
		return storage.MediaItem{}, err
	}

	eligible := make([]storage.MediaItem, 0, len(pool))
	for _, m := range pool {
		if !m.Active {
			continue
		}
		if _, ok := exclude[m.ID]; ok {
			continue
		}
		if _, ok := locked[m.ID]; ok {
			continue
		}
		eligible = append(eligible, m)
	}

	candidates := eligible
	if category != "" {
		sub := make([]storage.MediaItem, 0, len(eligible))
		for _, m := range eligible {
			if m.Category == category {
				sub = append(sub, m)
			}
		}
		if len(sub) > 0 {
			candidates = sub
		} else if len(eligible) > 0 {
			s.log.Debug("category exhausted; falling back to full pool", logx.String("category", category))
		}
	}

	if len(candidates) == 0 {
		return storage.MediaItem{}, ErrNoEligibleMedia
	}

	// Shuffle first so the stable sort leaves ties in random order.
	s.mu.Lock()
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	s.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.TimesPosted != b.TimesPosted {
			return a.TimesPosted < b.TimesPosted
		}
		// Never-posted (nil last_posted_at) sorts first.
		switch {
		case a.LastPostedAt == nil && b.LastPostedAt != nil:
			return true
		case a.LastPostedAt != nil && b.LastPostedAt == nil:
			return false
		case a.LastPostedAt == nil && b.LastPostedAt == nil:
			return false
		default:
			return a.LastPostedAt.Before(*b.LastPostedAt)
		}
	})

	return candidates[0], nil
}

// RepoCatalog adapts the media repository to the Catalog interface.
type RepoCatalog struct {
	media storage.MediaRepo
}

func NewRepoCatalog(media storage.MediaRepo) *RepoCatalog {
	return &RepoCatalog{media: media}
}

func (c *RepoCatalog) ListActiveEligible(ctx context.Context) ([]storage.MediaItem, error) {
	return c.media.ListActive(ctx)
}
