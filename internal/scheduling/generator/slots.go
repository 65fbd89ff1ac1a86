package generator

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// slotTimes produces days*postsPerDay jittered instants, starting the day
// after anchor. Each day's slots are spread evenly across the posting window
// and perturbed independently so the cadence never looks mechanical.
func slotTimes(rng *rand.Rand, anchor time.Time, days, postsPerDay int, windowStart, windowEnd, jitter time.Duration) []time.Time {
	span := windowEnd - windowStart
	step := span / time.Duration(postsPerDay)

	out := make([]time.Time, 0, days*postsPerDay)
	for d := 1; d <= days; d++ {
		day := anchor.AddDate(0, 0, d)
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
		for k := 0; k < postsPerDay; k++ {
			base := midnight.Add(windowStart + step*time.Duration(k) + step/2)
			out = append(out, base.Add(randomJitter(rng, jitter)))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// randomJitter returns a uniform offset in [-j, +j].
func randomJitter(rng *rand.Rand, j time.Duration) time.Duration {
	if j <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(2*j)+1)) - j
}

// allocateSlots distributes total slots across categories by ratio. Every
// category except the last (categories iterate sorted by name) gets
// round(ratio*total); the last takes the remainder, so the counts always sum
// to total no matter how rounding falls.
func allocateSlots(total int, ratios map[string]float64) map[string]int {
	cats := sortedCategories(ratios)
	out := make(map[string]int, len(cats))
	used := 0
	for i, c := range cats {
		if i == len(cats)-1 {
			rest := total - used
			if rest < 0 {
				rest = 0
			}
			out[c] = rest
			break
		}
		n := int(math.Round(ratios[c] * float64(total)))
		if n < 0 {
			n = 0
		}
		if used+n > total {
			n = total - used
		}
		out[c] = n
		used += n
	}
	return out
}

// categoryLabels expands the per-category counts into a slot label list and
// shuffles it so categories interleave instead of blocking together.
func categoryLabels(rng *rand.Rand, counts map[string]int, total int) []string {
	labels := make([]string, 0, total)
	for _, c := range sortedCategories(counts) {
		for i := 0; i < counts[c]; i++ {
			labels = append(labels, c)
		}
	}
	for len(labels) < total {
		labels = append(labels, "")
	}
	rng.Shuffle(len(labels), func(i, j int) {
		labels[i], labels[j] = labels[j], labels[i]
	})
	return labels
}

func sortedCategories[V any](m map[string]V) []string {
	cats := make([]string, 0, len(m))
	for c := range m {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}
