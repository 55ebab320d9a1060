package cadence

import (
	"sort"
	"time"
)

// GapTier maps an age threshold to the maximum intra-group gap for items
// older than it. Newer thresholds carry tighter gaps.
type GapTier struct {
	Threshold time.Time
	MaxGap    time.Duration
}

// SizeTier maps an age threshold to the maximum character size of a group
// whose newest item is at least that recent. A non-positive MaxSize means
// unlimited.
type SizeTier struct {
	Threshold time.Time
	MaxSize   int
}

// Group clusters a chronologically ordered timeline into runs of items
// separated by at most the scheduled gap. The gap widens as the walk
// descends past older thresholds. Summaries span time: their MinDate opens
// the gap check and their MaxDate closes it.
//
// With a non-empty size schedule, oversized groups are split at their
// largest internal gap (at least one item on each side) and re-checked;
// oversized singletons are truncated to 1.5 times the limit instead.
func Group(items []Item, gaps []GapTier, sizes []SizeTier) [][]Item {
	if len(items) == 0 {
		return nil
	}

	schedule := append([]GapTier(nil), gaps...)
	sort.Slice(schedule, func(i, j int) bool { return schedule[i].Threshold.After(schedule[j].Threshold) })

	var groups [][]Item
	var current []Item
	var lastEnd time.Time
	tier := 0

	for _, item := range items {
		for tier+1 < len(schedule) && item.End().Before(schedule[tier].Threshold) {
			tier++
		}
		maxGap := time.Duration(1<<62 - 1)
		if len(schedule) > 0 {
			maxGap = schedule[tier].MaxGap
		}

		if len(current) == 0 || item.Start().Sub(lastEnd) <= maxGap {
			current = append(current, item)
		} else {
			groups = append(groups, current)
			current = []Item{item}
		}
		lastEnd = item.End()
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	if len(sizes) == 0 {
		return groups
	}
	return splitBySize(groups, sizes)
}

func splitBySize(groups [][]Item, sizes []SizeTier) [][]Item {
	schedule := append([]SizeTier(nil), sizes...)
	sort.Slice(schedule, func(i, j int) bool { return schedule[i].Threshold.Before(schedule[j].Threshold) })

	var final [][]Item
	queue := groups
	for len(queue) > 0 {
		group := queue[0]
		queue = queue[1:]

		newest := group[0].End()
		for _, it := range group[1:] {
			if it.End().After(newest) {
				newest = it.End()
			}
		}
		maxSize := 0
		for i := len(schedule) - 1; i >= 0; i-- {
			if !newest.Before(schedule[i].Threshold) {
				maxSize = schedule[i].MaxSize
				break
			}
		}
		if maxSize <= 0 {
			final = append(final, group)
			continue
		}

		if len(group) == 1 {
			final = append(final, []Item{truncateItem(group[0], maxSize*3/2)})
			continue
		}

		total := 0
		for _, it := range group {
			total += it.size(true)
		}
		if total <= maxSize {
			final = append(final, group)
			continue
		}

		// Split at the largest gap between consecutive upper boundaries.
		splitIdx := 1
		var widest time.Duration = -1
		for i := 1; i < len(group); i++ {
			gap := group[i].End().Sub(group[i-1].End())
			if gap > widest {
				widest = gap
				splitIdx = i
			}
		}
		queue = append([][]Item{group[:splitIdx], group[splitIdx:]}, queue...)
	}
	return final
}

// truncateItem clamps a lone oversized item's text to the given limit,
// preferring the message summary as the replacement content when available.
func truncateItem(it Item, limit int) Item {
	if it.Summary != nil {
		s := *it.Summary
		if len(s.Text) > limit {
			s.Text = s.Text[:limit]
		}
		return Item{Summary: &s}
	}
	m := it.Message.Clone()
	if m.Summary != "" {
		m.Content = m.Summary
	}
	if len(m.Content) > limit {
		m.Content = m.Content[:limit]
	}
	return Item{Message: &m}
}
