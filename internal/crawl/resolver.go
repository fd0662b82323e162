package crawl

import "sort"

// ResolveIndices maps a job's download mode and settings onto the concrete
// 0-based candidate indices to process. total is the discovered candidate
// count; prevTotal is the total recorded by a previous run of the same job
// (UPDATE mode processes only indices at or beyond it). Skip, redownload and
// range values in settings are 1-based and converted here.
//
// The function is pure: identical inputs always yield the identical,
// ascending index set.
func ResolveIndices(total, prevTotal int, mode DownloadMode, s Settings) []int {
	if total <= 0 || mode == ModeNone {
		return nil
	}

	lo, hi := rangeBounds(total, s)
	skip := toZeroBasedSet(s.SkipItems)

	selected := make(map[int]struct{})
	switch mode {
	case ModeFull, ModePartial:
		for i := lo; i <= hi; i++ {
			if _, skipped := skip[i]; skipped {
				continue
			}
			selected[i] = struct{}{}
		}
	case ModeUpdate:
		for i := lo; i <= hi; i++ {
			if _, skipped := skip[i]; skipped {
				continue
			}
			if i >= prevTotal {
				selected[i] = struct{}{}
			}
		}
		for _, one := range s.RedownloadItems {
			i := one - 1
			if i < lo || i > hi {
				continue
			}
			if _, skipped := skip[i]; skipped {
				continue
			}
			selected[i] = struct{}{}
		}
	default:
		return nil
	}

	out := make([]int, 0, len(selected))
	for i := range selected {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func rangeBounds(total int, s Settings) (int, int) {
	lo := 0
	if s.RangeStart > 0 {
		lo = s.RangeStart - 1
	}
	hi := total - 1
	if s.RangeEnd > 0 && s.RangeEnd-1 < hi {
		hi = s.RangeEnd - 1
	}
	return lo, hi
}

func toZeroBasedSet(oneBased []int) map[int]struct{} {
	set := make(map[int]struct{}, len(oneBased))
	for _, one := range oneBased {
		set[one-1] = struct{}{}
	}
	return set
}
