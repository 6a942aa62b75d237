package media

import "math"

// SegmentWindow is the fixed clip length in seconds.
const SegmentWindow = 60.0

// Segment is one slice of the source, processed and delivered on its own.
type Segment struct {
	Index    int // 1-based
	Start    float64
	Duration float64
}

// PlanSegments cuts [0, d) into contiguous 60-second windows; the last one
// takes the remainder.
func PlanSegments(d float64) []Segment {
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return nil
	}
	n := int(math.Ceil(d / SegmentWindow))
	out := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * SegmentWindow
		dur := SegmentWindow
		if i == n-1 {
			dur = d - SegmentWindow*float64(n-1)
		}
		out = append(out, Segment{Index: i + 1, Start: start, Duration: dur})
	}
	return out
}
