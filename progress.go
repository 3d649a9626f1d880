package superres

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is a snapshot of an upscale request.
type Progress struct {
	Phase      Phase
	Percent    float64 // in [0,100], never decreases within a request
	Message    string
	TilesDone  int
	TilesTotal int
	Elapsed    time.Duration
	// Remaining is the estimated time left, valid only when RemainingKnown is set.
	Remaining      time.Duration
	RemainingKnown bool
}

func (p Progress) String() string {
	s := fmt.Sprintf("%3.0f%% %s", p.Percent, p.Message)
	if p.TilesTotal > 1 {
		s += fmt.Sprintf(" (%d/%d tiles)", p.TilesDone, p.TilesTotal)
	}
	if p.RemainingKnown && p.Percent < percentDone {
		s += ", about " + FormatRemaining(p.Remaining) + " remaining"
	}
	return s
}

type progressTracker struct {
	start time.Time
	now   func() time.Time
	last  float64
	fn    func(Progress)
}

func newProgressTracker(now func() time.Time, fn func(Progress)) *progressTracker {
	return &progressTracker{start: now(), now: now, fn: fn}
}

func (t *progressTracker) report(p Progress) Progress {
	pct := math.Max(0, math.Min(percentDone, p.Percent))
	if pct < t.last {
		pct = t.last
	}
	t.last = pct
	p.Percent = pct
	p.Elapsed = t.now().Sub(t.start)
	p.Remaining, p.RemainingKnown = estimateRemaining(p.Elapsed, pct)
	if t.fn != nil {
		t.fn(p)
	}
	return p
}

// estimateRemaining extrapolates the total duration from the completed fraction.
func estimateRemaining(elapsed time.Duration, percent float64) (time.Duration, bool) {
	if percent < etaMinPercent {
		return 0, false
	}
	total := time.Duration(float64(elapsed) / (percent / 100))
	return max(total-elapsed, 0), true
}

// inferPercent maps processed tiles onto the inference band of the progress scale.
func inferPercent(done, total int) float64 {
	if total <= 0 {
		return percentInferEnd
	}
	return percentInferStart + (percentInferEnd-percentInferStart)*float64(done)/float64(total)
}

// FormatRemaining renders a duration as whole seconds, minutes or hours, rounded up.
func FormatRemaining(d time.Duration) string {
	s := d.Seconds()
	switch {
	case s < 60:
		return fmt.Sprintf("%.0f seconds", math.Ceil(s))
	case s < 3600:
		return fmt.Sprintf("%.0f minutes", math.Ceil(s/60))
	default:
		return fmt.Sprintf("%.0f hours", math.Ceil(s/3600))
	}
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}
