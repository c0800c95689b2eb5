package engine

import "github.com/readystack/readystackgo/internal/progress"

// band is the percent range an operation phase occupies on the progress
// stream. The hub clamps regressions, so band math only has to be monotonic
// within one operation.
type band struct {
	lo, hi int
}

var phaseBands = map[progress.Phase]band{
	progress.PhasePreparing:              {0, 5},
	progress.PhasePullingImages:          {5, 40},
	progress.PhaseInitializingContainers: {40, 65},
	progress.PhaseStartingServices:       {65, 95},
	progress.PhaseFinalizing:             {95, 100},
}

// phasePercent maps progress within a phase onto the overall scale.
// With nothing to do the phase counts as finished.
func phasePercent(phase progress.Phase, completed, total int) int {
	b, ok := phaseBands[phase]
	if !ok {
		return 0
	}
	if total <= 0 {
		return b.hi
	}
	if completed > total {
		completed = total
	}
	return b.lo + completed*(b.hi-b.lo)/total
}

// window compresses an operation's 0..100 scale into a slice of a larger
// one, used when a product relays per-stack progress on a single session.
type window struct {
	lo, hi int
}

var fullWindow = window{0, 100}

func (w window) scale(pct int) int {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return w.lo + pct*(w.hi-w.lo)/100
}

// stackWindow returns the window for stack k of n (1-based).
func stackWindow(k, n int) window {
	if n <= 0 {
		return fullWindow
	}
	return window{(k - 1) * 100 / n, k * 100 / n}
}
