package navigator

import (
	"sort"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// FillVerdict is the tracker's reading after one form-fill iteration.
type FillVerdict int

const (
	FillContinue FillVerdict = iota
	FillDone
	FillStalled
)

func (v FillVerdict) String() string {
	switch v {
	case FillDone:
		return "done"
	case FillStalled:
		return "stalled"
	default:
		return "continue"
	}
}

// CompletionTracker watches successive FillReports for one form page.
type CompletionTracker struct {
	stallLimit  int
	stableLimit int

	iterations   int
	zeroStreak   int
	stableStreak int
	filled       int
	discovered   int
	satisfied    int
	needHuman    map[string]struct{}
}

// NewCompletionTracker creates a tracker that stalls after stall empty
// iterations without any progress and is done after stable empty iterations
// following progress.
func NewCompletionTracker(stall, stable int) *CompletionTracker {
	if stall < 1 {
		stall = 1
	}
	if stable < 1 {
		stable = 1
	}
	return &CompletionTracker{stallLimit: stall, stableLimit: stable, needHuman: make(map[string]struct{})}
}

// Observe folds in one iteration's report. TotalFilled is the number of new
// fields filled during that iteration. A page whose discovered fields all
// hold values already is done without any new fill.
func (t *CompletionTracker) Observe(r *schemas.FillReport) FillVerdict {
	t.iterations++
	if r == nil {
		r = &schemas.FillReport{}
	}
	if r.FieldsDiscovered > t.discovered {
		t.discovered = r.FieldsDiscovered
	}
	if r.AlreadySatisfied > t.satisfied {
		t.satisfied = r.AlreadySatisfied
	}
	for _, f := range r.FieldsNeedingHuman {
		t.needHuman[f] = struct{}{}
	}

	if r.TotalFilled > 0 {
		t.filled += r.TotalFilled
		t.zeroStreak = 0
		t.stableStreak = 0
		if t.discovered > 0 && t.nothingLeft() {
			return FillDone
		}
		return FillContinue
	}

	t.zeroStreak++
	if t.filled == 0 {
		if t.satisfied > 0 && len(r.Errors) == 0 && t.nothingLeft() {
			return FillDone
		}
		if t.zeroStreak >= t.stallLimit {
			return FillStalled
		}
		return FillContinue
	}
	t.stableStreak++
	if t.stableStreak >= t.stableLimit {
		return FillDone
	}
	return FillContinue
}

func (t *CompletionTracker) nothingLeft() bool {
	return t.filled+t.satisfied+len(t.needHuman) >= t.discovered
}

// Conclude gives the verdict when the iteration ceiling is reached.
func (t *CompletionTracker) Conclude() FillVerdict {
	if t.filled > 0 {
		return FillDone
	}
	return FillStalled
}

func (t *CompletionTracker) Iterations() int { return t.iterations }
func (t *CompletionTracker) Filled() int     { return t.filled }
func (t *CompletionTracker) Discovered() int { return t.discovered }

// Satisfied is the number of fields found holding a value the filler did not
// write.
func (t *CompletionTracker) Satisfied() int { return t.satisfied }

// NeedingHuman lists the fields the filler could not map.
func (t *CompletionTracker) NeedingHuman() []string {
	out := make([]string, 0, len(t.needHuman))
	for f := range t.needHuman {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// completion returns filled over discovered as a percentage capped at 100.
func completion(filled, discovered int) float64 {
	if discovered <= 0 {
		if filled > 0 {
			return 100
		}
		return 0
	}
	p := float64(filled) / float64(discovered) * 100
	if p > 100 {
		p = 100
	}
	return p
}
