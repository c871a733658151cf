// Package replay re-executes the successful steps of a recorded journal
// against a fresh surface. Each step kind has its own fallback chain.
package replay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/journal"
)

// StepStatus is what replay did with one journal step.
type StepStatus string

const (
	StepExecuted StepStatus = "executed"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped" // Recorded failure, passed over.
	StepNoOp     StepStatus = "noop"
	StepUnknown  StepStatus = "unknown"
	StepHalted   StepStatus = "halted"
)

// Options control a single Replay call.
type Options struct {
	StopAtFirstFailure bool
	// SlowMode uses the longer settle delay between actions.
	SlowMode   bool
	OnProgress func(Progress)
	// Recorder, when set, receives every re-executed step so the new run's
	// journal starts with the replayed history.
	Recorder *journal.Recorder
}

// Progress is reported after each step.
type Progress struct {
	Index  int
	Total  int
	Step   schemas.ActionStep
	Status StepStatus
}

// StepReport describes the replay of one step.
type StepReport struct {
	Seq      int
	Kind     schemas.ActionKind
	Status   StepStatus
	Strategy string
	Outcome  schemas.Outcome
	Attempts []string
}

// Result summarizes a replay. Success means no step failed while being
// replayed; halting at a recorded failure or before a recorded form
// submission is not a replay failure.
type Result struct {
	Success  bool
	Executed int
	Failed   int
	Skipped  int
	NoOps    int
	Unknown  int
	Halted   bool
	HaltedAt int
	Reason   string
	Reports  []StepReport
}

// stepHandler executes one step and returns the name of the strategy that
// succeeded along with every strategy attempted.
type stepHandler func(ctx context.Context, step schemas.ActionStep) (string, []string, error)

// Replayer drives a surface through recorded steps. It borrows the surface for
// the duration of Replay only.
type Replayer struct {
	surface  schemas.Surface
	cfg      config.ReplayConfig
	logger   *zap.Logger
	handlers map[schemas.ActionKind]stepHandler
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer for the given surface.
func New(surface schemas.Surface, cfg config.ReplayConfig, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Replayer{
		surface: surface,
		cfg:     cfg,
		logger:  logger.Named("replayer"),
		sleep:   sleepCtx,
	}
	r.handlers = make(map[schemas.ActionKind]stepHandler)
	r.registerHandlers()
	return r
}

// registerHandlers maps interactive kinds to their fallback chains. Kinds
// without a handler are either no-ops or unknown.
func (r *Replayer) registerHandlers() {
	r.handlers[schemas.KindNavigate] = r.replayNavigate
	r.handlers[schemas.KindFillField] = r.replayFill
	r.handlers[schemas.KindClick] = r.replayClick
	r.handlers[schemas.KindSelectOption] = r.replaySelect
	r.handlers[schemas.KindUploadFile] = r.replayUpload
	r.handlers[schemas.KindWait] = r.replayWait
}

// Replay executes steps in order.
func (r *Replayer) Replay(ctx context.Context, steps []schemas.ActionStep, opts Options) *Result {
	res := &Result{Success: true, HaltedAt: -1, Reports: make([]StepReport, 0, len(steps))}
	settle := r.cfg.SettleDelay
	if opts.SlowMode && r.cfg.SlowSettleDelay > 0 {
		settle = r.cfg.SlowSettleDelay
	}
	r.logger.Info("Starting replay.", zap.Int("steps", len(steps)), zap.Bool("stop_at_first_failure", opts.StopAtFirstFailure), zap.Bool("slow", opts.SlowMode))

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			res.Success = false
			res.Reason = fmt.Sprintf("replay cancelled before step %d: %v", step.Seq, err)
			break
		}

		report := StepReport{Seq: step.Seq, Kind: step.Kind}
		switch {
		case !step.Outcome.OK() && opts.StopAtFirstFailure:
			report.Status = StepHalted
			res.Halted = true
			res.HaltedAt = step.Seq
			res.Reports = append(res.Reports, report)
			r.progress(opts, i, len(steps), step, report.Status)
			r.logger.Info("Replay halted at recorded failure.", zap.Int("seq", step.Seq), zap.String("kind", string(step.Kind)))
			return res

		case !step.Outcome.OK():
			report.Status = StepSkipped
			res.Skipped++

		case step.Submits():
			report.Status = StepHalted
			res.Halted = true
			res.HaltedAt = step.Seq
			res.Reason = fmt.Sprintf("step %d submitted a form and is not replayed", step.Seq)
			res.Reports = append(res.Reports, report)
			r.progress(opts, i, len(steps), step, report.Status)
			r.logger.Info("Replay halted before a recorded form submission.", zap.Int("seq", step.Seq), zap.String("target", string(step.Target)))
			return res

		case !step.Kind.Known():
			report.Status = StepUnknown
			res.Unknown++
			r.logger.Debug("Skipping unknown step kind.", zap.Int("seq", step.Seq), zap.String("kind", string(step.Kind)))

		default:
			handler, ok := r.handlers[step.Kind]
			if !ok {
				report.Status = StepNoOp
				res.NoOps++
				break
			}
			report = r.execute(ctx, handler, step)
			r.rerecord(opts.Recorder, step, report)
			if report.Status == StepFailed {
				res.Failed++
				res.Success = false
				if res.Reason == "" {
					res.Reason = fmt.Sprintf("step %d (%s) failed during replay: %s", step.Seq, step.Kind, report.Outcome.Reason)
				}
			} else {
				res.Executed++
			}
			if step.Kind.Interactive() && settle > 0 {
				_ = r.sleep(ctx, settle)
			}
		}

		res.Reports = append(res.Reports, report)
		r.progress(opts, i, len(steps), step, report.Status)

		if report.Status == StepFailed && opts.StopAtFirstFailure {
			r.logger.Warn("Aborting replay on failure.", zap.Int("seq", step.Seq), zap.String("reason", report.Outcome.Reason))
			return res
		}
	}

	r.logger.Info("Replay finished.",
		zap.Bool("success", res.Success),
		zap.Int("executed", res.Executed),
		zap.Int("failed", res.Failed),
		zap.Int("noops", res.NoOps),
		zap.Int("unknown", res.Unknown))
	return res
}

func (r *Replayer) execute(ctx context.Context, handler stepHandler, step schemas.ActionStep) StepReport {
	stepCtx := ctx
	if r.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.cfg.ActionTimeout)
		defer cancel()
	}

	strategy, attempts, err := handler(stepCtx, step)
	report := StepReport{Seq: step.Seq, Kind: step.Kind, Strategy: strategy, Attempts: attempts}
	if err != nil {
		report.Status = StepFailed
		report.Outcome = schemas.Failed(schemas.ClassifyError(err), err.Error())
		r.logger.Warn("Step failed during replay.",
			zap.Int("seq", step.Seq),
			zap.String("kind", string(step.Kind)),
			zap.Strings("attempts", attempts),
			zap.Error(err))
		return report
	}
	report.Status = StepExecuted
	report.Outcome = schemas.Succeeded()
	r.logger.Debug("Step replayed.", zap.Int("seq", step.Seq), zap.String("kind", string(step.Kind)), zap.String("strategy", strategy))
	return report
}

func (r *Replayer) rerecord(rec *journal.Recorder, step schemas.ActionStep, report StepReport) {
	if rec == nil {
		return
	}
	meta := make(map[string]interface{}, len(step.Metadata)+3)
	for k, v := range step.Metadata {
		meta[k] = v
	}
	meta["replayed"] = true
	meta["original_seq"] = step.Seq
	if report.Strategy != "" {
		meta["strategy"] = report.Strategy
	}
	replayed := step
	replayed.Timestamp = time.Time{}
	replayed.Outcome = report.Outcome
	replayed.Metadata = meta
	if _, err := rec.Append(replayed); err != nil {
		r.logger.Warn("Could not record replayed step.", zap.Int("seq", step.Seq), zap.Error(err))
	}
}

func (r *Replayer) progress(opts Options, i, total int, step schemas.ActionStep, status StepStatus) {
	if opts.OnProgress == nil {
		return
	}
	opts.OnProgress(Progress{Index: i, Total: total, Step: step, Status: status})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
