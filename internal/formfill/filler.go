// Package formfill is the reference FormFiller: it discovers the fields in
// the current markup, maps each to a profile value and records every write.
package formfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/dom"
)

// maxAttempts is how often one field may fail before it is handed to a human.
const maxAttempts = 2

// Recorder is the slice of the journal recorder the filler writes through.
type Recorder interface {
	RecordFill(target schemas.Locator, value, label, category string, out schemas.Outcome, meta map[string]interface{}) error
	RecordSelect(target schemas.Locator, value, label string, out schemas.Outcome, meta map[string]interface{}) error
	RecordClick(target schemas.Locator, label string, out schemas.Outcome, meta map[string]interface{}) error
	RecordUpload(target schemas.Locator, path, label string, out schemas.Outcome) error
}

var errNoOption = errors.New("formfill: no option matches the profile value")

// Filler keeps per-run state: fields it filled and fields it gave up on are
// remembered across passes, keyed by the field's stable key.
type Filler struct {
	surface  schemas.Surface
	recorder Recorder
	logger   *zap.Logger

	mu         sync.Mutex
	filled     map[string]bool
	failures   map[string]int
	needsHuman map[string]string
}

var _ schemas.FormFiller = (*Filler)(nil)

// New creates a filler over surface. recorder may be nil.
func New(surface schemas.Surface, recorder Recorder, logger *zap.Logger) *Filler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Filler{
		surface:    surface,
		recorder:   recorder,
		logger:     logger.Named("formfill"),
		filled:     make(map[string]bool),
		failures:   make(map[string]int),
		needsHuman: make(map[string]string),
	}
}

// FillDiscoveredFields runs one pass over the page. Fields the page already
// carries a value for are left alone; they count as discovered, and as
// already satisfied unless this filler wrote them.
func (f *Filler) FillDiscoveredFields(ctx context.Context, profile schemas.Profile) (*schemas.FillReport, error) {
	markup, err := f.surface.Markup(ctx)
	if err != nil {
		return nil, fmt.Errorf("formfill: read markup: %w", err)
	}
	doc, err := dom.Parse(markup)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	report := &schemas.FillReport{Iterations: 1}
	for _, field := range dom.Fields(doc) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if field.Filled() {
			report.FieldsDiscovered++
			if !f.filled[field.Key] {
				report.AlreadySatisfied++
			}
			continue
		}
		if label, ok := f.needsHuman[field.Key]; ok {
			report.FieldsDiscovered++
			report.FieldsNeedingHuman = append(report.FieldsNeedingHuman, label)
			continue
		}

		category := Categorize(field)
		value, ok := Value(category, field, profile)
		if !ok {
			if field.Required {
				f.giveUp(field, report)
			}
			continue
		}
		report.FieldsDiscovered++

		if err := f.fill(ctx, field, category, value); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if errors.Is(err, errNoOption) && !field.Required {
				report.FieldsDiscovered--
				continue
			}
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name(field), err))
			f.failures[field.Key]++
			if f.failures[field.Key] >= maxAttempts {
				f.needsHuman[field.Key] = name(field)
				report.FieldsNeedingHuman = append(report.FieldsNeedingHuman, name(field))
			}
			continue
		}
		f.filled[field.Key] = true
		report.TotalFilled++
	}

	f.logger.Debug("Fill pass finished.",
		zap.Int("filled", report.TotalFilled),
		zap.Int("discovered", report.FieldsDiscovered),
		zap.Int("already_satisfied", report.AlreadySatisfied),
		zap.Int("needs_human", len(report.FieldsNeedingHuman)),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

func (f *Filler) giveUp(field dom.Field, report *schemas.FillReport) {
	f.needsHuman[field.Key] = name(field)
	report.FieldsDiscovered++
	report.FieldsNeedingHuman = append(report.FieldsNeedingHuman, name(field))
	f.logger.Info("Required field has no profile value.", zap.String("field", name(field)))
}

func (f *Filler) fill(ctx context.Context, field dom.Field, category Category, value string) error {
	label := name(field)
	meta := map[string]interface{}{"field_key": field.Key, "kind": string(field.Kind)}

	switch field.Kind {
	case dom.FieldSelect:
		opt, ok := pick(field.Choices(), value)
		if !ok {
			return errNoOption
		}
		err := f.surface.SelectByText(ctx, field.Locator, opt.Text)
		if err != nil && ctx.Err() == nil {
			err = f.surface.SelectByValue(ctx, field.Locator, opt.Value)
		}
		meta["category"] = string(category)
		f.record(f.recorder.RecordSelect(field.Locator, opt.Value, label, schemas.OutcomeFromError(err), meta))
		return err

	case dom.FieldRadio:
		opt, ok := pick(field.Choices(), value)
		if !ok {
			return errNoOption
		}
		err := f.surface.Click(ctx, opt.Locator)
		meta["category"] = string(category)
		meta["value"] = opt.Value
		f.record(f.recorder.RecordClick(opt.Locator, label, schemas.OutcomeFromError(err), meta))
		return err

	case dom.FieldCheckbox:
		err := f.surface.Click(ctx, field.Locator)
		meta["category"] = string(category)
		f.record(f.recorder.RecordClick(field.Locator, label, schemas.OutcomeFromError(err), meta))
		return err

	case dom.FieldFile:
		err := f.surface.UploadFile(ctx, field.Locator, value)
		f.record(f.recorder.RecordUpload(field.Locator, value, label, schemas.OutcomeFromError(err)))
		return err
	}

	err := f.surface.SetValue(ctx, field.Locator, value)
	if err != nil && ctx.Err() == nil {
		f.logger.Debug("SetValue failed, typing instead.", zap.String("field", label), zap.Error(err))
		if err = f.surface.Clear(ctx, field.Locator); err == nil {
			err = f.surface.TypeText(ctx, field.Locator, value)
		}
	}
	f.record(f.recorder.RecordFill(field.Locator, value, label, string(category), schemas.OutcomeFromError(err), meta))
	return err
}

type nopRecorder struct{}

func (nopRecorder) RecordFill(schemas.Locator, string, string, string, schemas.Outcome, map[string]interface{}) error {
	return nil
}
func (nopRecorder) RecordSelect(schemas.Locator, string, string, schemas.Outcome, map[string]interface{}) error {
	return nil
}
func (nopRecorder) RecordClick(schemas.Locator, string, schemas.Outcome, map[string]interface{}) error {
	return nil
}
func (nopRecorder) RecordUpload(schemas.Locator, string, string, schemas.Outcome) error { return nil }

func (f *Filler) record(err error) {
	if err != nil {
		f.logger.Warn("Failed to record fill.", zap.Error(err))
	}
}

// NeedingHuman lists the fields handed to a human so far.
func (f *Filler) NeedingHuman() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.needsHuman))
	for _, label := range f.needsHuman {
		out = append(out, label)
	}
	return out
}

// pick finds the option matching value: exact text or value first, then a
// containing match either way.
func pick(options []dom.Option, value string) (dom.Option, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, o := range options {
		if strings.ToLower(o.Text) == v || strings.ToLower(o.Value) == v {
			return o, true
		}
	}
	for _, o := range options {
		text := strings.ToLower(o.Text)
		if text != "" && (strings.Contains(text, v) || strings.Contains(v, text)) {
			return o, true
		}
	}
	return dom.Option{}, false
}

func name(f dom.Field) string {
	for _, s := range []string{f.Label, f.Name, f.ID, string(f.Locator)} {
		if s != "" {
			return s
		}
	}
	return "field"
}
