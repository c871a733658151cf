package journal

import (
	"strings"
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// FuzzDecode checks that arbitrary input never panics and always yields a
// usable journal.
func FuzzDecode(f *testing.F) {
	seed, err := Encode(allKindsJournal())
	require.NoError(f, err)
	f.Add(seed)
	f.Add([]byte(`{"record":"journal"`))
	f.Add([]byte("\n\n{}\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		j, err := Decode(data)
		require.NotNil(t, j)
		if err != nil {
			return
		}
		assert.GreaterOrEqual(t, j.Dropped, 0)
	})
}

// fuzzStep feeds the structured fuzzer with primitive fields only.
type fuzzStep struct {
	Kind        string
	FailureKind string
	Target      string
	Value       string
	Label       string
	Category    string
	Status      string
	Reason      string
	MetaKey     string
	MetaValue   string
	Offset      int64
}

// FuzzRoundTrip encodes fuzzer-built journals and checks that decoding
// restores every step.
func FuzzRoundTrip(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		var raw []fuzzStep
		if err := consumer.CreateSlice(&raw); err != nil {
			return
		}
		runID, err := consumer.GetString()
		if err != nil {
			return
		}
		runID = strings.ToValidUTF8(runID, "")

		base := fixedTime()
		j := &schemas.ActionJournal{RunID: runID, StartedAt: base, Steps: []schemas.ActionStep{}}
		// JSON replaces invalid UTF-8, so only valid text can round-trip exactly.
		clean := func(s string) string { return strings.ToValidUTF8(s, "") }
		for i, r := range raw {
			r.Kind, r.Value, r.Target = clean(r.Kind), clean(r.Value), clean(r.Target)
			r.FailureKind, r.Label, r.Category = clean(r.FailureKind), clean(r.Label), clean(r.Category)
			r.Status, r.Reason, r.MetaKey, r.MetaValue = clean(r.Status), clean(r.Reason), clean(r.MetaKey), clean(r.MetaValue)
			if r.Kind == "" {
				continue
			}
			step := schemas.ActionStep{
				Seq:         i,
				Kind:        schemas.ActionKind(r.Kind),
				FailureKind: r.FailureKind,
				Timestamp:   base.Add(time.Duration(r.Offset % int64(time.Hour))),
				Target:      schemas.Locator(r.Target),
				Value:       r.Value,
				Label:       r.Label,
				Category:    r.Category,
				Outcome:     schemas.Outcome{Status: schemas.OutcomeStatus(r.Status), Reason: r.Reason},
			}
			if r.MetaKey != "" {
				step.Metadata = map[string]interface{}{r.MetaKey: r.MetaValue}
			}
			j.Steps = append(j.Steps, step)
		}

		encoded, err := Encode(j)
		require.NoError(t, err)
		got, err := Decode(encoded)
		require.NoError(t, err)
		require.Len(t, got.Steps, len(j.Steps))
		assert.Zero(t, got.Dropped)
		for i := range j.Steps {
			assert.Equal(t, j.Steps[i].Kind, got.Steps[i].Kind)
			assert.Equal(t, j.Steps[i].Value, got.Steps[i].Value)
			assert.True(t, j.Steps[i].Timestamp.Equal(got.Steps[i].Timestamp))
		}
	})
}
