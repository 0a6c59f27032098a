package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"PT1M", time.Minute, false},
		{"PT1H30M", 90 * time.Minute, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"P2W", 14 * 24 * time.Hour, false},
		{"PT0.5S", 500 * time.Millisecond, false},
		{"PT1,5S", 1500 * time.Millisecond, false},
		{" PT10S ", 10 * time.Second, false},
		{"P1M", 0, true},
		{"P1Y", 0, true},
		{"PT", 0, true},
		{"P", 0, true},
		{"1H", 0, true},
		{"PT5", 0, true},
		{"PTH", 0, true},
		{"P1TT1H", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseISODuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCycle(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	tests := []struct {
		in       string
		wantReps int32
		wantNext time.Time
		wantErr  bool
	}{
		{"R3/PT10S", 3, time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC), false},
		{"R/PT1H", -1, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), false},
		{"0 6 * * *", -1, time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC), false},
		{"@hourly", -1, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), false},
		{"Rx/PT1S", 0, time.Time{}, true},
		{"R2/P1M", 0, time.Time{}, true},
		{"not a cycle", 0, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			reps, next, err := parseCycle(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantReps, reps)
			assert.Equal(t, tt.wantNext.UnixMilli(), next(start))
		})
	}
}

func TestTimerDueDate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	st := h.e.State()
	st.Begin()
	defer st.Rollback()
	require.NoError(t, st.Variables.CreateScope(1, 0, 1))
	wait, err := document.Encode("PT2M")
	require.NoError(t, err)
	require.NoError(t, st.Variables.SetVariableLocal(1, "wait", wait))
	number, err := document.Encode(7)
	require.NoError(t, err)
	require.NoError(t, st.Variables.SetVariableLocal(1, "number", number))

	b := h.e.behaviors.Expressions
	now := h.now.UnixMilli()
	ctx := context.Background()

	tests := []struct {
		name     string
		def      *model.EventDefinition
		wantDue  int64
		wantReps int32
		wantErr  bool
	}{
		{"duration", &model.EventDefinition{TimeDuration: "PT1M"}, now + time.Minute.Milliseconds(), 1, false},
		{"duration expression", &model.EventDefinition{TimeDuration: "= wait"}, now + 2*time.Minute.Milliseconds(), 1, false},
		{"date", &model.EventDefinition{TimeDate: "2024-03-02T00:00:00Z"}, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC).UnixMilli(), 1, false},
		{"cycle", &model.EventDefinition{TimeCycle: "R5/PT30S"}, now + 30_000, 5, false},
		{"not text", &model.EventDefinition{TimeDuration: "= number"}, 0, 0, true},
		{"bad date", &model.EventDefinition{TimeDate: "tomorrow"}, 0, 0, true},
		{"empty", &model.EventDefinition{}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, reps, err := b.TimerDueDate(ctx, 1, tt.def, now)
			if tt.wantErr {
				var f *errors.Failure
				require.ErrorAs(t, err, &f)
				assert.Equal(t, errors.ExtractValueError, f.Type)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDue, due)
			assert.Equal(t, tt.wantReps, reps)
		})
	}
}

func TestCorrelationKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	st := h.e.State()
	st.Begin()
	defer st.Rollback()
	require.NoError(t, st.Variables.CreateScope(1, 0, 1))
	for name, v := range map[string]any{"id": "abc", "num": 42, "flag": true} {
		b, err := document.Encode(v)
		require.NoError(t, err)
		require.NoError(t, st.Variables.SetVariableLocal(1, name, b))
	}
	b := h.e.behaviors.Expressions

	tests := []struct {
		exp     string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"fixed", "fixed", false},
		{"= id", "abc", false},
		{"= num", "42", false},
		{"= flag", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.exp, func(t *testing.T) {
			got, err := b.CorrelationKey(context.Background(), 1, tt.exp)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
