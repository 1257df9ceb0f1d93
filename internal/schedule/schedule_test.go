package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BadgerOps/artsync/internal/store"
)

func TestNext(t *testing.T) {
	ev, err := NewEvaluator("")
	require.NoError(t, err)

	from := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"five fields", "0 * * * *", time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)},
		{"seconds field", "30 15 10 * * *", time.Date(2024, 5, 1, 10, 15, 30, 0, time.UTC).Add(24 * time.Hour)},
		{"quartz question mark", "0 0 12 * * ?", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"quartz year", "0 0 12 * * ? *", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"descriptor", "@daily", time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Next(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNextInvalid(t *testing.T) {
	ev, err := NewEvaluator("UTC")
	require.NoError(t, err)

	for _, expr := range []string{"", "   ", "not a cron", "61 * * * *", "0 0 12 * * ? 2030"} {
		_, err := ev.Next(expr, time.Now())
		var schedErr *Error
		assert.True(t, errors.As(err, &schedErr), "expected *Error for %q, got %v", expr, err)
		assert.Error(t, ev.Validate(expr))
	}
}

func TestNextTimezone(t *testing.T) {
	ev, err := NewEvaluator("Asia/Shanghai")
	require.NoError(t, err)

	// Midnight in Shanghai is 16:00 UTC the previous day.
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	got, err := ev.Next("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 16, 0, 0, 0, time.UTC), got)
}

func TestNewEvaluatorBadZone(t *testing.T) {
	_, err := NewEvaluator("Mars/Olympus")
	assert.Error(t, err)
}

func TestIsCronTask(t *testing.T) {
	assert.False(t, IsCronTask(nil))
	assert.False(t, IsCronTask(&store.Task{}))
	assert.False(t, IsCronTask(&store.Task{Setting: store.Setting{CronExpression: "  "}}))
	assert.True(t, IsCronTask(&store.Task{Setting: store.Setting{CronExpression: "@hourly"}}))
}

// TestNextStrictlyAfter checks the next trigger is always after the reference time.
func TestNextStrictlyAfter(t *testing.T) {
	ev, err := NewEvaluator("")
	require.NoError(t, err)
	exprs := []string{"* * * * *", "*/5 * * * * *", "0 0 * * *", "@hourly", "0 30 2 1 * ?"}

	rapid.Check(t, func(rt *rapid.T) {
		expr := rapid.SampledFrom(exprs).Draw(rt, "expr")
		sec := rapid.Int64Range(0, 4_000_000_000).Draw(rt, "unix")
		from := time.Unix(sec, 0).UTC()

		next, err := ev.Next(expr, from)
		require.NoError(rt, err)
		require.True(rt, next.After(from), "next %s not after %s", next, from)
	})
}
