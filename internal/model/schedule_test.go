package model_test

import (
	"testing"
	"time"

	"github.com/kms-go/mediaserver/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      error
	}{
		{"seconds", "PT30S", 30 * time.Second, nil},
		{"fraction", "PT1.5S", 1500 * time.Millisecond, nil},
		{"comma fraction", "PT0,25S", 250 * time.Millisecond, nil},
		{"minutes and seconds", "PT1M30S", 90 * time.Second, nil},
		{"day and hours", "P1DT12H", 36 * time.Hour, nil},
		{"days", "P2D", 48 * time.Hour, nil},
		{"empty", "", 0, model.ErrISOFormat},
		{"only P", "P", 0, model.ErrISOFormat},
		{"only PT", "PT", 0, model.ErrISOFormat},
		{"months are ambiguous", "P2M", 0, model.ErrISOFormat},
		{"dangling T", "P2DT", 0, model.ErrISOFormat},
		{"go duration", "5s", 0, model.ErrISOFormat},
		{"negative fraction", "PT-0.5S", 0, model.ErrISOFormat},
		{"negative", "PT-5S", 0, model.ErrISOFormat},
		{"fraction of hour", "PT1.5H", 0, model.ErrISOFormat},
		{"out of order", "PT30S1M", 0, model.ErrISOFormat},
		{"weeks", "P1W", 0, model.ErrISOFormat},
		{"missing number", "PTS", 0, model.ErrISOFormat},
		{"zero", "PT0S", 0, nil},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			d, err := model.ParseISODuration(tt.given)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      bool
	}{
		{"every 15 minutes", "*/15 * * * *", 15 * time.Minute, false},
		{"descriptor hourly", "@hourly", time.Hour, false},
		{"descriptor every", "@every 5m", 5 * time.Minute, false},
		{"six fields", "0 */2 * * * *", 0, true},
		{"out of range", "* * 32 * *", 0, true},
		{"empty", "  ", 0, true},
	}
	now := time.Date(2026, time.March, 1, 10, 7, 0, 0, time.UTC)
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			schedule, err := model.ParseCron(tt.given)
			if tt.err {
				require.ErrorIs(t, err, model.ErrCronFormat)
				return
			}
			require.NoError(t, err)
			next := schedule.Next(now)
			require.Equal(t, tt.then, schedule.Next(next).Sub(next))
		})
	}
}
