package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/relayfs/internal/clock"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2024-03-15 08:30:00", want: time.Date(2024, 3, 15, 8, 30, 0, 0, time.UTC)},
		{in: "2024-3-5 8:05:9", want: time.Date(2024, 3, 5, 8, 5, 9, 0, time.UTC)},
		{in: "  2024-12-31   23:59:59 ", want: time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)},
		{in: "2024-02-30 00:00:00", wantErr: true},
		{in: "2024-01-01 25:00:00", wantErr: true},
		{in: "2024-01-01", wantErr: true},
		{in: "2024/01/01 00:00:00", wantErr: true},
		{in: "2024-01-01 aa:00:00", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := clock.Parse(tt.in, time.UTC)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestOffsetClock(t *testing.T) {
	t.Parallel()

	c := clock.NewOffset()
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)

	target := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.Set(target))
	assert.WithinDuration(t, target, c.Now(), time.Second)
}
