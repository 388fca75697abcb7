package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEstimateFPS(t *testing.T) {
	intervals := []time.Duration{
		66 * time.Millisecond,
		67 * time.Millisecond,
		66 * time.Millisecond,
	}
	require.Equal(t, 15.0, EstimateFPS(intervals))

	intervals = []time.Duration{
		100 * time.Millisecond,
		101 * time.Millisecond,
		99 * time.Millisecond,
		101 * time.Millisecond,
	}
	require.Equal(t, 10.0, EstimateFPS(intervals))

	intervals = []time.Duration{
		1000 * time.Millisecond,
		1001 * time.Millisecond,
		999 * time.Millisecond,
	}
	require.Equal(t, 1.0, EstimateFPS(intervals))

	intervals = []time.Duration{
		2000 * time.Millisecond,
		2001 * time.Millisecond,
		1999 * time.Millisecond,
	}
	require.Equal(t, 0.5, EstimateFPS(intervals))

	require.Equal(t, 10.0, EstimateFPS(nil))
}

func TestFPSTracker(t *testing.T) {
	tracker := fpsTracker{}
	require.Equal(t, 0.0, tracker.Actual())

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		tracker.RecordFrame(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	require.Equal(t, 10.0, tracker.Actual())

	tracker.Reset()
	require.Equal(t, 0.0, tracker.Actual())
}
