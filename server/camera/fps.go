package camera

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Given a set of consecutive frame intervals, estimate the average frames per
// second. The value is a float64 because cameras can be configured for less
// than 1 FPS (Hikvision offers 1/2, 1/4, 1/8, 1/16).
func EstimateFPS(frameIntervals []time.Duration) float64 {
	if len(frameIntervals) == 0 {
		return 10
	}
	sorted := make([]time.Duration, len(frameIntervals))
	copy(sorted, frameIntervals)
	slices.Sort(sorted)
	mid := sorted[len(sorted)/2]
	if mid == 0 {
		return 10
	}
	fps := float64(time.Second) / float64(mid)
	if fps >= 0.9 {
		return math.Round(fps)
	}
	// Below 1 FPS we round the seconds per frame to the nearest whole number
	// (giving 1/2, 1/3, 1/4, ...)
	secondsPerFrame := 1.0 / fps
	spfR := math.Round(secondsPerFrame)
	return 1 / spfR
}

// fpsTracker keeps the most recent frame arrival intervals and reports the
// camera's measured frame rate. Safe for concurrent use (the capture thread
// records, the health reporter reads).
type fpsTracker struct {
	lock      sync.Mutex
	lastFrame time.Time
	intervals []time.Duration
}

const fpsTrackerWindow = 32

func (f *fpsTracker) RecordFrame(now time.Time) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.lastFrame.IsZero() {
		f.intervals = append(f.intervals, now.Sub(f.lastFrame))
		if len(f.intervals) > fpsTrackerWindow {
			f.intervals = f.intervals[len(f.intervals)-fpsTrackerWindow:]
		}
	}
	f.lastFrame = now
}

func (f *fpsTracker) Actual() float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.intervals) == 0 {
		return 0
	}
	return EstimateFPS(f.intervals)
}

func (f *fpsTracker) Reset() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.lastFrame = time.Time{}
	f.intervals = f.intervals[:0]
}
