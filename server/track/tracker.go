package track

import (
	"sort"
	"sync"

	"github.com/bmharper/ringbuffer"
	"github.com/chewxy/math32"
	"github.com/mtarikucar/kds/pkg/nn"
)

// SORT-style person tracker.
// Each Update call matches incoming detections to existing tracks by IoU,
// using greedy assignment over cost-sorted pairs. Unmatched detections give
// birth to tentative tracks; a track is reported only once it has been
// matched MinHits times, and dies after MaxAge frames without a match.

type Config struct {
	MaxAge       int     // Frames a track survives without a matched detection
	MinHits      int     // Matched frames before a track is confirmed
	IOUThreshold float32 // Minimum IoU for a track/detection pair to be matchable
	UseKalman    bool    // Predict with the kalman vector instead of raw velocity translation
}

func DefaultConfig() Config {
	return Config{
		MaxAge:       30,
		MinHits:      3,
		IOUThreshold: 0.3,
		UseKalman:    true,
	}
}

// Track history is capped at the 10 most recent centers. The ring underneath
// is the next power of two; reads are windowed to maxHistory.
const maxHistory = 10
const historyRingSize = 16

// Velocity smoothing factor for the exponential moving average over
// consecutive center deltas.
const velocityAlpha = 0.5

// State classification thresholds, in pixels per frame.
const (
	movingSpeedThreshold  = 5.0
	waitingSpeedThreshold = 2.0
	sittingAspectMin      = 0.6
)

// Track is a snapshot of one tracked person, as returned by Update.
type Track struct {
	ID         int64
	Box        nn.Rect
	Velocity   nn.Point // Pixels per frame, smoothed
	Confidence float32
	State      PersonState
	Age        int // Frames since the last matched detection
	Hits       int // Total matched frames
	Confirmed  bool
}

// Internal state of one track.
type trackState struct {
	id         int64
	box        nn.Rect
	velocity   nn.Point
	confidence float32
	state      PersonState
	age        int
	hits       int
	confirmed  bool
	kalman     *kalmanVector
	history    ringbuffer.RingP[nn.Point]
}

type Tracker struct {
	cfg    Config
	tracks []*trackState
	nextID int64

	// Stats are read from other threads (health reporting), so they get
	// their own little mutex. Everything else is processing-thread only.
	statsLock sync.Mutex
	stats     Stats
}

type Stats struct {
	ActiveTracks    int
	ConfirmedTracks int
	TotalTracked    int64 // Cumulative tracks ever created
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg,
		nextID: 1,
	}
}

// Update advances the tracker by one frame and returns the confirmed tracks.
// Empty detection lists still age (and eventually kill) existing tracks.
func (t *Tracker) Update(detections []nn.Detection) []Track {
	// 1. Predict: move every track forward one step, and age it
	for _, tr := range t.tracks {
		if t.cfg.UseKalman && tr.kalman != nil {
			tr.box = tr.kalman.predict()
		} else {
			tr.box.Offset(tr.velocity.X, tr.velocity.Y)
		}
		tr.age++
	}

	// 2. Associate: greedy assignment over IoU cost
	matches := t.match(detections)

	detMatched := make([]bool, len(detections))
	for _, m := range matches {
		t.updateTrack(t.tracks[m.track], &detections[m.det])
		detMatched[m.det] = true
	}

	// 3. Birth: every unmatched detection becomes a tentative track
	for i := range detections {
		if !detMatched[i] {
			t.newTrack(&detections[i])
		}
	}

	// 4. Death: drop tracks that have gone unmatched too long
	alive := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.age > t.cfg.MaxAge {
			continue
		}
		alive = append(alive, tr)
	}
	// Let the dead tracks go
	for i := len(alive); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = alive

	// 5. Classify
	for _, tr := range t.tracks {
		tr.state = classify(tr)
	}

	t.publishStats()

	confirmed := []Track{}
	for _, tr := range t.tracks {
		if tr.confirmed {
			confirmed = append(confirmed, tr.snapshot())
		}
	}
	return confirmed
}

// Tracks returns snapshots of all tracks, confirmed or not.
func (t *Tracker) Tracks() []Track {
	all := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		all = append(all, tr.snapshot())
	}
	return all
}

// Reset discards all state. Used after long camera outages, when carrying
// identities across the gap would be fiction.
func (t *Tracker) Reset() {
	t.tracks = nil
	t.nextID = 1
	t.statsLock.Lock()
	t.stats = Stats{}
	t.statsLock.Unlock()
}

// GetStats returns a consistent snapshot of the tracker counters.
// Safe to call from any thread.
func (t *Tracker) GetStats() Stats {
	t.statsLock.Lock()
	defer t.statsLock.Unlock()
	return t.stats
}

type matchPair struct {
	cost  float32
	track int
	det   int
}

// match builds the |T| x |D| cost matrix (1 - IoU) and greedily accepts
// admissible pairs in ascending cost order. Greedy is not globally optimal,
// but it is the established behavior here; an optimal assignment would only
// differ on adversarial ties.
func (t *Tracker) match(detections []nn.Detection) []matchPair {
	if len(t.tracks) == 0 || len(detections) == 0 {
		return nil
	}
	costThreshold := 1 - t.cfg.IOUThreshold

	admissible := []matchPair{}
	for i, tr := range t.tracks {
		for j := range detections {
			cost := 1 - tr.box.IOU(detections[j].Box)
			if cost < costThreshold {
				admissible = append(admissible, matchPair{cost: cost, track: i, det: j})
			}
		}
	}

	sort.Slice(admissible, func(a, b int) bool {
		if admissible[a].cost != admissible[b].cost {
			return admissible[a].cost < admissible[b].cost
		}
		if admissible[a].track != admissible[b].track {
			return admissible[a].track < admissible[b].track
		}
		return admissible[a].det < admissible[b].det
	})

	trackUsed := make([]bool, len(t.tracks))
	detUsed := make([]bool, len(detections))
	matches := []matchPair{}
	for _, m := range admissible {
		if !trackUsed[m.track] && !detUsed[m.det] {
			matches = append(matches, m)
			trackUsed[m.track] = true
			detUsed[m.det] = true
		}
	}
	return matches
}

func (t *Tracker) updateTrack(tr *trackState, det *nn.Detection) {
	tr.box = det.Box
	tr.confidence = det.Confidence
	tr.age = 0
	tr.hits++
	if tr.hits >= t.cfg.MinHits {
		tr.confirmed = true
	}

	tr.history.Add(det.Box.Center())
	tr.velocity = smoothedVelocity(&tr.history)

	if t.cfg.UseKalman && tr.kalman != nil {
		tr.kalman.update(det.Box)
	}
}

func (t *Tracker) newTrack(det *nn.Detection) {
	tr := &trackState{
		id:         t.nextID,
		box:        det.Box,
		confidence: det.Confidence,
		state:      StateUnknown,
		age:        0,
		hits:       1,
		history:    ringbuffer.NewRingP[nn.Point](historyRingSize),
	}
	t.nextID++
	if t.cfg.UseKalman {
		tr.kalman = newKalmanVector(det.Box)
	}
	tr.history.Add(det.Box.Center())
	t.tracks = append(t.tracks, tr)

	t.statsLock.Lock()
	t.stats.TotalTracked++
	t.statsLock.Unlock()
}

// smoothedVelocity runs an exponential moving average over the deltas of the
// last maxHistory centers. Returns zero with fewer than two points.
func smoothedVelocity(history *ringbuffer.RingP[nn.Point]) nn.Point {
	n := history.Len()
	start := 0
	if n > maxHistory {
		start = n - maxHistory
	}
	velocity := nn.Point{}
	for i := start + 1; i < n; i++ {
		delta := history.Peek(i).Sub(history.Peek(i - 1))
		velocity.X = velocityAlpha*delta.X + (1-velocityAlpha)*velocity.X
		velocity.Y = velocityAlpha*delta.Y + (1-velocityAlpha)*velocity.Y
	}
	return velocity
}

func classify(tr *trackState) PersonState {
	speed := math32.Hypot(tr.velocity.X, tr.velocity.Y)
	aspect := tr.box.Width / (tr.box.Height + 1e-6)

	switch {
	case speed > movingSpeedThreshold:
		return StateMoving
	case speed > waitingSpeedThreshold:
		return StateWaiting
	case aspect > sittingAspectMin:
		return StateSitting
	default:
		return StateStanding
	}
}

func (t *Tracker) publishStats() {
	confirmed := 0
	for _, tr := range t.tracks {
		if tr.confirmed {
			confirmed++
		}
	}
	t.statsLock.Lock()
	t.stats.ActiveTracks = len(t.tracks)
	t.stats.ConfirmedTracks = confirmed
	t.statsLock.Unlock()
}

func (tr *trackState) snapshot() Track {
	return Track{
		ID:         tr.id,
		Box:        tr.box,
		Velocity:   tr.velocity,
		Confidence: tr.confidence,
		State:      tr.state,
		Age:        tr.age,
		Hits:       tr.hits,
		Confirmed:  tr.confirmed,
	}
}
