// Package calib maps image pixels onto the 2D floor plan via a 3x3
// projective transform, and quantizes floor positions into grid cells.
package calib

import (
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/mtarikucar/kds/pkg/nn"
)

// One image/floor point correspondence used for calibration.
type Point struct {
	ImageX float32 `yaml:"image_x" json:"imageX"`
	ImageY float32 `yaml:"image_y" json:"imageY"`
	FloorX float32 `yaml:"floor_x" json:"floorX"`
	FloorZ float32 `yaml:"floor_z" json:"floorZ"`
}

type Config struct {
	// Explicit 3x3 homography. Takes precedence over Points when present.
	HomographyMatrix [][]float64 `yaml:"homography_matrix" json:"homographyMatrix"`
	// Point correspondences; at least 4 are needed to calibrate
	Points          []Point `yaml:"points" json:"points"`
	FloorPlanWidth  float32 `yaml:"floor_plan_width" json:"floorPlanWidth"`
	FloorPlanHeight float32 `yaml:"floor_plan_height" json:"floorPlanHeight"`
	GridSize        int     `yaml:"grid_size" json:"gridSize"`
}

func DefaultConfig() Config {
	return Config{
		FloorPlanWidth:  20,
		FloorPlanHeight: 20,
		GridSize:        20,
	}
}

// FloorPosition is a point on the floor plan, in meters, plus its grid cell.
type FloorPosition struct {
	X     float32 `json:"x"`
	Z     float32 `json:"z"`
	GridX int     `json:"gridX"`
	GridZ int     `json:"gridZ"`
}

// When uncalibrated, we fall back to a flat linear mapping of this many
// pixels per meter, so downstream code always has a well-defined position.
const fallbackPixelsPerMeter = 100

// An immutable calibration snapshot. Transforms grab the current snapshot
// once, so a concurrent recalibration can never tear a (H, H inverse) pair.
type snapshot struct {
	calibrated  bool
	h           [3][3]float64
	hInv        [3][3]float64
	floorWidth  float32
	floorHeight float32
	gridSize    int
	imagePoints [][2]float64 // retained for reprojection error
}

// Homography holds the image-to-floor transform and its inverse.
// Transform methods may be called concurrently with SetConfig/Calibrate.
type Homography struct {
	log  logs.Log
	curr atomic.Pointer[snapshot]

	lock sync.Mutex // serializes writers (calibration, config swap)
	cfg  Config
}

func NewHomography(log logs.Log, cfg Config) *Homography {
	h := &Homography{
		log: log,
		cfg: cfg,
	}
	h.curr.Store(&snapshot{
		floorWidth:  cfg.FloorPlanWidth,
		floorHeight: cfg.FloorPlanHeight,
		gridSize:    cfg.GridSize,
	})

	if len(cfg.HomographyMatrix) == 3 && len(cfg.HomographyMatrix[0]) == 3 {
		var m [3][3]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				m[i][j] = cfg.HomographyMatrix[i][j]
			}
		}
		if h.SetMatrix(m) {
			log.Infof("Homography loaded from config")
		}
	}
	if !h.IsCalibrated() && len(cfg.Points) != 0 {
		h.Calibrate()
	}
	return h
}

func (h *Homography) IsCalibrated() bool {
	return h.curr.Load().calibrated
}

// Calibrate recomputes the homography from the configured point
// correspondences. On failure the previous calibration (if any) is retained.
func (h *Homography) Calibrate() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	if len(h.cfg.Points) < 4 {
		h.log.Errorf("Need at least 4 calibration points, got %v", len(h.cfg.Points))
		return false
	}

	image := make([][2]float64, len(h.cfg.Points))
	floor := make([][2]float64, len(h.cfg.Points))
	for i, p := range h.cfg.Points {
		image[i] = [2]float64{float64(p.ImageX), float64(p.ImageY)}
		floor[i] = [2]float64{float64(p.FloorX), float64(p.FloorZ)}
	}

	m, ok := findHomography(image, floor)
	if !ok {
		h.log.Errorf("Failed to compute homography matrix")
		return false
	}
	mInv, ok := invert3x3(m)
	if !ok {
		h.log.Errorf("Computed homography is singular")
		return false
	}

	h.publish(&snapshot{
		calibrated:  true,
		h:           m,
		hInv:        mInv,
		imagePoints: image,
	})

	h.log.Infof("Homography calibrated with %v points, reprojection error: %.2f pixels", len(image), h.ReprojectionError())
	return true
}

// SetMatrix installs an explicit homography (e.g. pushed by the backend).
func (h *Homography) SetMatrix(m [3][3]float64) bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	mInv, ok := invert3x3(m)
	if !ok {
		h.log.Errorf("Rejecting singular homography matrix")
		return false
	}
	h.publish(&snapshot{
		calibrated: true,
		h:          m,
		hInv:       mInv,
	})
	return true
}

// SetConfig replaces the calibration config, and recalibrates if point
// correspondences are present. Safe to call while transforms are in flight.
func (h *Homography) SetConfig(cfg Config) {
	h.lock.Lock()
	h.cfg = cfg

	// Re-publish grid parameters immediately; the matrix follows below
	old := h.curr.Load()
	next := *old
	next.floorWidth = cfg.FloorPlanWidth
	next.floorHeight = cfg.FloorPlanHeight
	next.gridSize = cfg.GridSize
	h.curr.Store(&next)

	if len(cfg.HomographyMatrix) == 3 && len(cfg.HomographyMatrix[0]) == 3 {
		var m [3][3]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				m[i][j] = cfg.HomographyMatrix[i][j]
			}
		}
		h.lock.Unlock()
		h.SetMatrix(m)
		return
	}
	h.lock.Unlock()

	if len(cfg.Points) != 0 {
		h.Calibrate()
	}
}

// TransformPoint maps an image pixel to a floor position.
func (h *Homography) TransformPoint(imageX, imageY float32) FloorPosition {
	snap := h.curr.Load()
	return snap.transform(imageX, imageY)
}

// TransformPoints maps a batch of image points against one consistent
// calibration snapshot.
func (h *Homography) TransformPoints(points []nn.Point) []FloorPosition {
	snap := h.curr.Load()
	out := make([]FloorPosition, len(points))
	for i, p := range points {
		out[i] = snap.transform(p.X, p.Y)
	}
	return out
}

// TransformBBoxBottom projects the bottom-center of a bounding box, the
// proxy for a standing person's foot position on the ground plane.
func (h *Homography) TransformBBoxBottom(box nn.Rect) FloorPosition {
	foot := box.BottomCenter()
	return h.TransformPoint(foot.X, foot.Y)
}

// InverseTransform maps a floor position back to an image pixel.
func (h *Homography) InverseTransform(pos FloorPosition) nn.Point {
	snap := h.curr.Load()
	if !snap.calibrated {
		return nn.Point{
			X: pos.X * fallbackPixelsPerMeter,
			Y: pos.Z * fallbackPixelsPerMeter,
		}
	}
	x, y := applyProjective(&snap.hInv, float64(pos.X), float64(pos.Z))
	return nn.Point{X: float32(x), Y: float32(y)}
}

// ReprojectionError maps the stored calibration image points through H and
// back through H inverse, and returns the RMS pixel distance.
// Returns -1 if uncalibrated or there are no stored points.
func (h *Homography) ReprojectionError() float32 {
	snap := h.curr.Load()
	if !snap.calibrated || len(snap.imagePoints) == 0 {
		return -1
	}
	total := 0.0
	for _, p := range snap.imagePoints {
		fx, fz := applyProjective(&snap.h, p[0], p[1])
		rx, ry := applyProjective(&snap.hInv, fx, fz)
		dx := p[0] - rx
		dy := p[1] - ry
		total += dx*dx + dy*dy
	}
	return math32.Sqrt(float32(total / float64(len(snap.imagePoints))))
}

// Matrix returns a copy of the current homography, or false if uncalibrated.
func (h *Homography) Matrix() ([3][3]float64, bool) {
	snap := h.curr.Load()
	return snap.h, snap.calibrated
}

// publish installs a new matrix snapshot while preserving the current grid
// parameters. Caller holds h.lock.
func (h *Homography) publish(next *snapshot) {
	old := h.curr.Load()
	next.floorWidth = old.floorWidth
	next.floorHeight = old.floorHeight
	next.gridSize = old.gridSize
	h.curr.Store(next)
}

func (s *snapshot) transform(imageX, imageY float32) FloorPosition {
	var pos FloorPosition
	if !s.calibrated {
		pos.X = imageX / fallbackPixelsPerMeter
		pos.Z = imageY / fallbackPixelsPerMeter
	} else {
		x, z := applyProjective(&s.h, float64(imageX), float64(imageY))
		pos.X = float32(x)
		pos.Z = float32(z)
	}
	pos.GridX = s.gridCell(pos.X, s.floorWidth)
	pos.GridZ = s.gridCell(pos.Z, s.floorHeight)
	return pos
}

// gridCell maps a floor coordinate to a grid index, clamped to
// [0, gridSize).
func (s *snapshot) gridCell(v, extent float32) int {
	if s.gridSize <= 0 || extent <= 0 {
		return 0
	}
	cell := int(v / extent * float32(s.gridSize))
	if cell < 0 {
		return 0
	}
	if cell >= s.gridSize {
		return s.gridSize - 1
	}
	return cell
}

// applyProjective maps (x, y, 1) through m and homogenizes.
func applyProjective(m *[3][3]float64, x, y float64) (float64, float64) {
	w := m[2][0]*x + m[2][1]*y + m[2][2]
	if w == 0 {
		return 0, 0
	}
	return (m[0][0]*x + m[0][1]*y + m[0][2]) / w,
		(m[1][0]*x + m[1][1]*y + m[1][2]) / w
}
