package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	return math32.Hypot(p.X-b.X, p.Y-b.Y)
}

func (p Point) Sub(b Point) Point {
	return Point{X: p.X - b.X, Y: p.Y - b.Y}
}

// Rect is an axis-aligned box with X,Y at the top-left corner.
// Detections and track boxes use sub-pixel precision, so this is float32,
// unlike the integer rectangles you'd use for image crops.
type Rect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func (r Rect) Area() float32 {
	return r.Width * r.Height
}

func (r Rect) X2() float32 {
	return r.X + r.Width
}

func (r Rect) Y2() float32 {
	return r.Y + r.Height
}

// Intersection over Union.
// Zero if the boxes do not intersect, or if either box has non-positive area.
func (r Rect) IOU(b Rect) float32 {
	x1 := math32.Max(r.X, b.X)
	y1 := math32.Max(r.Y, b.Y)
	x2 := math32.Min(r.X2(), b.X2())
	y2 := math32.Min(r.Y2(), b.Y2())
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	intersection := (x2 - x1) * (y2 - y1)
	union := r.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

// BottomCenter is the foot point of a person box, used for ground-plane
// projection.
func (r Rect) BottomCenter() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height,
	}
}

func (r *Rect) Offset(dx, dy float32) {
	r.X += dx
	r.Y += dy
}
