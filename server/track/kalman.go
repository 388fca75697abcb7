package track

import "github.com/mtarikucar/kds/pkg/nn"

// kalmanVector is the state [cx, cy, w, h, vx, vy] of a constant-velocity
// predictor. This is deliberately not a full Kalman filter: there is no
// covariance and no measurement noise, just a velocity-smoothed center
// prediction, which is all the matching step needs.
type kalmanVector struct {
	cx, cy float32
	w, h   float32
	vx, vy float32
}

func newKalmanVector(box nn.Rect) *kalmanVector {
	center := box.Center()
	return &kalmanVector{
		cx: center.X,
		cy: center.Y,
		w:  box.Width,
		h:  box.Height,
	}
}

// predict advances the center by one step of velocity and returns the
// predicted box.
func (k *kalmanVector) predict() nn.Rect {
	k.cx += k.vx
	k.cy += k.vy
	return nn.Rect{
		X:      k.cx - k.w/2,
		Y:      k.cy - k.h/2,
		Width:  k.w,
		Height: k.h,
	}
}

// update absorbs a matched detection box: velocity becomes the offset of the
// new center from the current center, which predict has already advanced by
// the previous velocity.
func (k *kalmanVector) update(box nn.Rect) {
	center := box.Center()
	k.vx = center.X - k.cx
	k.vy = center.Y - k.cy
	k.cx = center.X
	k.cy = center.Y
	k.w = box.Width
	k.h = box.Height
}
