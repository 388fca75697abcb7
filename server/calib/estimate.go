package calib

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Homography estimation from point correspondences: normalized DLT, wrapped
// in a RANSAC loop when more than 4 correspondences are supplied so that a
// bad click in the calibration UI doesn't poison the fit.

const (
	ransacIterations      = 200
	ransacInlierThreshold = 3.0 // Reprojection distance, in raw destination (floor) units
)

// findHomography computes the 3x3 projective transform mapping src onto dst.
// Requires len(src) == len(dst) >= 4. Returns false if no solution exists.
func findHomography(src, dst [][2]float64) ([3][3]float64, bool) {
	if len(src) < 4 || len(src) != len(dst) {
		return [3][3]float64{}, false
	}
	if len(src) == 4 {
		return dltFit(src, dst)
	}
	return ransacFit(src, dst)
}

// ransacFit samples minimal 4-point subsets, scores each candidate by its
// inlier count, and refits on the best consensus set.
func ransacFit(src, dst [][2]float64) ([3][3]float64, bool) {
	n := len(src)
	bestInliers := []int(nil)

	for iter := 0; iter < ransacIterations; iter++ {
		idx := rand.Perm(n)[:4]
		s4 := [][2]float64{src[idx[0]], src[idx[1]], src[idx[2]], src[idx[3]]}
		d4 := [][2]float64{dst[idx[0]], dst[idx[1]], dst[idx[2]], dst[idx[3]]}
		h, ok := dltFit(s4, d4)
		if !ok {
			continue
		}
		inliers := []int{}
		for i := 0; i < n; i++ {
			px, py := applyProjective(&h, src[i][0], src[i][1])
			dx := px - dst[i][0]
			dy := py - dst[i][1]
			if math.Sqrt(dx*dx+dy*dy) < ransacInlierThreshold {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			if len(inliers) == n {
				break
			}
		}
	}

	if len(bestInliers) < 4 {
		// No consensus; fall back to a least-squares fit over everything
		return dltFit(src, dst)
	}
	s := make([][2]float64, len(bestInliers))
	d := make([][2]float64, len(bestInliers))
	for i, j := range bestInliers {
		s[i] = src[j]
		d[i] = dst[j]
	}
	return dltFit(s, d)
}

// dltFit is the direct linear transform: each correspondence contributes two
// rows to A, and the homography is the null vector of A (the right singular
// vector of the smallest singular value). Points are Hartley-normalized for
// conditioning.
func dltFit(src, dst [][2]float64) ([3][3]float64, bool) {
	n := len(src)
	srcN, tSrc := normalizePoints(src)
	dstN, tDst := normalizePoints(dst)

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := srcN[i][0], srcN[i][1]
		u, v := dstN[i][0], dstN[i][1]
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return [3][3]float64{}, false
	}
	// A degenerate configuration (e.g. collinear points) has a null space of
	// dimension > 1, which shows up as a vanishing second-smallest singular
	// value. There is no unique homography in that case.
	values := svd.Values(nil)
	if values[7] < 1e-9 {
		return [3][3]float64{}, false
	}
	var v mat.Dense
	svd.VTo(&v)

	// Null vector = column of V for the smallest singular value
	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h.Set(i, j, v.At(3*i+j, 8))
		}
	}

	// Denormalize: H = inv(Tdst) * Hn * Tsrc
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return [3][3]float64{}, false
	}
	var tmp, full mat.Dense
	tmp.Mul(h, tSrc)
	full.Mul(&tDstInv, &tmp)

	scale := full.At(2, 2)
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return [3][3]float64{}, false
	}

	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = full.At(i, j) / scale
		}
	}
	return out, true
}

// normalizePoints translates the centroid to the origin and scales so the
// mean distance from the origin is sqrt(2). Returns the normalized points
// and the similarity transform that was applied.
func normalizePoints(points [][2]float64) ([][2]float64, *mat.Dense) {
	n := float64(len(points))
	var cx, cy float64
	for _, p := range points {
		cx += p[0]
		cy += p[1]
	}
	cx /= n
	cy /= n

	meanDist := 0.0
	for _, p := range points {
		meanDist += math.Hypot(p[0]-cx, p[1]-cy)
	}
	meanDist /= n
	scale := 1.0
	if meanDist > 0 {
		scale = math.Sqrt2 / meanDist
	}

	out := make([][2]float64, len(points))
	for i, p := range points {
		out[i] = [2]float64{(p[0] - cx) * scale, (p[1] - cy) * scale}
	}
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * cx,
		0, scale, -scale * cy,
		0, 0, 1,
	})
	return out, t
}

// invert3x3 returns the inverse of m, or false if m is singular.
func invert3x3(m [3][3]float64) ([3][3]float64, bool) {
	d := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(d); err != nil {
		return [3][3]float64{}, false
	}
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, true
}
