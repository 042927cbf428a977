package speed

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"traffic-enforcement/internal/config"
)

const mpsToKmh = 3.6

var ErrDegenerateQuad = errors.New("source points do not form a usable quadrilateral")

type Point struct {
	X float64
	Y float64
}

// Config describes the calibrated ground patch. SourcePoints are image
// coordinates in TL, TR, BR, BL order; they map onto a PatchWidth x
// RealLength rectangle in meters.
type Config struct {
	SourcePoints [4]Point
	RealLength   float64
	PatchWidth   float64
}

func ConfigFrom(cfg config.SpeedConfig) Config {
	var points [4]Point
	for i, p := range cfg.SourcePoints {
		points[i] = Point{X: p[0], Y: p[1]}
	}
	return Config{SourcePoints: points, RealLength: cfg.RealLength, PatchWidth: cfg.PatchWidth}
}

// Estimator maps image positions onto the ground plane and derives speed
// from displacement since a track's first sighting.
type Estimator struct {
	h      *mat.Dense
	tracks TrackStore
}

func New(cfg Config, tracks TrackStore) (*Estimator, error) {
	if cfg.RealLength <= 0 {
		return nil, fmt.Errorf("real length must be positive, got %v", cfg.RealLength)
	}
	if cfg.PatchWidth <= 0 {
		cfg.PatchWidth = 10
	}
	if tracks == nil {
		tracks = NewMemoryTrackStore()
	}

	target := [4]Point{
		{0, 0},
		{cfg.PatchWidth, 0},
		{cfg.PatchWidth, cfg.RealLength},
		{0, cfg.RealLength},
	}
	h, err := solveHomography(cfg.SourcePoints, target)
	if err != nil {
		return nil, err
	}
	return &Estimator{h: h, tracks: tracks}, nil
}

// solveHomography finds H (with h33 = 1) such that dst ~ H * src for the
// four correspondences.
func solveHomography(src, dst [4]Point) (*mat.Dense, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -x * u, -y * u})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -x * v, -y * v})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateQuad, err)
	}

	h := mat.NewDense(3, 3, []float64{
		coeffs.AtVec(0), coeffs.AtVec(1), coeffs.AtVec(2),
		coeffs.AtVec(3), coeffs.AtVec(4), coeffs.AtVec(5),
		coeffs.AtVec(6), coeffs.AtVec(7), 1,
	})
	return h, nil
}

// ToGround projects an image point to ground-plane meters.
func (e *Estimator) ToGround(p Point) Point {
	var out mat.VecDense
	out.MulVec(e.h, mat.NewVecDense(3, []float64{p.X, p.Y, 1}))
	w := out.AtVec(2)
	if w == 0 {
		return Point{X: math.Inf(1), Y: math.Inf(1)}
	}
	return Point{X: out.AtVec(0) / w, Y: out.AtVec(1) / w}
}

// EstimateSpeed returns the km/h speed of a track, measured as the straight
// distance from where the track was first seen over the time since then.
// The first sighting records the start and returns 0. Duplicate or
// out-of-order frames return the last computed value.
func (e *Estimator) EstimateSpeed(trackID int, p Point, frameIndex int64, fps float64) float64 {
	ground := e.ToGround(p)

	state, ok := e.tracks.Get(trackID)
	if !ok {
		e.tracks.Put(trackID, TrackState{
			Start:      ground,
			StartFrame: frameIndex,
			LastFrame:  frameIndex,
		})
		return 0
	}

	elapsedFrames := frameIndex - state.StartFrame
	if elapsedFrames <= 0 || fps <= 0 {
		return state.LastSpeed
	}

	seconds := float64(elapsedFrames) / fps
	distance := math.Hypot(ground.X-state.Start.X, ground.Y-state.Start.Y)
	kmh := math.Round(distance/seconds*mpsToKmh*100) / 100

	state.LastSpeed = kmh
	if frameIndex > state.LastFrame {
		state.LastFrame = frameIndex
	}
	e.tracks.Put(trackID, state)
	return kmh
}

// Prune forgets tracks whose last update is more than maxIdleFrames behind
// frameIndex and returns their ids.
func (e *Estimator) Prune(frameIndex int64, maxIdleFrames int64) []int {
	if maxIdleFrames <= 0 {
		return nil
	}
	var stale []int
	e.tracks.Range(func(trackID int, state TrackState) bool {
		if frameIndex-state.LastFrame > maxIdleFrames {
			stale = append(stale, trackID)
		}
		return true
	})
	for _, id := range stale {
		e.tracks.Delete(id)
	}
	return stale
}
