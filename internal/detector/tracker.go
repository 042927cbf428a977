package detector

import "sort"

const (
	DefaultMinIoU = 0.3
	DefaultMaxAge = 30
)

type track struct {
	id      int
	box     Box
	classID int
	missed  int
}

// Tracker associates detections across frames by greedy highest-IoU
// matching within the same class. Tracks survive up to maxAge frames
// without a match.
type Tracker struct {
	minIoU float64
	maxAge int
	nextID int
	tracks []*track
}

func NewTracker(minIoU float64, maxAge int) *Tracker {
	if minIoU <= 0 {
		minIoU = DefaultMinIoU
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{minIoU: minIoU, maxAge: maxAge, nextID: 1}
}

type pair struct {
	track int
	det   int
	iou   float64
}

// Update consumes one frame's detections and returns the track id for each,
// index-aligned with dets.
func (t *Tracker) Update(dets []Detection) []int {
	var pairs []pair
	for ti, tr := range t.tracks {
		for di, det := range dets {
			if det.ClassID != tr.classID {
				continue
			}
			if iou := IoU(tr.box, det.Box); iou >= t.minIoU {
				pairs = append(pairs, pair{track: ti, det: di, iou: iou})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	ids := make([]int, len(dets))
	trackUsed := make([]bool, len(t.tracks))
	detUsed := make([]bool, len(dets))
	for _, p := range pairs {
		if trackUsed[p.track] || detUsed[p.det] {
			continue
		}
		trackUsed[p.track] = true
		detUsed[p.det] = true
		tr := t.tracks[p.track]
		tr.box = dets[p.det].Box
		tr.missed = 0
		ids[p.det] = tr.id
	}

	alive := t.tracks[:0]
	for i, tr := range t.tracks {
		if !trackUsed[i] {
			tr.missed++
		}
		if tr.missed <= t.maxAge {
			alive = append(alive, tr)
		}
	}
	t.tracks = alive

	for di, det := range dets {
		if detUsed[di] {
			continue
		}
		tr := &track{id: t.nextID, box: det.Box, classID: det.ClassID}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		ids[di] = tr.id
	}
	return ids
}

func (t *Tracker) Active() int {
	return len(t.tracks)
}
