package vision

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"traffic-enforcement/internal/detector"
)

const (
	inputSize    = 640
	nmsThreshold = 0.45
)

// YOLODetector runs a YOLOv8 ONNX export through the OpenCV DNN module.
// The net is not safe for concurrent use, so calls are serialised.
type YOLODetector struct {
	mu            sync.Mutex
	net           gocv.Net
	minConfidence float64
}

func NewYOLODetector(modelPath string, minConfidence float64) (*YOLODetector, error) {
	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("load model %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, err
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, err
	}
	return &YOLODetector{net: net, minConfidence: minConfidence}, nil
}

func (d *YOLODetector) Detect(img image.Image) ([]detector.Detection, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(inputSize, inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	sizes := out.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", sizes)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, err
	}

	scaleX := float64(mat.Cols()) / inputSize
	scaleY := float64(mat.Rows()) / inputSize
	dets := detector.DecodeYOLOv8(data, sizes[1], sizes[2], scaleX, scaleY, d.minConfidence)
	return suppress(dets), nil
}

func (d *YOLODetector) Close() error {
	return d.net.Close()
}

func suppress(dets []detector.Detection) []detector.Detection {
	if len(dets) < 2 {
		return dets
	}
	boxes := make([]image.Rectangle, len(dets))
	scores := make([]float32, len(dets))
	for i, det := range dets {
		boxes[i] = image.Rect(int(det.Box[0]), int(det.Box[1]), int(det.Box[2]), int(det.Box[3]))
		scores[i] = float32(det.Confidence)
	}
	keep := gocv.NMSBoxes(boxes, scores, 0, nmsThreshold)
	out := make([]detector.Detection, 0, len(keep))
	for _, i := range keep {
		out = append(out, dets[i])
	}
	return out
}

// PlateLocalizer finds plates inside a vehicle crop with a single-class
// YOLO plate model. Regions are returned in the crop's coordinates.
type PlateLocalizer struct {
	model *YOLODetector
}

func NewPlateLocalizer(model *YOLODetector) *PlateLocalizer {
	return &PlateLocalizer{model: model}
}

func (l *PlateLocalizer) Locate(crop image.Image) ([]image.Rectangle, error) {
	dets, err := l.model.Detect(crop)
	if err != nil {
		return nil, err
	}
	origin := crop.Bounds().Min
	rects := make([]image.Rectangle, 0, len(dets))
	for _, det := range dets {
		r := image.Rect(int(det.Box[0]), int(det.Box[1]), int(det.Box[2]), int(det.Box[3])).Add(origin)
		if r = r.Intersect(crop.Bounds()); !r.Empty() {
			rects = append(rects, r)
		}
	}
	return rects, nil
}
