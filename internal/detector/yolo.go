package detector

// DecodeYOLOv8 reads the raw output tensor of a YOLOv8 model. The tensor is
// attribute-major: attrs rows (cx, cy, w, h, then one score per class) by
// candidates columns. Boxes are scaled back to the source frame with scaleX
// and scaleY. Candidates whose best class score is below minConfidence are
// dropped; overlapping boxes are left for the caller to suppress.
func DecodeYOLOv8(out []float32, attrs, candidates int, scaleX, scaleY, minConfidence float64) []Detection {
	if attrs <= 4 || candidates <= 0 || len(out) < attrs*candidates {
		return nil
	}

	var dets []Detection
	for i := 0; i < candidates; i++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < attrs; c++ {
			if s := out[c*candidates+i]; s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || float64(bestScore) < minConfidence {
			continue
		}

		cx := float64(out[i])
		cy := float64(out[candidates+i])
		w := float64(out[2*candidates+i])
		h := float64(out[3*candidates+i])
		dets = append(dets, Detection{
			Box: Box{
				(cx - w/2) * scaleX,
				(cy - h/2) * scaleY,
				(cx + w/2) * scaleX,
				(cy + h/2) * scaleY,
			},
			ClassID:    best,
			Confidence: float64(bestScore),
		})
	}
	return dets
}
