package vision

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

const plateAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TesseractOCR reads a single line of plate text. One tesseract client
// serves all callers under a mutex.
type TesseractOCR struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func NewTesseractOCR(language string) (*TesseractOCR, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation: %w", err)
	}
	if err := client.SetWhitelist(plateAlphabet); err != nil {
		client.Close()
		return nil, fmt.Errorf("set whitelist: %w", err)
	}
	return &TesseractOCR{client: client}, nil
}

// Read returns the recognised text and the mean word confidence in [0, 1].
func (o *TesseractOCR) Read(region image.Image) (string, float64, error) {
	png, err := preprocess(region)
	if err != nil {
		return "", 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.client.SetImageFromBytes(png); err != nil {
		return "", 0, err
	}
	text, err := o.client.Text()
	if err != nil {
		return "", 0, err
	}
	boxes, err := o.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return strings.TrimSpace(text), 0, nil
	}

	var total float64
	words := 0
	for _, b := range boxes {
		if b.Confidence > 0 {
			total += b.Confidence
			words++
		}
	}
	if words == 0 {
		return strings.TrimSpace(text), 0, nil
	}
	return strings.TrimSpace(text), total / float64(words) / 100, nil
}

func (o *TesseractOCR) Close() error {
	return o.client.Close()
}

// preprocess converts the region to a binarised grayscale PNG.
func preprocess(region image.Image) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(region)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(gray, &binary, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, binary)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
