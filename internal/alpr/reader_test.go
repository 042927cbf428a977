package alpr

import (
	"errors"
	"image"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeLocalizer struct {
	regions []image.Rectangle
	err     error
	calls   int
}

func (f *fakeLocalizer) Locate(image.Image) ([]image.Rectangle, error) {
	f.calls++
	return f.regions, f.err
}

type ocrResult struct {
	text       string
	confidence float64
	err        error
}

type fakeOCR struct {
	results []ocrResult
	calls   int
}

func (f *fakeOCR) Read(image.Image) (string, float64, error) {
	r := f.results[f.calls%len(f.results)]
	f.calls++
	return r.text, r.confidence, r.err
}

func crop() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 200, 100))
}

func regions(n int) []image.Rectangle {
	out := make([]image.Rectangle, n)
	for i := range out {
		out[i] = image.Rect(i*10, 0, i*10+40, 20)
	}
	return out
}

func TestReaderWithoutLocalizerReturnsNA(t *testing.T) {
	r := NewReader(nil, &fakeOCR{}, nil, 0.4, zerolog.Nop())
	assert.Equal(t, PlateUnavailable, r.DetectAndRead(crop(), 1))
}

func TestReaderAcceptsFirstConfidentResult(t *testing.T) {
	ocr := &fakeOCR{results: []ocrResult{
		{text: "zzz", confidence: 0.4},
		{text: "kaa 111a", confidence: 0.6},
		{text: "KBB222B", confidence: 0.99},
	}}
	r := NewReader(&fakeLocalizer{regions: regions(3)}, ocr, nil, 0.4, zerolog.Nop())

	assert.Equal(t, "KAA111A", r.DetectAndRead(crop(), 1))
	assert.Equal(t, 2, ocr.calls)
}

func TestReaderSkipsFailingCandidates(t *testing.T) {
	ocr := &fakeOCR{results: []ocrResult{
		{err: errors.New("tesseract crashed")},
		{text: "KCC333C", confidence: 0.8},
	}}
	r := NewReader(&fakeLocalizer{regions: regions(2)}, ocr, nil, 0.4, zerolog.Nop())

	assert.Equal(t, "KCC333C", r.DetectAndRead(crop(), 1))
}

func TestReaderReturnsCachedPlateEvenIfCropChanges(t *testing.T) {
	loc := &fakeLocalizer{regions: regions(1)}
	ocr := &fakeOCR{results: []ocrResult{{text: "KAA111A", confidence: 0.9}}}
	r := NewReader(loc, ocr, nil, 0.4, zerolog.Nop())

	assert.Equal(t, "KAA111A", r.DetectAndRead(crop(), 5))

	ocr.results = []ocrResult{{text: "OTHER", confidence: 0.99}}
	assert.Equal(t, "KAA111A", r.DetectAndRead(image.NewRGBA(image.Rect(0, 0, 50, 50)), 5))
	assert.Equal(t, 1, loc.calls)
}

func TestReaderDoesNotCacheUnknown(t *testing.T) {
	loc := &fakeLocalizer{regions: regions(1)}
	ocr := &fakeOCR{results: []ocrResult{{text: "blur", confidence: 0.1}}}
	cache := NewMemoryCache()
	r := NewReader(loc, ocr, cache, 0.4, zerolog.Nop())

	assert.Equal(t, PlateUnknown, r.DetectAndRead(crop(), 9))
	_, ok := cache.Get(9)
	assert.False(t, ok)

	ocr.results = []ocrResult{{text: "KDD444D", confidence: 0.7}}
	assert.Equal(t, "KDD444D", r.DetectAndRead(crop(), 9))
	assert.Equal(t, 2, loc.calls)
}

func TestReaderNoCandidates(t *testing.T) {
	r := NewReader(&fakeLocalizer{}, &fakeOCR{}, nil, 0.4, zerolog.Nop())
	assert.Equal(t, PlateUnknown, r.DetectAndRead(crop(), 1))

	r = NewReader(&fakeLocalizer{err: errors.New("model")}, &fakeOCR{}, nil, 0.4, zerolog.Nop())
	assert.Equal(t, PlateUnknown, r.DetectAndRead(crop(), 1))
}
