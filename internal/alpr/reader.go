package alpr

import (
	"image"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	PlateUnknown     = "Unknown"
	PlateUnavailable = "N/A"

	DefaultMinConfidence = 0.4
)

// Localizer finds candidate plate regions inside a vehicle crop.
type Localizer interface {
	Locate(crop image.Image) ([]image.Rectangle, error)
}

// OCR reads text from a plate region. Confidence is in [0, 1].
type OCR interface {
	Read(region image.Image) (text string, confidence float64, err error)
}

// Cache keeps the accepted plate per track id.
type Cache interface {
	Get(trackID int) (string, bool)
	Put(trackID int, plate string)
	Delete(trackID int)
}

type Reader struct {
	localizer     Localizer
	ocr           OCR
	cache         Cache
	minConfidence float64
	log           zerolog.Logger
}

// NewReader builds a plate reader. A nil localizer makes every read return
// PlateUnavailable.
func NewReader(localizer Localizer, ocr OCR, cache Cache, minConfidence float64, log zerolog.Logger) *Reader {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Reader{
		localizer:     localizer,
		ocr:           ocr,
		cache:         cache,
		minConfidence: minConfidence,
		log:           log.With().Str("component", "alpr").Logger(),
	}
}

// DetectAndRead returns the plate for the track, PlateUnknown when nothing
// readable was found in this crop, or PlateUnavailable when no localizer is
// loaded. The first candidate above the confidence threshold wins and
// sticks to the track.
func (r *Reader) DetectAndRead(crop image.Image, trackID int) string {
	if plate, ok := r.cache.Get(trackID); ok && plate != PlateUnknown {
		return plate
	}
	if r.localizer == nil || r.ocr == nil {
		return PlateUnavailable
	}

	regions, err := r.localizer.Locate(crop)
	if err != nil {
		r.log.Warn().Err(err).Int("track_id", trackID).Msg("plate localization failed")
		return PlateUnknown
	}

	for _, region := range regions {
		sub := subImage(crop, region)
		if sub == nil {
			continue
		}
		text, confidence, err := r.ocr.Read(sub)
		if err != nil {
			r.log.Debug().Err(err).Int("track_id", trackID).Msg("ocr failed on candidate")
			continue
		}
		if confidence <= r.minConfidence {
			continue
		}
		plate := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(text), " ", ""))
		if plate == "" {
			continue
		}
		r.cache.Put(trackID, plate)
		return plate
	}

	return PlateUnknown
}

// Forget drops the cached plate of a track.
func (r *Reader) Forget(trackID int) {
	r.cache.Delete(trackID)
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func subImage(img image.Image, rect image.Rectangle) image.Image {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return nil
	}
	if s, ok := img.(subImager); ok {
		return s.SubImage(rect)
	}
	return img
}

type MemoryCache struct {
	mu     sync.RWMutex
	plates map[int]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{plates: make(map[int]string)}
}

func (c *MemoryCache) Get(trackID int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	plate, ok := c.plates[trackID]
	return plate, ok
}

func (c *MemoryCache) Put(trackID int, plate string) {
	c.mu.Lock()
	c.plates[trackID] = plate
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(trackID int) {
	c.mu.Lock()
	delete(c.plates, trackID)
	c.mu.Unlock()
}
