package vision

import (
	"context"
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"traffic-enforcement/internal/session"
)

var errEmptyFrame = errors.New("empty frame")

// Opener opens RTSP URLs, device indexes or files through OpenCV.
type Opener struct{}

func (Opener) Open(_ context.Context, url string) (session.Source, error) {
	capture, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("open %s: capture not opened", url)
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)
	return &CaptureSource{capture: capture}, nil
}

type CaptureSource struct {
	capture *gocv.VideoCapture
}

func (s *CaptureSource) Read() (session.Frame, error) {
	mat := gocv.NewMat()
	if !s.capture.Read(&mat) {
		mat.Close()
		return nil, errors.New("read failed")
	}
	if mat.Empty() {
		mat.Close()
		return nil, errEmptyFrame
	}
	return &matFrame{mat: mat}, nil
}

func (s *CaptureSource) Close() error {
	return s.capture.Close()
}

type matFrame struct {
	mat gocv.Mat
}

func (f *matFrame) EncodeJPEG(quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, f.mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func (f *matFrame) Close() error {
	return f.mat.Close()
}

// JPEGDecoder decodes published frames back into images for the pipeline.
type JPEGDecoder struct{}

func (JPEGDecoder) Decode(data []byte) (image.Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errEmptyFrame
	}
	return mat.ToImage()
}
