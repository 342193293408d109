package jp2

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	"github.com/jpfielding/jp2.go/pkg/compress/jpeg2k"
)

// Encoder writes images with one EncoderConfig. It holds no mutable state
// and may be shared between goroutines.
type Encoder struct {
	cfg EncoderConfig
	log *slog.Logger
}

// NewEncoder returns an encoder logging to slog.Default
func NewEncoder(cfg EncoderConfig) *Encoder {
	return &Encoder{cfg: cfg, log: slog.Default()}
}

// WithLogger returns a copy of the encoder logging to l
func (e *Encoder) WithLogger(l *slog.Logger) *Encoder {
	out := *e
	out.log = l
	return &out
}

// Config returns the encoder configuration
func (e *Encoder) Config() EncoderConfig { return e.cfg }

// raster converts img to planes the core accepts. *Image keeps its RGB(A)
// layout, anything else is classified by RasterFromImage.
func (e *Encoder) raster(img image.Image) (*jpeg2k.Raster, error) {
	var r *jpeg2k.Raster
	switch src := img.(type) {
	case nil:
		return nil, ErrNilImage
	case *Image:
		if src == nil {
			return nil, ErrNilImage
		}
		var err error
		if r, err = src.raster(); err != nil {
			return nil, err
		}
	default:
		r = jpeg2k.RasterFromImage(img)
	}
	if w, h := e.cfg.Size(); r.Width != w || r.Height != h {
		return nil, fmt.Errorf("%w: image is %dx%d, configured for %dx%d", ErrInvalidConfig, r.Width, r.Height, w, h)
	}
	return r, nil
}

// Encode returns the encoded image
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	r, err := e.raster(img)
	if err != nil {
		e.log.Debug("jp2 encode rejected", "error", err)
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg2k.EncodeRaster(&buf, r, e.cfg.options()); err != nil {
		e.log.Debug("jp2 encode failed", "width", r.Width, "height", r.Height, "error", err)
		return nil, err
	}
	e.log.Debug("jp2 encoded",
		"width", r.Width,
		"height", r.Height,
		"components", len(r.Planes),
		"format", e.cfg.format,
		"layers", e.cfg.NumQualityLayers(),
		"bytes", buf.Len(),
	)
	return buf.Bytes(), nil
}

// EncodeFile encodes img into a new file at path. It reports false, and
// leaves no file behind, when encoding fails.
func (e *Encoder) EncodeFile(img image.Image, path string) (bool, error) {
	data, err := e.Encode(img)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return true, nil
}

// EncodeTo writes the encoded image to w and returns the bytes written.
// Nothing is written when encoding fails.
func (e *Encoder) EncodeTo(img image.Image, w io.Writer) (int64, error) {
	data, err := e.Encode(img)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	if err != nil {
		return int64(n), fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return int64(n), nil
}
