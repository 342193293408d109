package jp2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jpfielding/jp2.go/pkg/compress/jpeg2k"
)

// Decoder reads JPEG 2000 images with one DecoderConfig. It may be shared
// between goroutines.
type Decoder struct {
	cfg DecoderConfig
	log *slog.Logger
}

// NewDecoder returns a decoder logging to slog.Default
func NewDecoder(cfg DecoderConfig) *Decoder {
	return &Decoder{cfg: cfg, log: slog.Default()}
}

// WithLogger returns a copy of the decoder logging to l
func (d *Decoder) WithLogger(l *slog.Logger) *Decoder {
	out := *d
	out.log = l
	return &out
}

// Config returns the decoder configuration
func (d *Decoder) Config() DecoderConfig { return d.cfg }

// Decode reads a JP2 file or J2K codestream from r. The image is nil on
// every error, which wraps ErrNoData when r is nil, empty or unreadable and
// ErrMalformed when the data is not a decodable JPEG 2000 image.
func (d *Decoder) Decode(r io.Reader) (*Image, error) {
	if r == nil {
		return nil, ErrNoData
	}
	br := bufio.NewReader(r)
	if _, err := br.Peek(1); err != nil {
		d.log.Debug("jp2 decode without data", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	return d.decode(br)
}

// DecodeBytes decodes an in-memory image
func (d *Decoder) DecodeBytes(b []byte) (*Image, error) {
	if len(b) == 0 {
		return nil, ErrNoData
	}
	if !IsJPEG2000(b) {
		d.log.Debug("jp2 decode of foreign data", "bytes", len(b))
		return nil, fmt.Errorf("%w: %w", ErrMalformed, jpeg2k.ErrInvalidFormat)
	}
	return d.decode(bytes.NewReader(b))
}

// DecodeFile decodes the image stored at path
func (d *Decoder) DecodeFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		d.log.Debug("jp2 decode cannot open file", "path", path, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	defer f.Close()
	return d.Decode(f)
}

func (d *Decoder) decode(r io.Reader) (img *Image, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Debug("jp2 decoder recovered", "panic", p)
			img, err = nil, fmt.Errorf("%w: decoder panic: %v", ErrMalformed, p)
		}
	}()
	raster, err := jpeg2k.DecodeRaster(r, &jpeg2k.DecodeOptions{
		SkipResolutions: d.cfg.skip,
		Layers:          d.cfg.layers,
	})
	if err != nil {
		d.log.Debug("jp2 decode failed", "error", err)
		return nil, classify(err)
	}
	return fromRaster(raster), nil
}

// classify maps core errors onto ErrNoData and ErrMalformed, keeping the
// cause matchable. File system failures count as no data.
func classify(err error) error {
	var pathErr *os.PathError
	switch {
	case errors.As(err, &pathErr):
		return fmt.Errorf("%w: %w", ErrNoData, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}
