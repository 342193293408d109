// Package jp2 is the application-facing JPEG 2000 codec. It wraps the core
// in pkg/compress/jpeg2k with immutable encoder and decoder configurations,
// packed ARGB images and header-only inspection.
//
// Configuration mistakes are reported when a configuration is built. Bad
// input data never panics: decoding returns a nil image and an error that
// is either ErrNoData or ErrMalformed.
//
//	cfg, err := jp2.NewEncoderConfig().
//		WithCompressionRatios(50, 20, 10).
//		WithOutputFormat(jp2.FormatJP2).
//		Build(img.Bounds().Dx(), img.Bounds().Dy())
//	if err != nil {
//		return err
//	}
//	data, err := jp2.NewEncoder(cfg).Encode(img)
package jp2

import (
	"errors"

	"github.com/jpfielding/jp2.go/pkg/compress/jpeg2k"
)

// Common errors
var (
	ErrInvalidConfig = errors.New("invalid JPEG 2000 configuration")
	ErrNoData        = errors.New("no JPEG 2000 data")
	ErrMalformed     = errors.New("malformed JPEG 2000 data")
	ErrWrite         = errors.New("JPEG 2000 write failed")
	ErrNilImage      = errors.New("nil image")
)

// OutputFormat selects the JP2 file format or a bare J2K codestream
type OutputFormat = jpeg2k.Format

const (
	FormatJP2 = jpeg2k.FormatJP2
	FormatJ2K = jpeg2k.FormatJ2K
)

// Progression is the packet order of the codestream
type Progression = jpeg2k.ProgressionOrder

const (
	ProgressionLRCP = jpeg2k.ProgressionLRCP
	ProgressionRLCP = jpeg2k.ProgressionRLCP
	ProgressionRPCL = jpeg2k.ProgressionRPCL
	ProgressionPCRL = jpeg2k.ProgressionPCRL
	ProgressionCPRL = jpeg2k.ProgressionCPRL
)

// Header describes a JPEG 2000 image without decoding it
type Header = jpeg2k.Header

// IsJPEG2000 reports whether b starts with a JP2 signature or a J2K
// codestream. nil, empty and short input is not JPEG 2000.
func IsJPEG2000(b []byte) bool {
	return jpeg2k.IsJPEG2000(b)
}
