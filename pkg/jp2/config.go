package jp2

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/jpfielding/jp2.go/pkg/compress/jpeg2k"
)

// EncoderConfigBuilder collects encoder settings. Each With method validates
// its own input and records any error; Build reports all of them at once.
//
// Example:
//
//	cfg, err := jp2.NewEncoderConfig().
//		WithNumResolutions(4).
//		WithVisualQualities(30, 40).
//		Build(640, 512)
type EncoderConfigBuilder struct {
	numResolutions int
	ratios         []float64
	qualities      []float64
	format         OutputFormat
	progression    Progression
	comment        string
	xmp            []byte
	errs           []error
}

// NewEncoderConfig starts from the defaults: six resolutions (fewer for small
// images), one lossless layer, JP2 output and LRCP progression.
func NewEncoderConfig() *EncoderConfigBuilder {
	return &EncoderConfigBuilder{
		format:      FormatJP2,
		progression: ProgressionLRCP,
		errs:        make([]error, 0),
	}
}

// WithNumResolutions sets the resolution count, decomposition levels + 1.
// The upper bound depends on the image and is checked by Build.
func (b *EncoderConfigBuilder) WithNumResolutions(n int) *EncoderConfigBuilder {
	if n < 1 {
		b.errs = append(b.errs, fmt.Errorf("resolutions %d: at least 1 required", n))
		return b
	}
	b.numResolutions = n
	return b
}

// WithCompressionRatios sets one quality layer per ratio, measured against
// the raw 8-bit image size. 1 is lossless. Calling it without values clears
// the ratios.
func (b *EncoderConfigBuilder) WithCompressionRatios(ratios ...float64) *EncoderConfigBuilder {
	if len(ratios) == 0 {
		b.ratios = nil
		return b
	}
	for _, r := range ratios {
		if math.IsNaN(r) || math.IsInf(r, 0) || r < 1 {
			b.errs = append(b.errs, fmt.Errorf("%w: compression ratio %v must be at least 1", jpeg2k.ErrInvalidTarget, r))
			return b
		}
	}
	if b.qualities != nil {
		b.errs = append(b.errs, fmt.Errorf("compression ratios and visual qualities: %w", jpeg2k.ErrConflictingTargets))
		return b
	}
	b.ratios = slices.Clone(ratios)
	return b
}

// WithVisualQualities sets one quality layer per PSNR target in dB. 0 is
// lossless. Calling it without values clears the qualities.
func (b *EncoderConfigBuilder) WithVisualQualities(psnr ...float64) *EncoderConfigBuilder {
	if len(psnr) == 0 {
		b.qualities = nil
		return b
	}
	for _, q := range psnr {
		if math.IsNaN(q) || math.IsInf(q, 0) || q < 0 {
			b.errs = append(b.errs, fmt.Errorf("%w: visual quality %v must not be negative", jpeg2k.ErrInvalidTarget, q))
			return b
		}
	}
	if b.ratios != nil {
		b.errs = append(b.errs, fmt.Errorf("visual qualities and compression ratios: %w", jpeg2k.ErrConflictingTargets))
		return b
	}
	b.qualities = slices.Clone(psnr)
	return b
}

// WithOutputFormat selects JP2 or J2K output
func (b *EncoderConfigBuilder) WithOutputFormat(f OutputFormat) *EncoderConfigBuilder {
	if f != FormatJP2 && f != FormatJ2K {
		b.errs = append(b.errs, fmt.Errorf("output format %d: unknown", f))
		return b
	}
	b.format = f
	return b
}

// WithProgression selects the packet order
func (b *EncoderConfigBuilder) WithProgression(p Progression) *EncoderConfigBuilder {
	if p > ProgressionCPRL {
		b.errs = append(b.errs, fmt.Errorf("progression %d: unknown", p))
		return b
	}
	b.progression = p
	return b
}

// WithComment stores a Latin-1 comment in a COM marker
func (b *EncoderConfigBuilder) WithComment(s string) *EncoderConfigBuilder {
	b.comment = s
	return b
}

// WithXMP stores an XMP packet in a uuid box. J2K output has no boxes and
// drops it.
func (b *EncoderConfigBuilder) WithXMP(xmp []byte) *EncoderConfigBuilder {
	b.xmp = slices.Clone(xmp)
	return b
}

// HasErrors returns true if any With call was rejected
func (b *EncoderConfigBuilder) HasErrors() bool {
	return len(b.errs) > 0
}

// Errors returns the rejected settings
func (b *EncoderConfigBuilder) Errors() []error {
	return b.errs
}

// Build validates the settings for a width x height image and returns the
// resulting configuration.
func (b *EncoderConfigBuilder) Build(width, height int) (EncoderConfig, error) {
	errs := slices.Clone(b.errs)
	limit := jpeg2k.MaxResolutions(width, height)
	if width < 1 || height < 1 {
		errs = append(errs, fmt.Errorf("image %dx%d: %w", width, height, jpeg2k.ErrInvalidDimension))
	}
	resolutions := b.numResolutions
	switch {
	case limit < 1:
	case resolutions == 0:
		resolutions = min(jpeg2k.DefaultResolutions, limit)
	case resolutions > limit:
		errs = append(errs, fmt.Errorf("resolutions %d: between 1 and %d for %dx%d", resolutions, limit, width, height))
	}
	plan, err := jpeg2k.NormalizeTargets(b.ratios, b.qualities)
	if err != nil && len(b.errs) == 0 {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return EncoderConfig{}, fmt.Errorf("%w: encoder config has %d error(s): %w", ErrInvalidConfig, len(errs), errors.Join(errs...))
	}

	cfg := EncoderConfig{
		width:          width,
		height:         height,
		numResolutions: resolutions,
		format:         b.format,
		progression:    b.progression,
		comment:        b.comment,
		xmp:            slices.Clone(b.xmp),
	}
	switch plan.Mode {
	case jpeg2k.TargetRatio:
		cfg.ratios = plan.Values
	case jpeg2k.TargetPSNR:
		cfg.qualities = plan.Values
	}
	return cfg, nil
}

// EncoderConfig is a validated, immutable set of encoder settings for one
// image size. The zero value is not usable; build one with NewEncoderConfig.
type EncoderConfig struct {
	width, height  int
	numResolutions int
	ratios         []float64
	qualities      []float64
	format         OutputFormat
	progression    Progression
	comment        string
	xmp            []byte
}

// Size returns the image size the configuration was built for
func (c EncoderConfig) Size() (width, height int) { return c.width, c.height }

// NumResolutions returns the resolution count
func (c EncoderConfig) NumResolutions() int { return c.numResolutions }

// CompressionRatios returns the sorted, de-duplicated ratio targets
func (c EncoderConfig) CompressionRatios() []float64 { return slices.Clone(c.ratios) }

// VisualQualities returns the sorted, de-duplicated PSNR targets
func (c EncoderConfig) VisualQualities() []float64 { return slices.Clone(c.qualities) }

// NumQualityLayers returns the number of layers the encoder will write
func (c EncoderConfig) NumQualityLayers() int {
	return max(1, len(c.ratios), len(c.qualities))
}

// OutputFormat returns the container
func (c EncoderConfig) OutputFormat() OutputFormat { return c.format }

// Progression returns the packet order
func (c EncoderConfig) Progression() Progression { return c.progression }

// options maps the configuration onto the core encoder options
func (c EncoderConfig) options() *jpeg2k.Options {
	return &jpeg2k.Options{
		NumResolutions: c.numResolutions,
		Ratios:         slices.Clone(c.ratios),
		Qualities:      slices.Clone(c.qualities),
		Progression:    c.progression,
		Format:         c.format,
		Comment:        c.comment,
		XMP:            c.xmp,
	}
}

// DecoderConfigBuilder collects decoder settings
type DecoderConfigBuilder struct {
	skip   int
	layers int
	errs   []error
}

// NewDecoderConfig starts from a full-resolution, all-layers decode
func NewDecoderConfig() *DecoderConfigBuilder {
	return &DecoderConfigBuilder{errs: make([]error, 0)}
}

// WithSkipResolutions drops the n finest resolutions, halving the size n
// times. A count beyond what the image has decodes the coarsest resolution.
func (b *DecoderConfigBuilder) WithSkipResolutions(n int) *DecoderConfigBuilder {
	if n < 0 {
		b.errs = append(b.errs, fmt.Errorf("skip resolutions %d: must not be negative", n))
		return b
	}
	b.skip = n
	return b
}

// WithLayersToDecode limits decoding to the first n quality layers. 0, or
// more layers than coded, decodes them all.
func (b *DecoderConfigBuilder) WithLayersToDecode(n int) *DecoderConfigBuilder {
	if n < 0 {
		b.errs = append(b.errs, fmt.Errorf("layers to decode %d: must not be negative", n))
		return b
	}
	b.layers = n
	return b
}

// Build returns the decoder configuration
func (b *DecoderConfigBuilder) Build() (DecoderConfig, error) {
	if len(b.errs) > 0 {
		return DecoderConfig{}, fmt.Errorf("%w: decoder config has %d error(s): %w", ErrInvalidConfig, len(b.errs), errors.Join(b.errs...))
	}
	return DecoderConfig{skip: b.skip, layers: b.layers}, nil
}

// DecoderConfig is an immutable set of decoder settings. The zero value
// decodes everything.
type DecoderConfig struct {
	skip   int
	layers int
}

// SkipResolutions returns the number of finest resolutions dropped
func (c DecoderConfig) SkipResolutions() int { return c.skip }

// LayersToDecode returns the layer limit, 0 for all
func (c DecoderConfig) LayersToDecode() int { return c.layers }
