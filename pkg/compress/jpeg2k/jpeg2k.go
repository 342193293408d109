// Package jpeg2k implements JPEG 2000 (Part-1) encoding and decoding of
// single-tile, single-precinct codestreams as specified in ITU-T Rec. T.800 |
// ISO/IEC 15444-1, with optional JP2 file wrapping.
//
// Lossless streams use the reversible 5/3 wavelet and RCT. Lossy streams use
// the irreversible 9/7 wavelet and ICT, with quality layers sized by
// compression ratio or PSNR targets.
package jpeg2k

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
)

// Common errors
var (
	ErrInvalidFormat    = errors.New("invalid JPEG 2000 format")
	ErrUnsupportedImage = errors.New("unsupported image type")
)

// Format selects the container written by the encoder
type Format int

const (
	FormatJP2 Format = iota // JP2 boxes around the codestream
	FormatJ2K               // bare codestream
)

// String returns the format name
func (f Format) String() string {
	switch f {
	case FormatJP2:
		return "JP2"
	case FormatJ2K:
		return "J2K"
	default:
		return "Unknown"
	}
}

// DefaultResolutions is the resolution count used when none is configured
const DefaultResolutions = 6

// Options configures JPEG 2000 encoding
type Options struct {
	NumResolutions int              // Resolution levels, decomposition levels + 1 (0: default, clamped to the image)
	Ratios         []float64        // Compression ratio per layer, 1 is lossless
	Qualities      []float64        // PSNR per layer in dB, 0 is lossless
	Progression    ProgressionOrder // Progression order (default: LRCP)
	Format         Format           // Container (default: JP2)
	Comment        string           // Latin-1 COM marker, omitted when empty
	XMP            []byte           // XMP uuid box payload, JP2 only
}

// DefaultOptions returns default encoding options. NumResolutions stays 0 so
// the default count is clamped to each image.
func DefaultOptions() *Options {
	return &Options{
		Progression: ProgressionLRCP,
		Format:      FormatJP2,
	}
}

// resolutionsFor resolves the configured resolution count for an image
func (o *Options) resolutionsFor(width, height int) (int, error) {
	limit := MaxResolutions(width, height)
	switch {
	case o.NumResolutions == 0:
		return min(DefaultResolutions, limit), nil
	case o.NumResolutions < 0 || o.NumResolutions > limit:
		return 0, fmt.Errorf("%w: %d resolutions for %dx%d (max %d)", ErrInvalidDimension, o.NumResolutions, width, height, limit)
	}
	return o.NumResolutions, nil
}

// Raster is an 8-bit planar image: one plane for grey, two for grey and
// alpha, three for RGB and four for RGBA.
type Raster struct {
	Width, Height int
	Planes        [][]uint8
}

// HasAlpha reports whether the last plane is opacity
func (r *Raster) HasAlpha() bool {
	return len(r.Planes) == 2 || len(r.Planes) == 4
}

func (r *Raster) validate() error {
	if r.Width < 1 || r.Height < 1 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimension, r.Width, r.Height)
	}
	if n := len(r.Planes); n < 1 || n > 4 {
		return fmt.Errorf("%w: %d planes", ErrUnsupportedImage, n)
	}
	for i, p := range r.Planes {
		if len(p) != r.Width*r.Height {
			return fmt.Errorf("%w: plane %d holds %d samples for %dx%d", ErrUnsupportedImage, i, len(p), r.Width, r.Height)
		}
	}
	return nil
}

// RasterFromImage splits an image into planes. Images whose pixels are all
// neutral become grey, and any translucent pixel adds an alpha plane.
func RasterFromImage(img image.Image) *Raster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	n := w * h
	r, g, bl, a := make([]uint8, n), make([]uint8, n), make([]uint8, n), make([]uint8, n)
	grey, opaque := true, true
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		switch src := img.(type) {
		case *image.Gray:
			row := src.Pix[src.PixOffset(b.Min.X, y):][:w]
			copy(r[i:], row)
			copy(g[i:], row)
			copy(bl[i:], row)
			for x := range row {
				a[i+x] = 0xFF
			}
			i += w
			continue
		case *image.NRGBA:
			row := src.Pix[src.PixOffset(b.Min.X, y):][:4*w]
			for x := 0; x < w; x++ {
				r[i], g[i], bl[i], a[i] = row[4*x], row[4*x+1], row[4*x+2], row[4*x+3]
				i++
			}
		default:
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				r[i], g[i], bl[i], a[i] = c.R, c.G, c.B, c.A
				i++
			}
		}
		for j := i - w; j < i; j++ {
			grey = grey && r[j] == g[j] && g[j] == bl[j]
			opaque = opaque && a[j] == 0xFF
		}
	}
	out := &Raster{Width: w, Height: h}
	if grey {
		out.Planes = [][]uint8{r}
	} else {
		out.Planes = [][]uint8{r, g, bl}
	}
	if !opaque {
		out.Planes = append(out.Planes, a)
	}
	return out
}

// Image converts the raster to Gray, RGBA (opaque colour) or NRGBA
func (r *Raster) Image() image.Image {
	rect := image.Rect(0, 0, r.Width, r.Height)
	switch len(r.Planes) {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, r.Planes[0])
		return img
	case 3:
		img := image.NewRGBA(rect)
		for i := range r.Planes[0] {
			img.Pix[4*i+0] = r.Planes[0][i]
			img.Pix[4*i+1] = r.Planes[1][i]
			img.Pix[4*i+2] = r.Planes[2][i]
			img.Pix[4*i+3] = 0xFF
		}
		return img
	}
	img := image.NewNRGBA(rect)
	alpha := r.Planes[len(r.Planes)-1]
	for i, av := range alpha {
		if len(r.Planes) == 2 {
			v := r.Planes[0][i]
			img.Pix[4*i+0], img.Pix[4*i+1], img.Pix[4*i+2] = v, v, v
		} else {
			img.Pix[4*i+0] = r.Planes[0][i]
			img.Pix[4*i+1] = r.Planes[1][i]
			img.Pix[4*i+2] = r.Planes[2][i]
		}
		img.Pix[4*i+3] = av
	}
	return img
}

// Encode writes an image to JPEG 2000 format
func Encode(w io.Writer, img image.Image, opts *Options) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrUnsupportedImage)
	}
	return EncodeRaster(w, RasterFromImage(img), opts)
}

// EncodeRaster writes planar 8-bit samples to JPEG 2000 format
func EncodeRaster(w io.Writer, r *Raster, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := r.validate(); err != nil {
		return err
	}
	plan, err := NormalizeTargets(opts.Ratios, opts.Qualities)
	if err != nil {
		return err
	}
	resolutions, err := opts.resolutionsFor(r.Width, r.Height)
	if err != nil {
		return err
	}
	if opts.Progression > ProgressionCPRL {
		return fmt.Errorf("%w: progression %d", ErrUnsupportedCodec, opts.Progression)
	}
	numComps := len(r.Planes)
	p := &tileParams{
		width:     r.Width,
		height:    r.Height,
		numComps:  numComps,
		precision: make([]int, numComps),
		levels:    resolutions - 1,
		transform: TransformIrreversible97,
		mct:       numComps >= 3,
		cbw:       64,
		cbh:       64,
	}
	if plan.Reversible() {
		p.transform = TransformReversible53
	}
	for c := range p.precision {
		p.precision[c] = 8
	}
	if err := p.check(); err != nil {
		return err
	}

	siz := BuildSIZ(r.Width, r.Height, numComps, 8)
	cod := BuildCOD(p.levels, plan.NumLayers(), opts.Progression, p.mct, p.transform)
	var com *COMMarker
	if opts.Comment != "" {
		com = &COMMarker{Registration: CommentLatin1, Data: []byte(opts.Comment)}
	}
	info := jp2Info(r, opts)

	// overhead is charged against ratio budgets, the QCD size does not
	// depend on its final guard bits
	var overhead bytes.Buffer
	if err := writeCodestream(&overhead, siz, cod, p.quantization(), com, nil); err != nil {
		return err
	}
	if opts.Format == FormatJP2 {
		if err := WriteJP2(&overhead, info, nil); err != nil {
			return err
		}
	}

	planes := make([][]int32, numComps)
	for c, src := range r.Planes {
		plane := make([]int32, len(src))
		for i, v := range src {
			plane[i] = int32(v)
		}
		planes[c] = plane
	}
	tile, err := encodeTile(planes, p, plan, opts.Progression, overhead.Len())
	if err != nil {
		return err
	}

	if opts.Format == FormatJ2K {
		return writeCodestream(w, siz, cod, tile.qcd, com, tile.data)
	}
	var cs bytes.Buffer
	cs.Grow(len(tile.data) + 256)
	if err := writeCodestream(&cs, siz, cod, tile.qcd, com, tile.data); err != nil {
		return err
	}
	return WriteJP2(w, info, cs.Bytes())
}

func jp2Info(r *Raster, opts *Options) *JP2Info {
	info := &JP2Info{
		Width:       r.Width,
		Height:      r.Height,
		NumComps:    len(r.Planes),
		BitDepth:    8,
		ColourSpace: ColourSpaceSRGB,
	}
	if len(r.Planes) < 3 {
		info.ColourSpace = ColourSpaceGreyscale
	}
	if r.HasAlpha() {
		info.Channels = defaultChannels(len(r.Planes))
	}
	if len(opts.XMP) > 0 {
		info.UUIDs = append(info.UUIDs, UUIDBox{ID: XMPUUID, Data: opts.XMP})
	}
	return info
}

// writeCodestream writes a single-tile codestream around the packet data
func writeCodestream(w io.Writer, siz *SIZMarker, cod *CODMarker, qcd *QCDMarker, com *COMMarker, data []byte) error {
	cw := NewCodestreamWriter(w)
	steps := []func() error{
		cw.WriteSOC,
		func() error { return cw.WriteSIZ(siz) },
		func() error { return cw.WriteCOD(cod) },
		func() error { return cw.WriteQCD(qcd) },
		func() error {
			if com == nil {
				return nil
			}
			return cw.WriteCOM(com)
		},
		func() error {
			// Psot counts SOT, SOD and the packets
			return cw.WriteSOT(&SOTMarker{TilePartLen: uint32(12 + 2 + len(data)), NumTileParts: 1})
		},
		cw.WriteSOD,
		func() error { return cw.WriteBytes(data) },
		cw.WriteEOC,
		cw.Flush,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
