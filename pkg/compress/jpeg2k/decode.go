package jpeg2k

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
)

func init() {
	image.RegisterFormat("jp2", string(JP2Signature), Decode, DecodeConfig)
	image.RegisterFormat("j2k", "\xff\x4f\xff\x51", Decode, DecodeConfig)
}

// DecodeOptions selects a reduced resolution or quality when decoding
type DecodeOptions struct {
	SkipResolutions int // finest resolutions dropped, clamped to the coarsest
	Layers          int // quality layers decoded, 0 or more than coded means all
}

// sniffFormat identifies the container at the head of r without consuming it
func sniffFormat(r *ByteReader) (Format, error) {
	head, err := r.Peek(2)
	if err != nil {
		return 0, err
	}
	if head[0] == 0xFF && head[1] == 0x4F {
		return FormatJ2K, nil
	}
	head, err = r.Peek(len(JP2Signature))
	if err != nil || !bytes.Equal(head, JP2Signature) {
		return 0, fmt.Errorf("%w: no JP2 signature or SOC marker", ErrInvalidFormat)
	}
	return FormatJP2, nil
}

// openCodestream positions a reader at the main header, past any JP2 boxes
func openCodestream(r io.Reader) (*CodestreamReader, Format, *JP2Info, error) {
	br := NewByteReader(r)
	format, err := sniffFormat(br)
	if err != nil {
		return nil, 0, nil, err
	}
	var info *JP2Info
	if format == FormatJP2 {
		if info, err = ReadJP2Boxes(br); err != nil {
			return nil, 0, nil, err
		}
	}
	return &CodestreamReader{r: br}, format, info, nil
}

// readTileData returns the packet bytes of the single tile-part. A short
// stream yields what is present, which still decodes the leading packets.
func readTileData(cs *CodestreamReader) ([]byte, error) {
	sot, err := cs.ReadSOT()
	if err != nil {
		return nil, err
	}
	if sot.TileIndex != 0 || sot.TilePartIdx != 0 || sot.NumTileParts > 1 {
		return nil, fmt.Errorf("%w: tile %d part %d of %d", ErrUnsupportedCodec, sot.TileIndex, sot.TilePartIdx, sot.NumTileParts)
	}
	hdr, err := cs.ReadTilePartHeader()
	if err != nil {
		return nil, err
	}
	br := cs.Reader()
	if sot.TilePartLen == 0 {
		// the tile-part runs to EOC
		data, err := br.ReadAll()
		if err != nil {
			return nil, err
		}
		if n := len(data); n >= 2 && data[n-2] == 0xFF && data[n-1] == 0xD9 {
			data = data[:n-2]
		}
		return data, nil
	}
	n := int64(sot.TilePartLen) - 12 - int64(hdr)
	if n < 0 {
		return nil, fmt.Errorf("%w: Psot %d shorter than its header", ErrInvalidSOT, sot.TilePartLen)
	}
	return br.ReadUpTo(n)
}

// DecodeRaster decodes a JP2 file or J2K codestream into 8-bit planes
func DecodeRaster(r io.Reader, opts *DecodeOptions) (*Raster, error) {
	if opts == nil {
		opts = &DecodeOptions{}
	}
	cs, _, _, err := openCodestream(r)
	if err != nil {
		return nil, err
	}
	if err := cs.ReadMainHeader(); err != nil {
		return nil, err
	}
	data, err := readTileData(cs)
	if err != nil {
		return nil, err
	}
	tile, err := decodeTile(cs, data, opts.SkipResolutions, opts.Layers)
	if err != nil {
		return nil, err
	}
	return tile.raster(), nil
}

// raster narrows decoded samples to 8 bits
func (t *decodedTile) raster() *Raster {
	out := &Raster{Width: t.width, Height: t.height, Planes: make([][]uint8, len(t.planes))}
	for c, src := range t.planes {
		prec := t.precision[c]
		dst := make([]uint8, len(src))
		for i, v := range src {
			switch {
			case prec == 8:
				dst[i] = uint8(v)
			case prec > 8:
				dst[i] = uint8(v >> (prec - 8))
			default:
				dst[i] = uint8(v * 255 / (1<<prec - 1))
			}
		}
		out.Planes[c] = dst
	}
	return out
}

// Decode reads a JPEG 2000 image at full resolution and quality
func Decode(r io.Reader) (image.Image, error) {
	raster, err := DecodeRaster(r, nil)
	if err != nil {
		return nil, err
	}
	return raster.Image(), nil
}

// DecodeConfig returns the dimensions and colour model without decoding
func DecodeConfig(r io.Reader) (image.Config, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return image.Config{}, err
	}
	cfg := image.Config{Width: h.Width, Height: h.Height, ColorModel: color.NRGBAModel}
	switch h.NumComponents {
	case 1:
		cfg.ColorModel = color.GrayModel
	case 3:
		cfg.ColorModel = color.RGBAModel
	}
	return cfg, nil
}
