package jp2

import (
	"fmt"
	"image"
	"image/color"

	"github.com/jpfielding/jp2.go/pkg/compress/jpeg2k"
)

// Image is a decoded picture as packed, non-premultiplied 0xAARRGGBB pixels
// in row-major order. HasAlpha reports whether the source carried opacity;
// without it every alpha byte is 0xFF.
type Image struct {
	Width, Height int
	HasAlpha      bool
	Pixels        []uint32
}

// ColorModel implements image.Image
func (m *Image) ColorModel() color.Model { return color.NRGBAModel }

// Bounds implements image.Image
func (m *Image) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

// At implements image.Image
func (m *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return color.NRGBA{}
	}
	return argbColor(m.Pixels[y*m.Width+x])
}

func argbColor(p uint32) color.NRGBA {
	return color.NRGBA{R: uint8(p >> 16), G: uint8(p >> 8), B: uint8(p), A: uint8(p >> 24)}
}

// ToImage copies the pixels into a standard library image: Gray when every
// pixel is opaque and neutral, RGBA when opaque, NRGBA otherwise.
func (m *Image) ToImage() image.Image {
	rect := m.Bounds()
	grey := !m.HasAlpha
	for _, p := range m.Pixels {
		if !grey {
			break
		}
		c := argbColor(p)
		grey = c.R == c.G && c.G == c.B
	}
	switch {
	case grey:
		img := image.NewGray(rect)
		for i, p := range m.Pixels {
			img.Pix[i] = uint8(p)
		}
		return img
	case !m.HasAlpha:
		img := image.NewRGBA(rect)
		for i, p := range m.Pixels {
			c := argbColor(p)
			img.Pix[4*i], img.Pix[4*i+1], img.Pix[4*i+2], img.Pix[4*i+3] = c.R, c.G, c.B, 0xFF
		}
		return img
	}
	img := image.NewNRGBA(rect)
	for i, p := range m.Pixels {
		c := argbColor(p)
		img.Pix[4*i], img.Pix[4*i+1], img.Pix[4*i+2], img.Pix[4*i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// FromImage packs any image into ARGB pixels. HasAlpha is set when at least
// one pixel is translucent. A nil image returns nil.
func FromImage(img image.Image) *Image {
	if img == nil {
		return nil
	}
	if m, ok := img.(*Image); ok {
		out := *m
		out.Pixels = append([]uint32(nil), m.Pixels...)
		return &out
	}
	return fromRaster(jpeg2k.RasterFromImage(img))
}

// fromRaster packs 1 to 4 planes into ARGB
func fromRaster(r *jpeg2k.Raster) *Image {
	out := &Image{Width: r.Width, Height: r.Height, HasAlpha: r.HasAlpha(), Pixels: make([]uint32, r.Width*r.Height)}
	colour := r.Planes
	var alpha []uint8
	if out.HasAlpha {
		colour, alpha = r.Planes[:len(r.Planes)-1], r.Planes[len(r.Planes)-1]
	}
	for i := range out.Pixels {
		a := uint32(0xFF)
		if alpha != nil {
			a = uint32(alpha[i])
		}
		var rv, gv, bv uint32
		if len(colour) == 1 {
			rv = uint32(colour[0][i])
			gv, bv = rv, rv
		} else {
			rv, gv, bv = uint32(colour[0][i]), uint32(colour[1][i]), uint32(colour[2][i])
		}
		out.Pixels[i] = a<<24 | rv<<16 | gv<<8 | bv
	}
	return out
}

// raster splits the pixels into RGB planes, plus alpha when HasAlpha
func (m *Image) raster() (*jpeg2k.Raster, error) {
	if m.Width < 1 || m.Height < 1 || len(m.Pixels) != m.Width*m.Height {
		return nil, fmt.Errorf("%w: %d pixels for %dx%d", jpeg2k.ErrUnsupportedImage, len(m.Pixels), m.Width, m.Height)
	}
	n := len(m.Pixels)
	planes := 3
	if m.HasAlpha {
		planes = 4
	}
	r := &jpeg2k.Raster{Width: m.Width, Height: m.Height, Planes: make([][]uint8, planes)}
	for c := range r.Planes {
		r.Planes[c] = make([]uint8, n)
	}
	for i, p := range m.Pixels {
		r.Planes[0][i] = uint8(p >> 16)
		r.Planes[1][i] = uint8(p >> 8)
		r.Planes[2][i] = uint8(p)
		if m.HasAlpha {
			r.Planes[3][i] = uint8(p >> 24)
		}
	}
	return r, nil
}
