package jpeg2k

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRaster builds a smooth pattern with a little noise, one plane per
// component; the last of 2 or 4 planes is a soft alpha ramp.
func testRaster(w, h, planes int, seed uint64) *Raster {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	r := &Raster{Width: w, Height: h, Planes: make([][]uint8, planes)}
	for c := range r.Planes {
		p := make([]uint8, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := 128 + 90*math.Sin(float64(x+c*7)/9)*math.Cos(float64(y-c*3)/13)
				v += float64(rng.IntN(9)) - 4
				p[y*w+x] = uint8(min(max(v, 0), 255))
			}
		}
		r.Planes[c] = p
	}
	if planes == 2 || planes == 4 {
		alpha := r.Planes[planes-1]
		for i := range alpha {
			alpha[i] = uint8(255 - (i*255)/(w*h))
		}
	}
	return r
}

func psnr(t *testing.T, want, got *Raster) float64 {
	t.Helper()
	require.Equal(t, want.Width, got.Width)
	require.Equal(t, want.Height, got.Height)
	require.Len(t, got.Planes, len(want.Planes))
	sum, n := 0.0, 0
	for c := range want.Planes {
		for i, v := range want.Planes[c] {
			d := float64(v) - float64(got.Planes[c][i])
			sum += d * d
			n++
		}
	}
	if sum == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(255*255/(sum/float64(n)))
}

func encodeRaster(t *testing.T, r *Raster, opts *Options) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeRaster(&buf, r, opts))
	return buf.Bytes()
}

func decodeRaster(t *testing.T, data []byte, opts *DecodeOptions) *Raster {
	t.Helper()
	out, err := DecodeRaster(bytes.NewReader(data), opts)
	require.NoError(t, err)
	return out
}

func TestRoundTrip_Lossless(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		planes int
		format Format
	}{
		{"grey 1x1", 1, 1, 1, FormatJ2K},
		{"grey 64x64", 64, 64, 1, FormatJP2},
		{"grey odd 17x9", 17, 9, 1, FormatJ2K},
		{"grey alpha 40x33", 40, 33, 2, FormatJP2},
		{"rgb 100x37", 100, 37, 3, FormatJ2K},
		{"rgb 130x70 spans code-blocks", 130, 70, 3, FormatJP2},
		{"rgba 31x47", 31, 47, 4, FormatJP2},
		{"rgb column 1x50", 1, 50, 3, FormatJ2K},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testRaster(tt.w, tt.h, tt.planes, 1)
			opts := DefaultOptions()
			opts.NumResolutions = 0
			opts.Format = tt.format
			data := encodeRaster(t, src, opts)
			assert.True(t, IsJPEG2000(data))

			got := decodeRaster(t, data, nil)
			assert.Equal(t, src, got)
		})
	}
}

func TestRoundTrip_ResolutionCounts(t *testing.T) {
	src := testRaster(33, 20, 3, 2)
	for n := 1; n <= MaxResolutions(33, 20); n++ {
		opts := DefaultOptions()
		opts.NumResolutions = n
		got := decodeRaster(t, encodeRaster(t, src, opts), nil)
		assert.Equal(t, src, got, "%d resolutions", n)
	}
}

func TestRoundTrip_Progressions(t *testing.T) {
	src := testRaster(96, 80, 3, 3)
	for _, order := range []ProgressionOrder{ProgressionLRCP, ProgressionRLCP, ProgressionRPCL, ProgressionPCRL, ProgressionCPRL} {
		t.Run(order.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Progression = order
			opts.Ratios = []float64{40, 10, 1}
			data := encodeRaster(t, src, opts)

			h, err := ReadHeader(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, order, h.Progression)
			assert.Equal(t, 3, h.NumQualityLayers)
			assert.True(t, h.Reversible)

			assert.Equal(t, src, decodeRaster(t, data, nil))
			first := decodeRaster(t, data, &DecodeOptions{Layers: 1})
			assert.Less(t, psnr(t, src, first), math.Inf(1), "the first layer is lossy")
		})
	}
}

func TestEncode_RatioLayers(t *testing.T) {
	src := testRaster(128, 128, 3, 4)
	opts := DefaultOptions()
	opts.Ratios = []float64{10, 50, 20}
	data := encodeRaster(t, src, opts)

	raw := 128 * 128 * 3
	assert.LessOrEqual(t, len(data), raw/10, "the last layer holds the finest ratio")

	h, err := ReadHeader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3, h.NumQualityLayers)
	assert.False(t, h.Reversible)

	prev := 0.0
	for layers := 1; layers <= 3; layers++ {
		q := psnr(t, src, decodeRaster(t, data, &DecodeOptions{Layers: layers}))
		assert.GreaterOrEqual(t, q, prev-0.1, "%d layers", layers)
		prev = q
	}
	assert.Greater(t, prev, 25.0)
}

func TestEncode_QualityLayers(t *testing.T) {
	src := testRaster(96, 80, 1, 5)
	opts := DefaultOptions()
	opts.Qualities = []float64{40, 30}
	data := encodeRaster(t, src, opts)

	h, err := ReadHeader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, h.NumQualityLayers)

	low := psnr(t, src, decodeRaster(t, data, &DecodeOptions{Layers: 1}))
	high := psnr(t, src, decodeRaster(t, data, nil))
	assert.Greater(t, low, 28.5)
	assert.Greater(t, high, 38.5)
	assert.GreaterOrEqual(t, high, low)
}

func TestEncode_QualityLayersReachTargets(t *testing.T) {
	tests := []struct {
		name      string
		planes    int
		qualities []float64
	}{
		{"rgb with lossless layer", 3, []float64{40, 30, 0}},
		{"grey lossy", 1, []float64{25, 32}},
		{"rgba lossy", 4, []float64{30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testRaster(96, 80, tt.planes, 11)
			opts := DefaultOptions()
			opts.Qualities = tt.qualities
			data := encodeRaster(t, src, opts)
			plan, err := NormalizeTargets(nil, tt.qualities)
			require.NoError(t, err)
			for k, target := range plan.Values {
				got := psnr(t, src, decodeRaster(t, data, &DecodeOptions{Layers: k + 1}))
				if target == 0 {
					assert.True(t, math.IsInf(got, 1), "layer %d is lossless", k)
					continue
				}
				assert.GreaterOrEqual(t, got, target-0.05, "layer %d", k)
			}
		})
	}
}

func TestEncode_LosslessQualityIsExact(t *testing.T) {
	src := testRaster(40, 40, 3, 6)
	opts := DefaultOptions()
	opts.Qualities = []float64{35, 0}
	data := encodeRaster(t, src, opts)
	assert.Equal(t, src, decodeRaster(t, data, nil))
}

func TestDecode_SkipResolutions(t *testing.T) {
	src := testRaster(640, 512, 1, 7)
	data := encodeRaster(t, src, DefaultOptions())

	tests := []struct {
		skip         int
		wantW, wantH int
	}{
		{0, 640, 512},
		{1, 320, 256},
		{5, 20, 16},
		{9, 20, 16}, // clamped to the coarsest resolution
	}
	for _, tt := range tests {
		got := decodeRaster(t, data, &DecodeOptions{SkipResolutions: tt.skip})
		assert.Equal(t, tt.wantW, got.Width, "skip %d", tt.skip)
		assert.Equal(t, tt.wantH, got.Height, "skip %d", tt.skip)
		assert.Len(t, got.Planes, 1)
		assert.Len(t, got.Planes[0], tt.wantW*tt.wantH)
	}
}

func TestDecode_SkipResolutionsFlatColour(t *testing.T) {
	src := &Raster{Width: 64, Height: 48, Planes: [][]uint8{make([]uint8, 64*48), make([]uint8, 64*48), make([]uint8, 64*48)}}
	for i := range src.Planes[0] {
		src.Planes[0][i], src.Planes[1][i], src.Planes[2][i] = 200, 30, 90
	}
	got := decodeRaster(t, encodeRaster(t, src, nil), &DecodeOptions{SkipResolutions: 2})
	require.Equal(t, 16, got.Width)
	require.Equal(t, 12, got.Height)
	for i := range got.Planes[0] {
		require.Equal(t, []uint8{200, 30, 90}, []uint8{got.Planes[0][i], got.Planes[1][i], got.Planes[2][i]})
	}
}

func TestDecode_LayersBeyondCodedMeansAll(t *testing.T) {
	src := testRaster(32, 32, 1, 8)
	opts := DefaultOptions()
	opts.Ratios = []float64{8, 1}
	data := encodeRaster(t, src, opts)
	assert.Equal(t, src, decodeRaster(t, data, &DecodeOptions{Layers: 7}))
	assert.Equal(t, src, decodeRaster(t, data, &DecodeOptions{Layers: 0}))
}

func TestEncode_Errors(t *testing.T) {
	grey := testRaster(16, 16, 1, 9)
	tests := []struct {
		name    string
		raster  *Raster
		opts    *Options
		wantErr error
	}{
		{"empty raster", &Raster{}, nil, ErrInvalidDimension},
		{"five planes", &Raster{Width: 1, Height: 1, Planes: [][]uint8{{1}, {1}, {1}, {1}, {1}}}, nil, ErrUnsupportedImage},
		{"short plane", &Raster{Width: 2, Height: 2, Planes: [][]uint8{{1, 2, 3}}}, nil, ErrUnsupportedImage},
		{"too many resolutions", grey, &Options{NumResolutions: 6}, ErrInvalidDimension},
		{"negative resolutions", grey, &Options{NumResolutions: -1}, ErrInvalidDimension},
		{"conflicting targets", grey, &Options{Ratios: []float64{10}, Qualities: []float64{30}}, ErrConflictingTargets},
		{"ratio below one", grey, &Options{Ratios: []float64{0.5}}, ErrInvalidTarget},
		{"negative quality", grey, &Options{Qualities: []float64{-3}}, ErrInvalidTarget},
		{"unknown progression", grey, &Options{Progression: ProgressionOrder(7)}, ErrUnsupportedCodec},
		{"wider than one precinct", &Raster{Width: 40000, Height: 1, Planes: [][]uint8{make([]uint8, 40000)}}, nil, ErrUnsupportedCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRaster(&buf, tt.raster, tt.opts)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.ErrorIs(t, Encode(&bytes.Buffer{}, nil, nil), ErrUnsupportedImage)
}

func TestRasterFromImage(t *testing.T) {
	rect := image.Rect(0, 0, 4, 3)
	greyRGBA := image.NewRGBA(rect)
	colourRGBA := image.NewRGBA(rect)
	greyNRGBA := image.NewNRGBA(rect)
	colourNRGBA := image.NewNRGBA(rect)
	gray := image.NewGray(rect)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			v := uint8(x*40 + y)
			greyRGBA.Set(x, y, color.RGBA{v, v, v, 255})
			colourRGBA.Set(x, y, color.RGBA{v, 10, 200, 255})
			greyNRGBA.Set(x, y, color.NRGBA{v, v, v, uint8(100 + x)})
			colourNRGBA.Set(x, y, color.NRGBA{v, 1, 2, 3})
			gray.SetGray(x, y, color.Gray{v})
		}
	}
	colourNRGBA.Set(0, 0, color.NRGBA{9, 9, 9, 255})

	tests := []struct {
		name   string
		img    image.Image
		planes int
	}{
		{"gray", gray, 1},
		{"neutral rgba", greyRGBA, 1},
		{"colour rgba", colourRGBA, 3},
		{"neutral translucent", greyNRGBA, 2},
		{"colour translucent", colourNRGBA, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RasterFromImage(tt.img)
			assert.Equal(t, 4, r.Width)
			assert.Equal(t, 3, r.Height)
			assert.Len(t, r.Planes, tt.planes)
			assert.Equal(t, tt.planes == 2 || tt.planes == 4, r.HasAlpha())
		})
	}

	sub := gray.SubImage(image.Rect(1, 1, 3, 3)).(*image.Gray)
	r := RasterFromImage(sub)
	assert.Equal(t, []uint8{41, 81, 42, 82}, r.Planes[0])
}

func TestRaster_Image(t *testing.T) {
	tests := []struct {
		planes int
		want   color.Model
	}{
		{1, color.GrayModel},
		{2, color.NRGBAModel},
		{3, color.RGBAModel},
		{4, color.NRGBAModel},
	}
	for _, tt := range tests {
		r := testRaster(5, 4, tt.planes, 10)
		img := r.Image()
		assert.Equal(t, tt.want, img.ColorModel(), "%d planes", tt.planes)
		assert.Equal(t, image.Rect(0, 0, 5, 4), img.Bounds())
		assert.Equal(t, r, RasterFromImage(img), "%d planes", tt.planes)
	}
}

func TestEncodeDecode_Image(t *testing.T) {
	src := testRaster(24, 18, 4, 11).Image()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, src, nil))

	img, format, err := image.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jp2", format)
	assert.Equal(t, src, img)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jp2", format)
	assert.Equal(t, 24, cfg.Width)
	assert.Equal(t, 18, cfg.Height)
	assert.Equal(t, color.NRGBAModel, cfg.ColorModel)
}

func TestImageDecode_J2K(t *testing.T) {
	opts := DefaultOptions()
	opts.Format = FormatJ2K
	data := encodeRaster(t, testRaster(8, 8, 1, 12), opts)
	_, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "j2k", format)

	cfg, err := DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, color.GrayModel, cfg.ColorModel)
}

func TestReadHeader(t *testing.T) {
	src := testRaster(64, 64, 4, 13)
	opts := DefaultOptions()
	opts.NumResolutions = 4
	opts.Comment = "scanner 7"
	opts.XMP = []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/"/>`)
	data := encodeRaster(t, src, opts)

	h, err := ReadHeader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, h.Width)
	assert.Equal(t, 64, h.Height)
	assert.Equal(t, 4, h.NumComponents)
	assert.Equal(t, 8, h.BitDepth)
	assert.True(t, h.HasAlpha)
	assert.Equal(t, 4, h.NumResolutions)
	assert.Equal(t, 1, h.NumQualityLayers)
	assert.Equal(t, FormatJP2, h.Format)
	assert.Equal(t, ProgressionLRCP, h.Progression)
	assert.True(t, h.Reversible)
	assert.Equal(t, 64, h.TileWidth)
	assert.Equal(t, "scanner 7", h.Comment)
	assert.Equal(t, opts.XMP, h.XMP)
	assert.Equal(t, []uuid.UUID{XMPUUID}, h.UUIDs)

	// the boxes and main header are enough
	prefix, err := ReadHeader(bytes.NewReader(data[:400]))
	require.NoError(t, err)
	assert.Equal(t, h, prefix)
}

func TestReadHeader_J2KPrefix(t *testing.T) {
	opts := DefaultOptions()
	opts.Format = FormatJ2K
	data := encodeRaster(t, testRaster(80, 60, 3, 14), opts)
	h, err := ReadHeader(bytes.NewReader(data[:120]))
	require.NoError(t, err)
	assert.Equal(t, FormatJ2K, h.Format)
	assert.Equal(t, 80, h.Width)
	assert.Equal(t, 60, h.Height)
	assert.Equal(t, 3, h.NumComponents)
	assert.False(t, h.HasAlpha)
	assert.Equal(t, DefaultResolutions, h.NumResolutions)
	assert.Empty(t, h.UUIDs)
}

func TestIsJPEG2000(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"nil", nil, false},
		{"empty", []byte{}, false},
		{"short", []byte{0xFF}, false},
		{"signature box", JP2Signature, true},
		{"signature payload", []byte{0x0D, 0x0A, 0x87, 0x0A}, true},
		{"codestream", []byte{0xFF, 0x4F, 0xFF, 0x51}, true},
		{"soc only", []byte{0xFF, 0x4F}, false},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsJPEG2000(tt.data))
		})
	}
}

func TestDecode_InvalidInput(t *testing.T) {
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, image.NewGray(image.Rect(0, 0, 4, 4))))
	valid := encodeRaster(t, testRaster(64, 64, 3, 15), nil)
	rng := rand.New(rand.NewPCG(99, 99))
	random := make([]byte, 4096)
	for i := range random {
		random[i] = byte(rng.Uint32())
	}
	random[0] = 0x12

	tests := []struct {
		name     string
		data     []byte
		wantErr  error
		headerOK bool
	}{
		{name: "empty", data: nil, wantErr: ErrTruncated},
		{name: "one byte", data: []byte{0xFF}, wantErr: ErrTruncated},
		{name: "png", data: pngBuf.Bytes(), wantErr: ErrInvalidFormat},
		{name: "zeros", data: make([]byte, 1<<20), wantErr: ErrInvalidFormat},
		{name: "random", data: random, wantErr: ErrInvalidFormat},
		{name: "signature only", data: JP2Signature, wantErr: ErrTruncated},
		{name: "truncated packets", data: valid[:len(valid)/2], wantErr: ErrTruncated, headerOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRaster(bytes.NewReader(tt.data), nil)
			assert.ErrorIs(t, err, tt.wantErr)
			_, err = ReadHeader(bytes.NewReader(tt.data))
			if tt.headerOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFormat_String(t *testing.T) {
	assert.Equal(t, "JP2", FormatJP2.String())
	assert.Equal(t, "J2K", FormatJ2K.String())
	assert.Equal(t, "Unknown", Format(9).String())
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Zero(t, opts.NumResolutions)
	assert.Equal(t, ProgressionLRCP, opts.Progression)
	assert.Equal(t, FormatJP2, opts.Format)
	assert.Empty(t, opts.Ratios)
	assert.Empty(t, opts.Qualities)
}

func TestDefaultOptions_ClampResolutions(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		{256, 256, DefaultResolutions},
		{24, 18, 5},
		{8, 8, 4},
		{3, 40, 2},
		{1, 1, 1},
	}
	for _, tt := range tests {
		src := testRaster(tt.w, tt.h, 3, 12)
		for name, opts := range map[string]*Options{"nil": nil, "defaults": DefaultOptions()} {
			data := encodeRaster(t, src, opts)
			h, err := ReadHeader(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.NumResolutions, "%s %dx%d", name, tt.w, tt.h)
			assert.Equal(t, src, decodeRaster(t, data, nil), "%s %dx%d", name, tt.w, tt.h)
		}
	}
}

func BenchmarkEncode_RGB_256x256(b *testing.B) {
	src := testRaster(256, 256, 3, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		if err := EncodeRaster(&buf, src, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecode_RGB_256x256(b *testing.B) {
	src := testRaster(256, 256, 3, 1)
	var buf bytes.Buffer
	if err := EncodeRaster(&buf, src, nil); err != nil {
		b.Fatal(err)
	}
	data := buf.Bytes()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeRaster(bytes.NewReader(data), nil); err != nil {
			b.Fatal(err)
		}
	}
}
