package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jpfielding/jp2.go/pkg/jp2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int, shade uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 9), G: shade, B: uint8(y * 5), A: 0xFF})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestRun(t *testing.T) {
	in := t.TempDir()
	a := filepath.Join(in, "a.png")
	b := filepath.Join(in, "b.png")
	c := filepath.Join(in, "c.png")
	junk := filepath.Join(in, "junk.png")
	writePNG(t, a, 20, 14, 10)
	writePNG(t, b, 33, 8, 200)
	data, err := os.ReadFile(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c, data, 0o644))
	require.NoError(t, os.WriteFile(junk, []byte("not an image"), 0o644))

	out := filepath.Join(t.TempDir(), "out")
	results, err := Run(context.Background(), []string{a, b, c, junk}, Config{
		OutDir:   out,
		Workers:  1,
		Settings: Settings{Resolutions: 3},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	// a and c share content, whichever ran first was encoded
	encoded, dup := results[0], results[2]
	if encoded.DuplicateOf != "" {
		encoded, dup = dup, encoded
	}
	assert.NoError(t, encoded.Err)
	assert.Empty(t, encoded.DuplicateOf)
	assert.Equal(t, encoded.Input, dup.DuplicateOf)
	assert.Empty(t, dup.Output)
	assert.Equal(t, encoded.Hash, dup.Hash)
	stem := strings.TrimSuffix(filepath.Base(encoded.Input), ".png")
	assert.Equal(t, filepath.Join(out, stem+".jp2"), encoded.Output)
	assert.Equal(t, filepath.Join(out, "b.jp2"), results[1].Output)
	assert.Error(t, results[3].Err)

	for _, r := range []Result{encoded, results[1]} {
		h, err := jp2.ReadHeaderFile(r.Output)
		require.NoError(t, err)
		assert.Equal(t, 3, h.NumResolutions)
		img, err := jp2.NewDecoder(jp2.DecoderConfig{}).DecodeFile(r.Output)
		require.NoError(t, err)
		assert.Positive(t, r.Bytes)
		assert.False(t, img.HasAlpha)
	}
}

func TestRun_ContentAddressedJ2K(t *testing.T) {
	in := t.TempDir()
	src := filepath.Join(in, "scan.png")
	writePNG(t, src, 16, 16, 77)

	out := t.TempDir()
	results, err := Run(context.Background(), []string{src}, Config{
		OutDir:           out,
		Workers:          4,
		ContentAddressed: true,
		Settings:         Settings{Format: jp2.FormatJ2K, Qualities: []float64{35}},
	})
	require.NoError(t, err)
	name := filepath.Base(results[0].Output)
	assert.True(t, strings.HasPrefix(name, "scan."), name)
	assert.True(t, strings.HasSuffix(name, ".j2k"), name)
	assert.Len(t, name, len("scan.")+12+len(".j2k"))

	data, err := os.ReadFile(results[0].Output)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x4F, 0xFF, 0x51}, data[:4])
}

func TestRun_Failures(t *testing.T) {
	_, err := Run(context.Background(), nil, Config{OutDir: t.TempDir()})
	assert.Error(t, err)

	results, err := Run(context.Background(), []string{filepath.Join(t.TempDir(), "absent.png")}, Config{OutDir: t.TempDir()})
	assert.Error(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, os.ErrNotExist)

	src := filepath.Join(t.TempDir(), "x.png")
	writePNG(t, src, 4, 4, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err = Run(ctx, []string{src}, Config{OutDir: t.TempDir()})
	assert.Error(t, err)
	assert.ErrorIs(t, results[0].Err, context.Canceled)

	// a bad setting fails every image
	results, err = Run(context.Background(), []string{src}, Config{OutDir: t.TempDir(), Settings: Settings{Ratios: []float64{0.5}}})
	assert.Error(t, err)
	assert.ErrorIs(t, results[0].Err, jp2.ErrInvalidConfig)
}

func TestLoadImage(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, src, 5, 3, 50)
	data, err := os.ReadFile(src)
	require.NoError(t, err)

	img, format, err := LoadImage(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	cfg, err := Settings{}.Config(5, 3)
	require.NoError(t, err)
	encoded, err := jp2.NewEncoder(cfg).Encode(img)
	require.NoError(t, err)

	back, format, err := LoadImage(encoded)
	require.NoError(t, err)
	assert.Equal(t, "jpeg2000", format)
	assert.Equal(t, jp2.FromImage(img), back)

	_, _, err = LoadImage([]byte("nope"))
	assert.Error(t, err)
}
