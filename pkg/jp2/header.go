package jp2

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/jpfielding/jp2.go/pkg/compress/jpeg2k"
)

// ReadHeader reads the JP2 boxes and main header from r. Only a prefix
// holding SIZ and COD is needed.
func ReadHeader(r io.Reader) (*Header, error) {
	if r == nil {
		return nil, ErrNoData
	}
	br := bufio.NewReader(r)
	if _, err := br.Peek(1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	h, err := jpeg2k.ReadHeader(br)
	if err != nil {
		return nil, classify(err)
	}
	return h, nil
}

// ReadHeaderBytes reads the header of an in-memory image or a prefix of one
func ReadHeaderBytes(b []byte) (*Header, error) {
	if len(b) == 0 {
		return nil, ErrNoData
	}
	if !IsJPEG2000(b) {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, jpeg2k.ErrInvalidFormat)
	}
	return ReadHeader(bytes.NewReader(b))
}

// ReadHeaderFile reads the header of the image stored at path
func ReadHeaderFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	defer f.Close()
	return ReadHeader(f)
}

// SkipForView returns the largest resolution skip whose decoded image still
// covers a viewW x viewH view in at least one dimension, so that a viewer
// can decode just enough detail and scale down from there.
func SkipForView(h *Header, viewW, viewH int) int {
	if h == nil {
		return 0
	}
	w, ht := h.Width, h.Height
	skip := 1
	for skip < h.NumResolutions {
		w >>= 1
		ht >>= 1
		if w < viewW && ht < viewH {
			break
		}
		skip++
	}
	return max(0, skip-1)
}
