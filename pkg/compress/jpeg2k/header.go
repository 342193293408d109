package jpeg2k

import (
	"bytes"
	"io"

	"github.com/google/uuid"
)

// Header describes a JPEG 2000 image without decoding it
type Header struct {
	Width, Height    int
	NumComponents    int
	BitDepth         int
	HasAlpha         bool
	NumResolutions   int
	NumQualityLayers int
	Format           Format
	Progression      ProgressionOrder
	Reversible       bool
	TileWidth        int
	TileHeight       int
	Comment          string
	UUIDs            []uuid.UUID
	XMP              []byte
}

// ReadHeader reads the JP2 boxes (if any) and the main header until SIZ and
// COD are known. Markers after those, such as COM, are picked up when
// present; a stream truncated after COD still yields a header.
func ReadHeader(r io.Reader) (*Header, error) {
	cs, format, info, err := openCodestream(r)
	if err != nil {
		return nil, err
	}
	if err := cs.ReadHeaderPrefix(); err != nil {
		return nil, err
	}
	_ = cs.ReadRemainingHeader()

	siz, cod := &cs.SIZ, &cs.COD
	h := &Header{
		Width:            siz.Width(),
		Height:           siz.Height(),
		NumComponents:    len(siz.Components),
		BitDepth:         siz.Components[0].Precision,
		NumResolutions:   cod.NumResolutions(),
		NumQualityLayers: int(cod.NumLayers),
		Format:           format,
		Progression:      cod.Progression,
		Reversible:       cod.Transform == TransformReversible53,
		TileWidth:        int(siz.XTsiz),
		TileHeight:       int(siz.YTsiz),
	}
	h.HasAlpha = h.NumComponents == 2 || h.NumComponents == 4
	if info != nil {
		if len(info.Channels) > 0 {
			h.HasAlpha = info.HasAlpha()
		}
		for _, u := range info.UUIDs {
			h.UUIDs = append(h.UUIDs, u.ID)
		}
		h.XMP = info.XMP()
	}
	for _, c := range cs.Comments {
		if c.Registration == CommentLatin1 {
			h.Comment = string(c.Data)
			break
		}
	}
	return h, nil
}

var (
	// jp2Magic is the payload of the JP2 signature box
	jp2Magic = []byte{0x0D, 0x0A, 0x87, 0x0A}
	// j2kMagic is SOC followed by the SIZ marker
	j2kMagic = []byte{0xFF, 0x4F, 0xFF, 0x51}
)

// IsJPEG2000 reports whether b starts with a JP2 signature box, the bare
// signature payload or a codestream SOC+SIZ.
func IsJPEG2000(b []byte) bool {
	return bytes.HasPrefix(b, JP2Signature) || bytes.HasPrefix(b, jp2Magic) || bytes.HasPrefix(b, j2kMagic)
}
