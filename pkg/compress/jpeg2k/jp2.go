package jpeg2k

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// JP2 file format boxes, ITU-T T.800 Annex I.

// Box types
const (
	BoxSignature  = "jP  "
	BoxFileType   = "ftyp"
	BoxHeader     = "jp2h"
	BoxImageHdr   = "ihdr"
	BoxColour     = "colr"
	BoxChannelDef = "cdef"
	BoxUUID       = "uuid"
	BoxCodestream = "jp2c"
)

// Enumerated colour spaces of the colr box
const (
	ColourSpaceSRGB      = 16
	ColourSpaceGreyscale = 17
)

// JP2Signature is the complete signature box that opens every JP2 file
var JP2Signature = []byte{0x00, 0x00, 0x00, 0x0C, 'j', 'P', ' ', ' ', 0x0D, 0x0A, 0x87, 0x0A}

// XMPUUID identifies a uuid box carrying XMP metadata
var XMPUUID = uuid.MustParse("be7acfcb-97a9-42e8-9c71-999491e3afac")

// maxHeaderBoxLen bounds the boxes read into memory before the codestream
const maxHeaderBoxLen = 16 << 20

// ChannelDef is one cdef entry
type ChannelDef struct {
	Channel     uint16
	Type        uint16 // 0 colour, 1 opacity, 2 premultiplied opacity
	Association uint16 // 0 whole image, n colour n
}

// UUIDBox is a vendor box
type UUIDBox struct {
	ID   uuid.UUID
	Data []byte
}

// JP2Info is the metadata carried by the boxes ahead of the codestream
type JP2Info struct {
	Width, Height int
	NumComps      int
	BitDepth      int
	ColourSpace   uint32
	Channels      []ChannelDef
	UUIDs         []UUIDBox
}

// HasAlpha reports whether a channel definition marks an opacity channel
func (j *JP2Info) HasAlpha() bool {
	for _, c := range j.Channels {
		if c.Type == 1 || c.Type == 2 {
			return true
		}
	}
	return false
}

// XMP returns the payload of the first XMP uuid box, if any
func (j *JP2Info) XMP() []byte {
	for _, b := range j.UUIDs {
		if b.ID == XMPUUID {
			return b.Data
		}
	}
	return nil
}

func appendBox(dst []byte, typ string, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(8+len(payload)))
	dst = append(dst, typ...)
	return append(dst, payload...)
}

// defaultChannels returns the cdef entries for an image with alpha last
func defaultChannels(numComps int) []ChannelDef {
	defs := make([]ChannelDef, numComps)
	for i := range defs {
		defs[i] = ChannelDef{Channel: uint16(i), Association: uint16(i + 1)}
	}
	defs[numComps-1] = ChannelDef{Channel: uint16(numComps - 1), Type: 1}
	return defs
}

// WriteJP2 wraps a codestream in the JP2 box structure
func WriteJP2(w io.Writer, info *JP2Info, codestream []byte) error {
	if uint64(len(codestream))+8 > math.MaxUint32 {
		return fmt.Errorf("%w: codestream of %d bytes", ErrUnsupportedImage, len(codestream))
	}
	head := append([]byte(nil), JP2Signature...)
	head = appendBox(head, BoxFileType, []byte{'j', 'p', '2', ' ', 0, 0, 0, 0, 'j', 'p', '2', ' '})

	ihdr := make([]byte, 14)
	binary.BigEndian.PutUint32(ihdr[0:], uint32(info.Height))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(info.Width))
	binary.BigEndian.PutUint16(ihdr[8:], uint16(info.NumComps))
	ihdr[10] = byte(info.BitDepth - 1)
	ihdr[11] = 7 // wavelet compression
	colr := []byte{1, 0, 0}
	colr = binary.BigEndian.AppendUint32(colr, info.ColourSpace)

	var jp2h []byte
	jp2h = appendBox(jp2h, BoxImageHdr, ihdr)
	jp2h = appendBox(jp2h, BoxColour, colr)
	if len(info.Channels) > 0 {
		cdef := binary.BigEndian.AppendUint16(nil, uint16(len(info.Channels)))
		for _, c := range info.Channels {
			cdef = binary.BigEndian.AppendUint16(cdef, c.Channel)
			cdef = binary.BigEndian.AppendUint16(cdef, c.Type)
			cdef = binary.BigEndian.AppendUint16(cdef, c.Association)
		}
		jp2h = appendBox(jp2h, BoxChannelDef, cdef)
	}
	head = appendBox(head, BoxHeader, jp2h)
	for _, u := range info.UUIDs {
		head = appendBox(head, BoxUUID, append(u.ID[:], u.Data...))
	}
	head = binary.BigEndian.AppendUint32(head, uint32(8+len(codestream)))
	head = append(head, BoxCodestream...)
	if _, err := w.Write(head); err != nil {
		return err
	}
	_, err := w.Write(codestream)
	return err
}

// readBoxHeader returns a box type and its payload length, -1 when the box
// runs to the end of the file.
func readBoxHeader(r *ByteReader) (string, int64, error) {
	lbox, err := r.ReadUint32()
	if err != nil {
		return "", 0, err
	}
	typ, err := r.ReadBytes(4)
	if err != nil {
		return "", 0, err
	}
	switch lbox {
	case 0:
		return string(typ), -1, nil
	case 1:
		xl, err := r.ReadUint64()
		if err != nil {
			return "", 0, err
		}
		if xl < 16 || xl > math.MaxInt64 {
			return "", 0, fmt.Errorf("%w: box %q length %d", ErrInvalidFormat, typ, xl)
		}
		return string(typ), int64(xl - 16), nil
	default:
		if lbox < 8 {
			return "", 0, fmt.Errorf("%w: box %q length %d", ErrInvalidFormat, typ, lbox)
		}
		return string(typ), int64(lbox - 8), nil
	}
}

func readBoxPayload(r *ByteReader, typ string, n int64) ([]byte, error) {
	if n < 0 || n > maxHeaderBoxLen {
		return nil, fmt.Errorf("%w: box %q of %d bytes", ErrInvalidFormat, typ, n)
	}
	return r.ReadBytes(int(n))
}

// ReadJP2Boxes reads the JP2 boxes up to the contiguous codestream box and
// leaves r positioned at the start of the codestream.
func ReadJP2Boxes(r *ByteReader) (*JP2Info, error) {
	sig, err := r.ReadBytes(len(JP2Signature))
	if err != nil {
		return nil, err
	}
	for i := range sig {
		if sig[i] != JP2Signature[i] {
			return nil, fmt.Errorf("%w: bad JP2 signature", ErrInvalidFormat)
		}
	}
	info := &JP2Info{}
	sawHeader := false
	for first := true; ; first = false {
		typ, n, err := readBoxHeader(r)
		if err != nil {
			return nil, err
		}
		if first && typ != BoxFileType {
			return nil, fmt.Errorf("%w: %q box after signature", ErrInvalidFormat, typ)
		}
		switch typ {
		case BoxCodestream:
			if !sawHeader {
				return nil, fmt.Errorf("%w: codestream before jp2h", ErrInvalidFormat)
			}
			return info, nil
		case BoxHeader:
			payload, err := readBoxPayload(r, typ, n)
			if err != nil {
				return nil, err
			}
			if err := info.parseHeaderBox(payload); err != nil {
				return nil, err
			}
			sawHeader = true
		case BoxUUID:
			payload, err := readBoxPayload(r, typ, n)
			if err != nil {
				return nil, err
			}
			if len(payload) < 16 {
				return nil, fmt.Errorf("%w: short uuid box", ErrInvalidFormat)
			}
			id, _ := uuid.FromBytes(payload[:16])
			info.UUIDs = append(info.UUIDs, UUIDBox{ID: id, Data: payload[16:]})
		case BoxFileType:
			payload, err := readBoxPayload(r, typ, n)
			if err != nil {
				return nil, err
			}
			if len(payload) < 8 {
				return nil, fmt.Errorf("%w: short ftyp box", ErrInvalidFormat)
			}
		default:
			if n < 0 {
				return nil, fmt.Errorf("%w: no codestream box", ErrInvalidFormat)
			}
			if n > math.MaxInt32 {
				return nil, fmt.Errorf("%w: box %q of %d bytes", ErrInvalidFormat, typ, n)
			}
			if err := r.Skip(int(n)); err != nil {
				return nil, err
			}
		}
	}
}

func (j *JP2Info) parseHeaderBox(data []byte) error {
	sawIHDR := false
	for len(data) > 0 {
		if len(data) < 8 {
			return fmt.Errorf("%w: truncated jp2h", ErrInvalidFormat)
		}
		n := int64(binary.BigEndian.Uint32(data))
		typ := string(data[4:8])
		if n == 0 {
			n = int64(len(data))
		}
		if n < 8 || n > int64(len(data)) {
			return fmt.Errorf("%w: %q box length %d", ErrInvalidFormat, typ, n)
		}
		payload := data[8:n]
		data = data[n:]
		switch typ {
		case BoxImageHdr:
			if len(payload) < 14 {
				return fmt.Errorf("%w: short ihdr", ErrInvalidFormat)
			}
			j.Height = int(binary.BigEndian.Uint32(payload[0:]))
			j.Width = int(binary.BigEndian.Uint32(payload[4:]))
			j.NumComps = int(binary.BigEndian.Uint16(payload[8:]))
			j.BitDepth = int(payload[10]&0x7F) + 1
			sawIHDR = true
		case BoxColour:
			if len(payload) >= 7 && payload[0] == 1 {
				j.ColourSpace = binary.BigEndian.Uint32(payload[3:])
			}
		case BoxChannelDef:
			if len(payload) < 2 {
				return fmt.Errorf("%w: short cdef", ErrInvalidFormat)
			}
			count := int(binary.BigEndian.Uint16(payload))
			if len(payload) < 2+6*count {
				return fmt.Errorf("%w: cdef with %d entries", ErrInvalidFormat, count)
			}
			j.Channels = make([]ChannelDef, count)
			for i := range j.Channels {
				e := payload[2+6*i:]
				j.Channels[i] = ChannelDef{
					Channel:     binary.BigEndian.Uint16(e[0:]),
					Type:        binary.BigEndian.Uint16(e[2:]),
					Association: binary.BigEndian.Uint16(e[4:]),
				}
			}
		}
	}
	if !sawIHDR {
		return fmt.Errorf("%w: jp2h without ihdr", ErrInvalidFormat)
	}
	return nil
}
