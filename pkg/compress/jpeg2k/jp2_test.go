package jpeg2k

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJP2Boxes_RoundTrip(t *testing.T) {
	vendor := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	info := &JP2Info{
		Width: 320, Height: 200, NumComps: 4, BitDepth: 8,
		ColourSpace: ColourSpaceSRGB,
		Channels:    defaultChannels(4),
		UUIDs: []UUIDBox{
			{ID: vendor, Data: []byte("vendor")},
			{ID: XMPUUID, Data: []byte("<xmp/>")},
		},
	}
	codestream := []byte{0xFF, 0x4F, 0xFF, 0x51, 0x00}
	var buf bytes.Buffer
	require.NoError(t, WriteJP2(&buf, info, codestream))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), JP2Signature))

	br := NewByteReader(bytes.NewReader(buf.Bytes()))
	got, err := ReadJP2Boxes(br)
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.True(t, got.HasAlpha())
	assert.Equal(t, []byte("<xmp/>"), got.XMP())

	rest, err := br.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, codestream, rest)
}

func TestDefaultChannels(t *testing.T) {
	assert.Equal(t, []ChannelDef{
		{Channel: 0, Type: 0, Association: 1},
		{Channel: 1, Type: 1, Association: 0},
	}, defaultChannels(2))
	defs := defaultChannels(4)
	assert.Equal(t, uint16(3), defs[2].Association)
	assert.Equal(t, ChannelDef{Channel: 3, Type: 1}, defs[3])
}

func TestJP2Info_NoAlphaNoXMP(t *testing.T) {
	info := &JP2Info{Channels: []ChannelDef{{Channel: 0, Association: 1}}}
	assert.False(t, info.HasAlpha())
	assert.Nil(t, info.XMP())
}

// jp2File assembles a signature box followed by raw boxes
func jp2File(boxes ...[]byte) []byte {
	out := append([]byte(nil), JP2Signature...)
	for _, b := range boxes {
		out = append(out, b...)
	}
	return out
}

func box(typ string, payload []byte) []byte {
	return appendBox(nil, typ, payload)
}

func TestReadJP2Boxes_SkipsUnknownAndExtendedLength(t *testing.T) {
	ihdr := make([]byte, 14)
	binary.BigEndian.PutUint32(ihdr[0:], 7)
	binary.BigEndian.PutUint32(ihdr[4:], 9)
	binary.BigEndian.PutUint16(ihdr[8:], 1)
	ihdr[10] = 11
	jp2h := box(BoxHeader, box(BoxImageHdr, ihdr))

	// an XLBox-sized "xml " box
	xml := binary.BigEndian.AppendUint32(nil, 1)
	xml = append(xml, "xml "...)
	xml = binary.BigEndian.AppendUint64(xml, 16+3)
	xml = append(xml, "<a>"...)

	data := jp2File(
		box(BoxFileType, []byte("jp2 \x00\x00\x00\x00jp2 ")),
		box("res ", []byte{1, 2, 3}),
		xml,
		jp2h,
		box(BoxCodestream, []byte{0xFF, 0x4F}),
	)
	br := NewByteReader(bytes.NewReader(data))
	info, err := ReadJP2Boxes(br)
	require.NoError(t, err)
	assert.Equal(t, 9, info.Width)
	assert.Equal(t, 7, info.Height)
	assert.Equal(t, 12, info.BitDepth)
	assert.Equal(t, int64(len(data)-2), br.Offset())
}

func TestReadJP2Boxes_Errors(t *testing.T) {
	ftyp := box(BoxFileType, []byte("jp2 \x00\x00\x00\x00jp2 "))
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"bad signature", append([]byte{0, 0, 0, 12, 'j', 'P', ' ', ' ', 1, 2, 3, 4}, ftyp...), ErrInvalidFormat},
		{"missing ftyp", jp2File(box(BoxHeader, nil)), ErrInvalidFormat},
		{"codestream before header", jp2File(ftyp, box(BoxCodestream, nil)), ErrInvalidFormat},
		{"header without ihdr", jp2File(ftyp, box(BoxHeader, box(BoxColour, []byte{1, 0, 0, 0, 0, 0, 16}))), ErrInvalidFormat},
		{"short uuid", jp2File(ftyp, box(BoxUUID, []byte{1, 2})), ErrInvalidFormat},
		{"box shorter than its header", jp2File(ftyp, []byte{0, 0, 0, 3, 'a', 'b', 'c', 'd'}), ErrInvalidFormat},
		{"unknown box to the end", jp2File(ftyp, []byte{0, 0, 0, 0, 'f', 'r', 'e', 'e'}), ErrInvalidFormat},
		{"truncated", jp2File(ftyp[:5]), ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadJP2Boxes(NewByteReader(bytes.NewReader(tt.data)))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
