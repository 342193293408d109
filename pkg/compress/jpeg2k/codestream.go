package jpeg2k

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Common errors
var (
	ErrInvalidMarker    = errors.New("invalid marker")
	ErrInvalidSIZ       = errors.New("invalid SIZ marker")
	ErrInvalidCOD       = errors.New("invalid COD marker")
	ErrInvalidQCD       = errors.New("invalid QCD marker")
	ErrInvalidSOT       = errors.New("invalid SOT marker")
	ErrUnsupportedCodec = errors.New("unsupported codec feature")
)

// maxComponents is the Csiz limit of T.800 A.5.1
const maxComponents = 16384

// CodestreamReader reads JPEG 2000 codestream structure
type CodestreamReader struct {
	r        *ByteReader
	SIZ      SIZMarker
	COD      CODMarker
	QCD      QCDMarker
	Comments []COMMarker

	haveSIZ, haveCOD, haveQCD bool
}

// NewCodestreamReader creates a new codestream reader
func NewCodestreamReader(r io.Reader) *CodestreamReader {
	return &CodestreamReader{
		r: NewByteReader(r),
	}
}

// ReadMainHeader reads the main header up to and including the first SOT
// marker code.
func (c *CodestreamReader) ReadMainHeader() error {
	if err := c.readSOC(); err != nil {
		return err
	}
	return c.ReadRemainingHeader()
}

// ReadRemainingHeader continues the main header after ReadHeaderPrefix,
// through the first SOT marker code.
func (c *CodestreamReader) ReadRemainingHeader() error {
	for {
		marker, err := c.readMarker()
		if err != nil {
			return fmt.Errorf("reading marker: %w", err)
		}
		if marker == MarkerSOT {
			break
		}
		if err := c.readSegment(marker); err != nil {
			return err
		}
	}
	switch {
	case !c.haveSIZ:
		return fmt.Errorf("%w: missing SIZ", ErrInvalidSIZ)
	case !c.haveCOD:
		return fmt.Errorf("%w: missing COD", ErrInvalidCOD)
	case !c.haveQCD:
		return fmt.Errorf("%w: missing QCD", ErrInvalidQCD)
	}
	return nil
}

// ReadHeaderPrefix reads main header segments only until SIZ and COD are
// both known, so a truncated stream still yields its header.
func (c *CodestreamReader) ReadHeaderPrefix() error {
	if err := c.readSOC(); err != nil {
		return err
	}
	for !c.haveSIZ || !c.haveCOD {
		marker, err := c.readMarker()
		if err != nil {
			return fmt.Errorf("reading marker: %w", err)
		}
		if marker == MarkerSOT || marker == MarkerSOD || marker == MarkerEOC {
			return fmt.Errorf("%w: 0x%04X before SIZ and COD", ErrInvalidMarker, marker)
		}
		if err := c.readSegment(marker); err != nil {
			return err
		}
	}
	return nil
}

func (c *CodestreamReader) readSOC() error {
	marker, err := c.readMarker()
	if err != nil {
		return fmt.Errorf("reading SOC: %w", err)
	}
	if marker != MarkerSOC {
		return fmt.Errorf("%w: expected SOC (0x%04X), got 0x%04X", ErrInvalidMarker, MarkerSOC, marker)
	}
	return nil
}

// readMarker reads a 2-byte marker
func (c *CodestreamReader) readMarker() (uint16, error) {
	m, err := c.r.ReadUint16()
	if err != nil {
		return 0, err
	}
	if m>>8 != 0xFF {
		return 0, fmt.Errorf("%w: 0x%04X", ErrInvalidMarker, m)
	}
	return m, nil
}

// readSegment reads the body of a main-header marker segment
func (c *CodestreamReader) readSegment(marker uint16) error {
	length, err := c.r.ReadUint16()
	if err != nil {
		return err
	}
	if length < 2 {
		return fmt.Errorf("%w: segment 0x%04X length %d", ErrInvalidMarker, marker, length)
	}
	body, err := c.r.ReadBytes(int(length) - 2)
	if err != nil {
		return err
	}
	switch marker {
	case MarkerSIZ:
		if c.haveSIZ {
			return fmt.Errorf("%w: duplicate SIZ", ErrInvalidSIZ)
		}
		if err := parseSIZSegment(body, &c.SIZ); err != nil {
			return err
		}
		c.haveSIZ = true
	case MarkerCOD:
		if !c.haveSIZ {
			return fmt.Errorf("%w: COD before SIZ", ErrInvalidMarker)
		}
		if err := parseCODSegment(body, &c.COD); err != nil {
			return err
		}
		c.haveCOD = true
	case MarkerQCD:
		if err := parseQCDSegment(body, &c.QCD); err != nil {
			return err
		}
		c.haveQCD = true
	case MarkerCOM:
		if len(body) < 2 {
			return fmt.Errorf("%w: COM length %d", ErrInvalidMarker, length)
		}
		c.Comments = append(c.Comments, COMMarker{
			Registration: binary.BigEndian.Uint16(body),
			Data:         body[2:],
		})
	case MarkerCOC, MarkerQCC, MarkerRGN, MarkerPOC, MarkerPPM:
		return fmt.Errorf("%w: marker 0x%04X", ErrUnsupportedCodec, marker)
	case MarkerSOD, MarkerEOC, MarkerSOC:
		return fmt.Errorf("%w: 0x%04X in main header", ErrInvalidMarker, marker)
	}
	// TLM, PLM, CRG and unknown segments are skipped
	return nil
}

func parseSIZSegment(data []byte, siz *SIZMarker) error {
	if len(data) < 36 {
		return fmt.Errorf("%w: length %d", ErrInvalidSIZ, len(data)+2)
	}
	siz.Rsiz = binary.BigEndian.Uint16(data[0:2])
	siz.XSiz = binary.BigEndian.Uint32(data[2:6])
	siz.YSiz = binary.BigEndian.Uint32(data[6:10])
	siz.XOsiz = binary.BigEndian.Uint32(data[10:14])
	siz.YOsiz = binary.BigEndian.Uint32(data[14:18])
	siz.XTsiz = binary.BigEndian.Uint32(data[18:22])
	siz.YTsiz = binary.BigEndian.Uint32(data[22:26])
	siz.XTOsiz = binary.BigEndian.Uint32(data[26:30])
	siz.YTOsiz = binary.BigEndian.Uint32(data[30:34])
	numComps := int(binary.BigEndian.Uint16(data[34:36]))
	switch {
	case numComps < 1 || numComps > maxComponents:
		return fmt.Errorf("%w: %d components", ErrInvalidSIZ, numComps)
	case len(data) != 36+3*numComps:
		return fmt.Errorf("%w: length %d for %d components", ErrInvalidSIZ, len(data)+2, numComps)
	case siz.XSiz <= siz.XOsiz || siz.YSiz <= siz.YOsiz:
		return fmt.Errorf("%w: empty image area", ErrInvalidSIZ)
	case siz.XTsiz == 0 || siz.YTsiz == 0:
		return fmt.Errorf("%w: zero tile size", ErrInvalidSIZ)
	case siz.XTOsiz > siz.XOsiz || siz.YTOsiz > siz.YOsiz:
		return fmt.Errorf("%w: tile origin after image origin", ErrInvalidSIZ)
	}
	siz.Components = make([]ComponentInfo, numComps)
	pos := 36
	for i := range siz.Components {
		ssiz := data[pos]
		comp := ComponentInfo{
			Signed:    ssiz&0x80 != 0,
			Precision: int(ssiz&0x7F) + 1,
			XRsiz:     int(data[pos+1]),
			YRsiz:     int(data[pos+2]),
		}
		if comp.Precision > 38 || comp.XRsiz == 0 || comp.YRsiz == 0 {
			return fmt.Errorf("%w: component %d", ErrInvalidSIZ, i)
		}
		siz.Components[i] = comp
		pos += 3
	}
	return nil
}

func parseCODSegment(data []byte, cod *CODMarker) error {
	if len(data) < 10 {
		return fmt.Errorf("%w: length %d", ErrInvalidCOD, len(data)+2)
	}
	cod.Scod = data[0]
	cod.Progression = ProgressionOrder(data[1])
	cod.NumLayers = binary.BigEndian.Uint16(data[2:4])
	cod.MCT = data[4]
	cod.DecompLevels = data[5]
	cod.CodeBlockWidthExp = data[6]
	cod.CodeBlockHeightExp = data[7]
	cod.CodeBlockStyle = data[8]
	cod.Transform = TransformType(data[9])
	switch {
	case cod.Progression > ProgressionCPRL:
		return fmt.Errorf("%w: progression %d", ErrInvalidCOD, cod.Progression)
	case cod.NumLayers == 0:
		return fmt.Errorf("%w: zero layers", ErrInvalidCOD)
	case cod.DecompLevels > maxDecompLevels:
		return fmt.Errorf("%w: %d decomposition levels", ErrInvalidCOD, cod.DecompLevels)
	case cod.CodeBlockWidthExp > 8 || cod.CodeBlockHeightExp > 8 || cod.CodeBlockWidthExp+cod.CodeBlockHeightExp > 8:
		return fmt.Errorf("%w: code-block exponents %d/%d", ErrInvalidCOD, cod.CodeBlockWidthExp, cod.CodeBlockHeightExp)
	case cod.Transform > TransformReversible53:
		return fmt.Errorf("%w: transform %d", ErrInvalidCOD, cod.Transform)
	}
	cod.PrecinctSizes = nil
	if cod.Scod&CodingStylePrecinctsUser != 0 {
		if len(data) != 10+cod.NumResolutions() {
			return fmt.Errorf("%w: %d precinct sizes", ErrInvalidCOD, len(data)-10)
		}
		cod.PrecinctSizes = append([]byte(nil), data[10:]...)
	}
	return nil
}

func parseQCDSegment(data []byte, qcd *QCDMarker) error {
	if len(data) < 1 {
		return ErrInvalidQCD
	}
	sqcd := data[0]
	qcd.Style = sqcd & 0x1F
	qcd.GuardBits = sqcd >> 5
	body := data[1:]
	switch qcd.Style {
	case QuantizationNone:
		qcd.Steps = make([]StepSize, len(body))
		for i, b := range body {
			qcd.Steps[i] = StepSize{Exponent: int(b >> 3)}
		}
	case QuantizationScalarDerived, QuantizationScalarExpounded:
		if len(body) == 0 || len(body)%2 != 0 {
			return fmt.Errorf("%w: %d step bytes", ErrInvalidQCD, len(body))
		}
		qcd.Steps = make([]StepSize, len(body)/2)
		for i := range qcd.Steps {
			v := binary.BigEndian.Uint16(body[2*i:])
			qcd.Steps[i] = StepSize{Exponent: int(v >> 11), Mantissa: int(v & 0x7FF)}
		}
	default:
		return fmt.Errorf("%w: unsupported quantization style %d", ErrInvalidQCD, qcd.Style)
	}
	if len(qcd.Steps) == 0 {
		return fmt.Errorf("%w: no step sizes", ErrInvalidQCD)
	}
	return nil
}

// ReadSOT reads a tile-part header after its SOT marker code
func (c *CodestreamReader) ReadSOT() (*SOTMarker, error) {
	length, err := c.r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if length != 10 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSOT, length)
	}
	body, err := c.r.ReadBytes(8)
	if err != nil {
		return nil, err
	}
	return &SOTMarker{
		TileIndex:    binary.BigEndian.Uint16(body[0:2]),
		TilePartLen:  binary.BigEndian.Uint32(body[2:6]),
		TilePartIdx:  body[6],
		NumTileParts: body[7],
	}, nil
}

// ReadTilePartHeader reads markers between SOT and SOD and returns the
// number of header bytes consumed, SOD included.
func (c *CodestreamReader) ReadTilePartHeader() (int, error) {
	start := c.r.Offset()
	for {
		marker, err := c.readMarker()
		if err != nil {
			return 0, err
		}
		switch marker {
		case MarkerSOD:
			return int(c.r.Offset() - start), nil
		case MarkerCOD, MarkerQCD, MarkerCOC, MarkerQCC, MarkerRGN, MarkerPOC, MarkerPPT:
			return 0, fmt.Errorf("%w: marker 0x%04X in tile-part header", ErrUnsupportedCodec, marker)
		default:
			length, err := c.r.ReadUint16()
			if err != nil {
				return 0, err
			}
			if length < 2 {
				return 0, fmt.Errorf("%w: segment 0x%04X length %d", ErrInvalidMarker, marker, length)
			}
			if err := c.r.Skip(int(length) - 2); err != nil {
				return 0, err
			}
		}
	}
}

// Reader returns the underlying byte reader for reading tile data
func (c *CodestreamReader) Reader() *ByteReader {
	return c.r
}

// CodestreamWriter writes JPEG 2000 codestream structure
type CodestreamWriter struct {
	w *ByteWriter
}

// NewCodestreamWriter creates a new codestream writer
func NewCodestreamWriter(w io.Writer) *CodestreamWriter {
	return &CodestreamWriter{
		w: NewByteWriter(w),
	}
}

// WriteSOC writes the Start of Codestream marker
func (c *CodestreamWriter) WriteSOC() error {
	return c.w.WriteUint16(MarkerSOC)
}

// segment writes a marker followed by its length and body
func (c *CodestreamWriter) segment(marker uint16, body []byte) error {
	if len(body)+2 > 0xFFFF {
		return fmt.Errorf("%w: segment 0x%04X too long", ErrInvalidMarker, marker)
	}
	if err := c.w.WriteUint16(marker); err != nil {
		return err
	}
	if err := c.w.WriteUint16(uint16(len(body) + 2)); err != nil {
		return err
	}
	return c.w.WriteBytes(body)
}

// WriteSIZ writes the SIZ marker segment
func (c *CodestreamWriter) WriteSIZ(siz *SIZMarker) error {
	body := make([]byte, 36, 36+3*len(siz.Components))
	binary.BigEndian.PutUint16(body[0:], siz.Rsiz)
	binary.BigEndian.PutUint32(body[2:], siz.XSiz)
	binary.BigEndian.PutUint32(body[6:], siz.YSiz)
	binary.BigEndian.PutUint32(body[10:], siz.XOsiz)
	binary.BigEndian.PutUint32(body[14:], siz.YOsiz)
	binary.BigEndian.PutUint32(body[18:], siz.XTsiz)
	binary.BigEndian.PutUint32(body[22:], siz.YTsiz)
	binary.BigEndian.PutUint32(body[26:], siz.XTOsiz)
	binary.BigEndian.PutUint32(body[30:], siz.YTOsiz)
	binary.BigEndian.PutUint16(body[34:], uint16(len(siz.Components)))
	for _, comp := range siz.Components {
		ssiz := byte(comp.Precision - 1)
		if comp.Signed {
			ssiz |= 0x80
		}
		body = append(body, ssiz, byte(comp.XRsiz), byte(comp.YRsiz))
	}
	return c.segment(MarkerSIZ, body)
}

// WriteCOD writes the COD marker segment
func (c *CodestreamWriter) WriteCOD(cod *CODMarker) error {
	body := []byte{cod.Scod, byte(cod.Progression), byte(cod.NumLayers >> 8), byte(cod.NumLayers),
		cod.MCT, cod.DecompLevels, cod.CodeBlockWidthExp, cod.CodeBlockHeightExp,
		cod.CodeBlockStyle, byte(cod.Transform)}
	if cod.Scod&CodingStylePrecinctsUser != 0 {
		body = append(body, cod.PrecinctSizes...)
	}
	return c.segment(MarkerCOD, body)
}

// WriteQCD writes the QCD marker segment
func (c *CodestreamWriter) WriteQCD(qcd *QCDMarker) error {
	// Sqcd: guard bits in upper 3 bits, quantization type in lower 5
	body := []byte{qcd.GuardBits<<5 | qcd.Style&0x1F}
	for _, step := range qcd.Steps {
		if qcd.Style == QuantizationNone {
			body = append(body, byte(step.Exponent<<3))
			continue
		}
		v := uint16(step.Exponent&0x1F)<<11 | uint16(step.Mantissa&0x7FF)
		body = append(body, byte(v>>8), byte(v))
	}
	return c.segment(MarkerQCD, body)
}

// WriteCOM writes a comment marker segment
func (c *CodestreamWriter) WriteCOM(com *COMMarker) error {
	body := make([]byte, 2, 2+len(com.Data))
	binary.BigEndian.PutUint16(body, com.Registration)
	return c.segment(MarkerCOM, append(body, com.Data...))
}

// WriteSOT writes a tile-part header
func (c *CodestreamWriter) WriteSOT(sot *SOTMarker) error {
	body := make([]byte, 8)
	binary.BigEndian.PutUint16(body[0:], sot.TileIndex)
	binary.BigEndian.PutUint32(body[2:], sot.TilePartLen)
	body[6], body[7] = sot.TilePartIdx, sot.NumTileParts
	return c.segment(MarkerSOT, body)
}

// WriteSOD writes the Start of Data marker
func (c *CodestreamWriter) WriteSOD() error {
	return c.w.WriteUint16(MarkerSOD)
}

// WriteEOC writes the End of Codestream marker
func (c *CodestreamWriter) WriteEOC() error {
	return c.w.WriteUint16(MarkerEOC)
}

// WriteBytes writes raw bytes
func (c *CodestreamWriter) WriteBytes(data []byte) error {
	return c.w.WriteBytes(data)
}

// Flush flushes the underlying buffer
func (c *CodestreamWriter) Flush() error {
	return c.w.Flush()
}

// Count returns the bytes written so far, buffered ones included
func (c *CodestreamWriter) Count() int64 {
	return c.w.Count()
}

// BuildCOD creates the COD marker of a single-precinct, 64x64 code-block stream
func BuildCOD(decompLevels, numLayers int, progression ProgressionOrder, useMCT bool, transform TransformType) *CODMarker {
	cod := &CODMarker{
		Scod:               0, // No user-defined precincts, no SOP/EPH
		Progression:        progression,
		NumLayers:          uint16(numLayers),
		DecompLevels:       byte(decompLevels),
		CodeBlockWidthExp:  4, // 64x64 code-blocks
		CodeBlockHeightExp: 4,
		Transform:          transform,
	}
	if useMCT {
		cod.MCT = 1
	}
	return cod
}

// BuildSIZ creates a single-tile SIZ marker for unsigned components
func BuildSIZ(width, height, numComps, precision int) *SIZMarker {
	comps := make([]ComponentInfo, numComps)
	for i := range comps {
		comps[i] = ComponentInfo{Precision: precision, XRsiz: 1, YRsiz: 1}
	}
	return &SIZMarker{
		XSiz:       uint32(width),
		YSiz:       uint32(height),
		XTsiz:      uint32(width),
		YTsiz:      uint32(height),
		Components: comps,
	}
}

// ParseCodestreamHeader parses the main header of an in-memory codestream
func ParseCodestreamHeader(data []byte) (*SIZMarker, *CODMarker, *QCDMarker, error) {
	c := NewCodestreamReader(bytes.NewReader(data))
	if err := c.ReadMainHeader(); err != nil {
		return nil, nil, nil, err
	}
	return &c.SIZ, &c.COD, &c.QCD, nil
}
