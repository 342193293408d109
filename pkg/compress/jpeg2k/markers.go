// Package jpeg2k implements a JPEG 2000 (Part-1) still-image codec core.
//
// The encoder produces single-tile codestreams with the 5/3 reversible wavelet
// (lossless, RCT) or the 9/7 irreversible wavelet (lossy, ICT), EBCOT Tier-1
// coding, PCRD rate allocation over quality layers and Tier-2 packetization.
// The decoder reads the same subset and can stop early at a chosen resolution
// level and quality layer. Raw J2K codestreams and JP2 files are both handled.
// See ITU-T Rec. T.800 | ISO/IEC 15444-1.
package jpeg2k

import (
	"fmt"
	"strings"
)

// JPEG 2000 Marker codes (ITU-T T.800 Table A.1)
const (
	// Delimiting markers
	MarkerSOC = 0xFF4F // Start of codestream
	MarkerSOT = 0xFF90 // Start of tile-part
	MarkerSOD = 0xFF93 // Start of data
	MarkerEOC = 0xFFD9 // End of codestream

	// Fixed information markers
	MarkerSIZ = 0xFF51 // Image and tile size

	// Functional markers
	MarkerCOD = 0xFF52 // Coding style default
	MarkerCOC = 0xFF53 // Coding style component
	MarkerRGN = 0xFF5E // Region of interest
	MarkerQCD = 0xFF5C // Quantization default
	MarkerQCC = 0xFF5D // Quantization component
	MarkerPOC = 0xFF5F // Progression order change

	// Pointer markers
	MarkerTLM = 0xFF55 // Tile-part lengths
	MarkerPLM = 0xFF57 // Packet length, main header
	MarkerPLT = 0xFF58 // Packet length, tile-part header
	MarkerPPM = 0xFF60 // Packed packet headers, main header
	MarkerPPT = 0xFF61 // Packed packet headers, tile-part header

	// In-bitstream markers
	MarkerSOP = 0xFF91 // Start of packet
	MarkerEPH = 0xFF92 // End of packet header

	// Informational markers
	MarkerCRG = 0xFF63 // Component registration
	MarkerCOM = 0xFF64 // Comment
)

// ProgressionOrder defines the progression order for JPEG 2000 codestream
type ProgressionOrder byte

const (
	ProgressionLRCP ProgressionOrder = 0 // Layer-Resolution-Component-Position
	ProgressionRLCP ProgressionOrder = 1 // Resolution-Layer-Component-Position
	ProgressionRPCL ProgressionOrder = 2 // Resolution-Position-Component-Layer
	ProgressionPCRL ProgressionOrder = 3 // Position-Component-Resolution-Layer
	ProgressionCPRL ProgressionOrder = 4 // Component-Position-Resolution-Layer
)

// String returns the progression order name
func (p ProgressionOrder) String() string {
	switch p {
	case ProgressionLRCP:
		return "LRCP"
	case ProgressionRLCP:
		return "RLCP"
	case ProgressionRPCL:
		return "RPCL"
	case ProgressionPCRL:
		return "PCRL"
	case ProgressionCPRL:
		return "CPRL"
	default:
		return "Unknown"
	}
}

// ParseProgression maps a name such as "lrcp" to its ProgressionOrder.
func ParseProgression(s string) (ProgressionOrder, error) {
	for p := ProgressionLRCP; p <= ProgressionCPRL; p++ {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: progression order %q", ErrUnsupportedCodec, s)
}

// CodingStyle flags (ITU-T T.800 Table A.13)
const (
	CodingStylePrecinctsUser = 0x01 // Custom precinct sizes
	CodingStyleSOPMarker     = 0x02 // SOP marker segments used
	CodingStyleEPHMarker     = 0x04 // EPH marker segments used
)

// CodeBlockStyle flags (ITU-T T.800 Table A.19)
const (
	CodeBlockSelectiveBypass        = 0x01 // Selective arithmetic coding bypass
	CodeBlockResetContext           = 0x02 // Reset context on coding pass boundary
	CodeBlockTermOnPass             = 0x04 // Termination on each coding pass
	CodeBlockVerticalCausal         = 0x08 // Vertically causal context
	CodeBlockPredictableTermination = 0x10 // Predictable termination
	CodeBlockSegmentationSymbols    = 0x20 // Segmentation symbols used
)

// Quantization styles (ITU-T T.800 Table A.28)
const (
	QuantizationNone            = 0
	QuantizationScalarDerived   = 1
	QuantizationScalarExpounded = 2
)

// Comment registration values (ITU-T T.800 Table A.43)
const (
	CommentBinary = 0
	CommentLatin1 = 1
)

// TransformType identifies the wavelet transform type
type TransformType byte

const (
	TransformIrreversible97 TransformType = 0 // 9/7 irreversible (lossy)
	TransformReversible53   TransformType = 1 // 5/3 reversible (lossless)
)

// String returns the transform name
func (t TransformType) String() string {
	switch t {
	case TransformIrreversible97:
		return "9/7 irreversible"
	case TransformReversible53:
		return "5/3 reversible"
	default:
		return "Unknown"
	}
}

// ComponentInfo holds component-specific information from SIZ marker
type ComponentInfo struct {
	Precision int  // Bit depth (1-38)
	Signed    bool // True if signed samples
	XRsiz     int  // Horizontal sample separation
	YRsiz     int  // Vertical sample separation
}

// SIZMarker holds image and tile size parameters (ITU-T T.800 A.5.1)
type SIZMarker struct {
	Rsiz       uint16          // Capabilities required
	XSiz       uint32          // Reference grid width
	YSiz       uint32          // Reference grid height
	XOsiz      uint32          // Horizontal offset
	YOsiz      uint32          // Vertical offset
	XTsiz      uint32          // Tile width
	YTsiz      uint32          // Tile height
	XTOsiz     uint32          // Tile horizontal offset
	YTOsiz     uint32          // Tile vertical offset
	Components []ComponentInfo // Per-component info
}

// Width returns the image width on the reference grid
func (s *SIZMarker) Width() int {
	return int(s.XSiz - s.XOsiz)
}

// Height returns the image height on the reference grid
func (s *SIZMarker) Height() int {
	return int(s.YSiz - s.YOsiz)
}

// NumXTiles returns the number of tiles horizontally
func (s *SIZMarker) NumXTiles() int {
	return int((s.XSiz - s.XTOsiz + s.XTsiz - 1) / s.XTsiz)
}

// NumYTiles returns the number of tiles vertically
func (s *SIZMarker) NumYTiles() int {
	return int((s.YSiz - s.YTOsiz + s.YTsiz - 1) / s.YTsiz)
}

// NumTiles returns the total number of tiles
func (s *SIZMarker) NumTiles() int {
	return s.NumXTiles() * s.NumYTiles()
}

// CODMarker holds coding style default parameters (ITU-T T.800 A.6.1)
type CODMarker struct {
	Scod               byte             // Coding style
	Progression        ProgressionOrder // Progression order
	NumLayers          uint16           // Number of quality layers
	MCT                byte             // Multiple component transform (0=none, 1=RCT/ICT)
	DecompLevels       byte             // Number of decomposition levels
	CodeBlockWidthExp  byte             // Code-block width exponent (add 2)
	CodeBlockHeightExp byte             // Code-block height exponent (add 2)
	CodeBlockStyle     byte             // Code-block style flags
	Transform          TransformType    // Wavelet transform type
	PrecinctSizes      []byte           // Precinct sizes (if Scod & 0x01)
}

// CodeBlockWidth returns the actual code-block width
func (c *CODMarker) CodeBlockWidth() int {
	return 1 << (c.CodeBlockWidthExp + 2)
}

// CodeBlockHeight returns the actual code-block height
func (c *CODMarker) CodeBlockHeight() int {
	return 1 << (c.CodeBlockHeightExp + 2)
}

// NumResolutions returns the number of resolution levels (decomposition levels + 1)
func (c *CODMarker) NumResolutions() int {
	return int(c.DecompLevels) + 1
}

// StepSize is one subband entry of a QCD segment. Reversible streams only
// carry the exponent.
type StepSize struct {
	Exponent int // 5 bits
	Mantissa int // 11 bits
}

// QCDMarker holds quantization default parameters (ITU-T T.800 A.6.4)
type QCDMarker struct {
	Style     byte       // Quantization style (lower 5 bits of Sqcd)
	GuardBits byte       // Number of guard bits
	Steps     []StepSize // One entry per subband, LL first then HL/LH/HH per level
}

// Step returns the step size entry for subband index i, deriving it from the
// LL entry for scalar-derived quantization (T.800 E-5).
func (q *QCDMarker) Step(i, decompLevels int) StepSize {
	if q.Style == QuantizationScalarDerived && len(q.Steps) > 0 {
		base := q.Steps[0]
		if i == 0 {
			return base
		}
		level := (i-1)/3 + 1 // 1 = coarsest
		nb := decompLevels - level + 1
		return StepSize{Exponent: base.Exponent - decompLevels + nb, Mantissa: base.Mantissa}
	}
	if i < len(q.Steps) {
		return q.Steps[i]
	}
	return StepSize{}
}

// SOTMarker holds tile-part header parameters (ITU-T T.800 A.4.2)
type SOTMarker struct {
	TileIndex    uint16 // Tile index
	TilePartLen  uint32 // Length of tile-part
	TilePartIdx  byte   // Tile-part index
	NumTileParts byte   // Number of tile-parts (0 = not specified)
}

// COMMarker holds comment data (ITU-T T.800 A.9.2)
type COMMarker struct {
	Registration uint16 // Registration value (0=binary, 1=Latin-1)
	Data         []byte // Comment data
}

// Subband identifies a subband in the DWT decomposition
type Subband int

const (
	SubbandLL Subband = 0 // Low-Low (approximation)
	SubbandHL Subband = 1 // High-Low (horizontally high-pass)
	SubbandLH Subband = 2 // Low-High (vertically high-pass)
	SubbandHH Subband = 3 // High-High (diagonal detail)
)

// String returns the subband name
func (s Subband) String() string {
	switch s {
	case SubbandLL:
		return "LL"
	case SubbandHL:
		return "HL"
	case SubbandLH:
		return "LH"
	case SubbandHH:
		return "HH"
	default:
		return "Unknown"
	}
}

// reversibleGain is log2 of the nominal range gain of a 5/3 subband (T.800 Table E.1)
func (s Subband) reversibleGain() int {
	switch s {
	case SubbandHL, SubbandLH:
		return 1
	case SubbandHH:
		return 2
	default:
		return 0
	}
}
