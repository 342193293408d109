package jpeg2k

import (
	"errors"
	"fmt"
	"math/bits"
)

// Tier-2 packet coding, ITU-T T.800 Annex B.9-B.10. Every resolution of a
// tile-component holds a single precinct, so a packet is identified by its
// layer, resolution and component.

// ErrCorruptPacket signals a packet header that cannot be decoded
var ErrCorruptPacket = errors.New("corrupt packet")

const initialLblock = 3

// codeBlock is one code-block of a subband
type codeBlock struct {
	bounds SubbandBounds // rectangle in the coefficient plane
	gx, gy int           // position in the band's code-block grid

	enc         *EncodedBlock
	layerPasses []int // cumulative passes included after each layer

	// Tier-2 state
	included     int
	lblock       int
	everIncluded bool

	// decoding
	numbps  int
	segment []byte
	passes  int // signalled by packet headers
	kept    int // passes whose bytes are in segment
}

// passBytes returns the byte range of passes [from, to) in the block's codeword
func (cb *codeBlock) passBytes(from, to int) (int, int) {
	start := 0
	if from > 0 {
		start = cb.enc.Passes[from-1].Rate
	}
	return start, cb.enc.Passes[to-1].Rate
}

// band is a subband of one resolution in one tile-component
type band struct {
	kind         Subband
	level        int // decomposition level, 1 finest; LL of resolution 0 carries the deepest
	bounds       SubbandBounds
	gridW, gridH int
	blocks       []*codeBlock
	mb           int     // magnitude bit-planes Mb
	step         float64 // quantizer step, 1 when reversible
	incl, zbp    *TagTree
}

// resolution groups the subbands of one resolution level: LL alone at
// resolution 0, HL LH HH above.
type resolution struct {
	bands []*band
}

func (r *resolution) empty() bool {
	for _, b := range r.bands {
		if len(b.blocks) > 0 {
			return false
		}
	}
	return true
}

// packetIndex addresses one packet of a single-tile codestream
type packetIndex struct {
	layer, res, comp int
}

// progressionSequence lists packets in the order a progression writes them.
// Position is a single step, so the position orders collapse.
func progressionSequence(p ProgressionOrder, layers, resolutions, comps int) []packetIndex {
	seq := make([]packetIndex, 0, layers*resolutions*comps)
	switch p {
	case ProgressionRLCP:
		for r := 0; r < resolutions; r++ {
			for l := 0; l < layers; l++ {
				for c := 0; c < comps; c++ {
					seq = append(seq, packetIndex{l, r, c})
				}
			}
		}
	case ProgressionRPCL:
		for r := 0; r < resolutions; r++ {
			for c := 0; c < comps; c++ {
				for l := 0; l < layers; l++ {
					seq = append(seq, packetIndex{l, r, c})
				}
			}
		}
	case ProgressionPCRL, ProgressionCPRL:
		for c := 0; c < comps; c++ {
			for r := 0; r < resolutions; r++ {
				for l := 0; l < layers; l++ {
					seq = append(seq, packetIndex{l, r, c})
				}
			}
		}
	default:
		for l := 0; l < layers; l++ {
			for r := 0; r < resolutions; r++ {
				for c := 0; c < comps; c++ {
					seq = append(seq, packetIndex{l, r, c})
				}
			}
		}
	}
	return seq
}

// resetEncoder prepares a resolution for packetizing from layer 0
func (r *resolution) resetEncoder() {
	for _, b := range r.bands {
		if len(b.blocks) == 0 {
			continue
		}
		b.incl = NewTagTree(b.gridW, b.gridH, noInclusion)
		b.zbp = NewTagTree(b.gridW, b.gridH, noInclusion)
		for _, cb := range b.blocks {
			cb.included, cb.lblock, cb.everIncluded = 0, initialLblock, false
			first := noInclusion
			for l, n := range cb.layerPasses {
				if n > 0 {
					first = l
					break
				}
			}
			b.incl.SetValue(cb.gx, cb.gy, first)
			zero := b.mb
			if cb.enc != nil && cb.enc.NumBps > 0 {
				zero = b.mb - cb.enc.NumBps
			}
			b.zbp.SetValue(cb.gx, cb.gy, zero)
		}
	}
}

// resetDecoder prepares a resolution for reading packets from layer 0
func (r *resolution) resetDecoder() {
	for _, b := range r.bands {
		if len(b.blocks) == 0 {
			continue
		}
		b.incl = NewTagTree(b.gridW, b.gridH, noInclusion)
		b.zbp = NewTagTree(b.gridW, b.gridH, noInclusion)
		b.incl.Reset()
		b.zbp.Reset()
		for _, cb := range b.blocks {
			cb.lblock, cb.everIncluded = initialLblock, false
			cb.numbps, cb.passes, cb.kept, cb.segment = 0, 0, 0, nil
		}
	}
}

func floorLog2(n int) int {
	if n <= 0 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}

func writePassCount(w *PacketBitWriter, n int) {
	switch {
	case n == 1:
		w.WriteBit(0)
	case n == 2:
		w.WriteBits(0b10, 2)
	case n <= 5:
		w.WriteBits(0b11, 2)
		w.WriteBits(uint32(n-3), 2)
	case n <= 36:
		w.WriteBits(0b1111, 4)
		w.WriteBits(uint32(n-6), 5)
	default:
		w.WriteBits(0b1_1111_1111, 9)
		w.WriteBits(uint32(n-37), 7)
	}
}

func readPassCount(r *PacketBitReader) (int, error) {
	bit, err := r.ReadBit()
	if err != nil || bit == 0 {
		return 1, err
	}
	if bit, err = r.ReadBit(); err != nil || bit == 0 {
		return 2, err
	}
	v, err := r.ReadBits(2)
	if err != nil || v != 3 {
		return 3 + int(v), err
	}
	if v, err = r.ReadBits(5); err != nil || v != 31 {
		return 6 + int(v), err
	}
	v, err = r.ReadBits(7)
	return 37 + int(v), err
}

// encodePacket appends the packet of layer for this resolution to dst. Code-block
// bodies are only copied when withBody is set; the returned size always
// includes them.
func (r *resolution) encodePacket(dst []byte, layer int, withBody bool) ([]byte, int) {
	type contribution struct {
		cb       *codeBlock
		from, to int
	}
	var contribs []contribution
	for _, b := range r.bands {
		for _, cb := range b.blocks {
			if cb.layerPasses[layer] > cb.included {
				contribs = append(contribs, contribution{cb: cb})
			}
		}
	}
	start := len(dst)
	w := NewPacketBitWriter(dst)
	if len(contribs) == 0 {
		w.WriteBit(0)
		dst = w.Flush()
		return dst, len(dst) - start
	}
	w.WriteBit(1)
	contribs = contribs[:0]
	for _, b := range r.bands {
		for _, cb := range b.blocks {
			newPasses := cb.layerPasses[layer] - cb.included
			if !cb.everIncluded {
				b.incl.Encode(w, cb.gx, cb.gy, layer+1)
			} else if newPasses > 0 {
				w.WriteBit(1)
			} else {
				w.WriteBit(0)
			}
			if newPasses <= 0 {
				continue
			}
			if !cb.everIncluded {
				b.zbp.Encode(w, cb.gx, cb.gy, 999)
				cb.everIncluded = true
			}
			writePassCount(w, newPasses)
			from, to := cb.passBytes(cb.included, cb.included+newPasses)
			length := to - from
			need := bits.Len(uint(length))
			increment := max(0, need-(cb.lblock+floorLog2(newPasses)))
			for i := 0; i < increment; i++ {
				w.WriteBit(1)
			}
			w.WriteBit(0)
			cb.lblock += increment
			w.WriteBits(uint32(length), cb.lblock+floorLog2(newPasses))
			cb.included += newPasses
			contribs = append(contribs, contribution{cb, from, to})
		}
	}
	dst = w.Flush()
	size := len(dst) - start
	for _, c := range contribs {
		size += c.to - c.from
		if withBody {
			dst = append(dst, c.cb.enc.Data[c.from:c.to]...)
		}
	}
	return dst, size
}

// decodePacket reads the packet of layer at the head of data and returns the
// bytes consumed. Code-block data is kept only when keep is set.
func (r *resolution) decodePacket(data []byte, layer int, keep bool) (int, error) {
	rd := NewPacketBitReader(data)
	present, err := rd.ReadBit()
	if err != nil {
		return 0, err
	}
	type contribution struct {
		cb     *codeBlock
		passes int
		length int
	}
	var contribs []contribution
	if present == 1 {
		for _, b := range r.bands {
			for _, cb := range b.blocks {
				var included bool
				if !cb.everIncluded {
					if included, err = b.incl.Decode(rd, cb.gx, cb.gy, layer+1); err != nil {
						return 0, err
					}
				} else {
					bit, err := rd.ReadBit()
					if err != nil {
						return 0, err
					}
					included = bit == 1
				}
				if !included {
					continue
				}
				if !cb.everIncluded {
					i := 1
					for {
						done, err := b.zbp.Decode(rd, cb.gx, cb.gy, i)
						if err != nil {
							return 0, err
						}
						if done {
							break
						}
						if i++; i > b.mb+1 {
							return 0, fmt.Errorf("%w: zero bit-planes exceed %d", ErrCorruptPacket, b.mb)
						}
					}
					cb.numbps = b.mb - b.zbp.Value(cb.gx, cb.gy)
					if cb.numbps <= 0 || cb.numbps > maxCodeBlockBitPlanes {
						return 0, fmt.Errorf("%w: %d bit-planes", ErrCorruptPacket, cb.numbps)
					}
					cb.everIncluded = true
				}
				passes, err := readPassCount(rd)
				if err != nil {
					return 0, err
				}
				if cb.passes+passes > 3*cb.numbps-2 {
					return 0, fmt.Errorf("%w: %d passes for %d bit-planes", ErrCorruptPacket, cb.passes+passes, cb.numbps)
				}
				for {
					bit, err := rd.ReadBit()
					if err != nil {
						return 0, err
					}
					if bit == 0 {
						break
					}
					if cb.lblock++; cb.lblock > 32 {
						return 0, fmt.Errorf("%w: Lblock overflow", ErrCorruptPacket)
					}
				}
				n := cb.lblock + floorLog2(passes)
				if n > 31 {
					return 0, fmt.Errorf("%w: length field of %d bits", ErrCorruptPacket, n)
				}
				length, err := rd.ReadBits(n)
				if err != nil {
					return 0, err
				}
				cb.passes += passes
				contribs = append(contribs, contribution{cb, passes, int(length)})
			}
		}
	}
	pos, err := rd.Align()
	if err != nil {
		return 0, err
	}
	for _, c := range contribs {
		if c.length > len(data)-pos {
			return 0, fmt.Errorf("%w: code-block body of %d bytes", ErrTruncated, c.length)
		}
		if keep {
			c.cb.segment = append(c.cb.segment, data[pos:pos+c.length]...)
			c.cb.kept += c.passes
		}
		pos += c.length
	}
	return pos, nil
}
