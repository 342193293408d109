package jpeg2k

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassCount_RoundTrip(t *testing.T) {
	counts := []int{1, 2, 3, 4, 5, 6, 20, 36, 37, 100, 164}
	w := NewPacketBitWriter(nil)
	for _, n := range counts {
		writePassCount(w, n)
	}
	r := NewPacketBitReader(w.Flush())
	for _, want := range counts {
		got, err := readPassCount(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFloorLog2(t *testing.T) {
	assert.Equal(t, 0, floorLog2(0))
	assert.Equal(t, 0, floorLog2(1))
	assert.Equal(t, 1, floorLog2(3))
	assert.Equal(t, 5, floorLog2(37))
}

func TestProgressionSequence(t *testing.T) {
	tests := []struct {
		order ProgressionOrder
		first []packetIndex
	}{
		{ProgressionLRCP, []packetIndex{{0, 0, 0}, {0, 0, 1}, {0, 1, 0}, {0, 1, 1}}},
		{ProgressionRLCP, []packetIndex{{0, 0, 0}, {0, 0, 1}, {1, 0, 0}, {1, 0, 1}}},
		{ProgressionRPCL, []packetIndex{{0, 0, 0}, {1, 0, 0}, {0, 0, 1}, {1, 0, 1}}},
		{ProgressionPCRL, []packetIndex{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}}},
		{ProgressionCPRL, []packetIndex{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			layers, resolutions, comps := 2, 3, 2
			seq := progressionSequence(tt.order, layers, resolutions, comps)
			require.Len(t, seq, layers*resolutions*comps)
			assert.Equal(t, tt.first, seq[:4])

			seen := make(map[packetIndex]bool)
			for _, pi := range seq {
				assert.False(t, seen[pi], "duplicate %v", pi)
				seen[pi] = true
			}
		})
	}
}

// codedComponent builds a 16x16 single-component layout whose code-blocks
// carry random coefficients, split over two layers.
func codedComponent(t *testing.T, seed uint64) (*tileParams, *tileComponent) {
	t.Helper()
	p := &tileParams{
		width: 16, height: 16, numComps: 1, precision: []int{8},
		levels: 1, transform: TransformReversible53, cbw: 4, cbh: 4,
	}
	tc := p.newComponent()
	rng := rand.New(rand.NewPCG(seed, seed))
	enc := NewBlockEncoder()
	tc.bands(func(b *band) {
		for i, cb := range b.blocks {
			n := cb.bounds.Width() * cb.bounds.Height()
			q := make([]int32, n)
			if i != 1 { // the second block of each band stays empty
				for k := range q {
					q[k] = rng.Int32N(200) - 100
				}
			}
			cb.enc = enc.Encode(q, nil, cb.bounds.Width(), cb.bounds.Height(), b.kind, 1)
			all := len(cb.enc.Passes)
			cb.layerPasses = []int{all / 2, all}
			b.mb = max(b.mb, cb.enc.NumBps)
		}
	})
	return p, tc
}

func TestPacket_RoundTrip(t *testing.T) {
	p, src := codedComponent(t, 42)
	var data []byte
	for _, r := range src.res {
		r.resetEncoder()
	}
	for layer := 0; layer < 2; layer++ {
		for _, r := range src.res {
			data, _ = r.encodePacket(data, layer, true)
		}
	}

	dst := p.newComponent()
	for ri, r := range dst.res {
		r.resetDecoder()
		for bi, b := range r.bands {
			b.mb = src.res[ri].bands[bi].mb
		}
	}
	pos := 0
	for layer := 0; layer < 2; layer++ {
		for _, r := range dst.res {
			n, err := r.decodePacket(data[pos:], layer, true)
			require.NoError(t, err, "layer %d", layer)
			pos += n
		}
	}
	assert.Equal(t, len(data), pos)

	for ri, r := range dst.res {
		for bi, b := range r.bands {
			for ci, cb := range b.blocks {
				want := src.res[ri].bands[bi].blocks[ci].enc
				assert.Equal(t, len(want.Passes), cb.passes, "r%d b%d cb%d", ri, bi, ci)
				assert.Equal(t, len(want.Passes), cb.kept)
				if len(want.Passes) == 0 {
					assert.Empty(t, cb.segment)
					continue
				}
				assert.Equal(t, want.NumBps, cb.numbps)
				assert.Equal(t, want.Data, cb.segment)
			}
		}
	}
}

func TestPacket_SizeWithoutBody(t *testing.T) {
	_, tc := codedComponent(t, 7)
	r := tc.res[1]
	r.resetEncoder()
	withBody, size := r.encodePacket(nil, 0, true)
	assert.Equal(t, len(withBody), size)

	r.resetEncoder()
	header, headerSize := r.encodePacket(nil, 0, false)
	assert.Equal(t, size, headerSize, "the size counts bodies either way")
	assert.Less(t, len(header), len(withBody))
	assert.Equal(t, header, withBody[:len(header)])
}

func TestPacket_Empty(t *testing.T) {
	_, tc := codedComponent(t, 3)
	r := tc.res[0]
	for _, b := range r.bands {
		for _, cb := range b.blocks {
			cb.layerPasses = []int{0, 0}
		}
	}
	r.resetEncoder()
	data, size := r.encodePacket(nil, 0, true)
	assert.Equal(t, []byte{0x00}, data)
	assert.Equal(t, 1, size)

	r.resetDecoder()
	n, err := r.decodePacket(data, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPacket_TruncatedBody(t *testing.T) {
	_, tc := codedComponent(t, 5)
	r := tc.res[1]
	r.resetEncoder()
	data, _ := r.encodePacket(nil, 0, true)

	_, dst := codedComponent(t, 5)
	dr := dst.res[1]
	dr.resetDecoder()
	_, err := dr.decodePacket(data[:len(data)-1], 0, true)
	assert.ErrorIs(t, err, ErrTruncated)
}
