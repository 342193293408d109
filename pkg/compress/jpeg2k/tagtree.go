package jpeg2k

// Tag trees code a 2D array of non-negative integers incrementally across
// thresholds (T.800 B.10.2).

// noInclusion marks a code-block that is never included in any layer
const noInclusion = 1 << 30

type tagNode struct {
	parent *tagNode
	value  int
	low    int
	known  bool
}

// TagTree is a quad-tree over a w x h grid of leaves
type TagTree struct {
	w, h  int
	nodes []tagNode // leaves first, then each coarser level, root last
}

// NewTagTree builds a tree for a w x h grid, every value set to v
func NewTagTree(w, h, v int) *TagTree {
	t := &TagTree{w: w, h: h}
	var levels [][2]int
	for lw, lh := w, h; ; {
		levels = append(levels, [2]int{lw, lh})
		if lw <= 1 && lh <= 1 {
			break
		}
		lw, lh = (lw+1)/2, (lh+1)/2
	}
	total := 0
	for _, l := range levels {
		total += l[0] * l[1]
	}
	t.nodes = make([]tagNode, total)
	offset := 0
	for i, l := range levels {
		next := offset + l[0]*l[1]
		if i+1 < len(levels) {
			pw := levels[i+1][0]
			for y := 0; y < l[1]; y++ {
				for x := 0; x < l[0]; x++ {
					t.nodes[offset+y*l[0]+x].parent = &t.nodes[next+(y/2)*pw+x/2]
				}
			}
		}
		offset = next
	}
	for i := range t.nodes {
		t.nodes[i].value = v
	}
	return t
}

// SetValue sets a leaf and propagates the minimum to its ancestors
func (t *TagTree) SetValue(x, y, v int) {
	n := &t.nodes[y*t.w+x]
	for n != nil && n.value > v {
		n.value = v
		n = n.parent
	}
}

// Value returns a leaf value; on the decoding side this is the value
// learned so far.
func (t *TagTree) Value(x, y int) int {
	return t.nodes[y*t.w+x].value
}

// Reset prepares every node for decoding
func (t *TagTree) Reset() {
	for i := range t.nodes {
		t.nodes[i].value = noInclusion
		t.nodes[i].low = 0
		t.nodes[i].known = false
	}
}

func (t *TagTree) path(x, y int) []*tagNode {
	var stack []*tagNode
	for n := &t.nodes[y*t.w+x]; n != nil; n = n.parent {
		stack = append(stack, n)
	}
	return stack
}

// Encode writes the information needed to tell whether leaf (x, y) is below
// threshold.
func (t *TagTree) Encode(w *PacketBitWriter, x, y, threshold int) {
	stack := t.path(x, y)
	low := 0
	for i := len(stack) - 1; i >= 0; i-- {
		n := stack[i]
		low = max(low, n.low)
		for low < threshold {
			if low >= n.value {
				if !n.known {
					w.WriteBit(1)
					n.known = true
				}
				break
			}
			w.WriteBit(0)
			low++
		}
		n.low = low
	}
}

// Decode reads bits for leaf (x, y) and reports whether its value is below
// threshold.
func (t *TagTree) Decode(r *PacketBitReader, x, y, threshold int) (bool, error) {
	stack := t.path(x, y)
	low := 0
	for i := len(stack) - 1; i >= 0; i-- {
		n := stack[i]
		low = max(low, n.low)
		for low < threshold && low < n.value {
			bit, err := r.ReadBit()
			if err != nil {
				return false, err
			}
			if bit == 1 {
				n.value = low
			} else {
				low++
			}
		}
		n.low = low
	}
	return stack[0].value < threshold, nil
}
