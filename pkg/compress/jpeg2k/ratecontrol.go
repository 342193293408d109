package jpeg2k

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Post-compression rate-distortion optimization (PCRD) over quality layers.

var (
	// ErrConflictingTargets signals that both ratio and quality targets were given
	ErrConflictingTargets = errors.New("compression ratios and visual qualities are mutually exclusive")
	// ErrInvalidTarget signals a ratio below 1 or a negative, NaN or infinite target
	ErrInvalidTarget = errors.New("invalid layer target")
)

// TargetMode selects how quality layers are sized
type TargetMode int

const (
	TargetLossless TargetMode = iota // a single lossless layer
	TargetRatio                      // compression ratios, 1 is lossless
	TargetPSNR                       // PSNR in dB, 0 is lossless
)

// LayerPlan is the normalized list of layer targets, coarsest first
type LayerPlan struct {
	Mode   TargetMode
	Values []float64
}

// NormalizeTargets validates and orders layer targets: duplicates are
// removed, ratios sort descending, qualities ascending, and the lossless
// value always comes last.
func NormalizeTargets(ratios, qualities []float64) (LayerPlan, error) {
	if len(ratios) > 0 && len(qualities) > 0 {
		return LayerPlan{}, ErrConflictingTargets
	}
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	switch {
	case len(ratios) > 0:
		for _, r := range ratios {
			if !finite(r) || r < 1 {
				return LayerPlan{}, fmt.Errorf("%w: ratio %v", ErrInvalidTarget, r)
			}
		}
		vals := slices.Clone(ratios)
		slices.Sort(vals)
		vals = slices.Compact(vals)
		slices.Reverse(vals)
		return LayerPlan{Mode: TargetRatio, Values: vals}, nil
	case len(qualities) > 0:
		lossless := false
		var vals []float64
		for _, q := range qualities {
			if !finite(q) || q < 0 {
				return LayerPlan{}, fmt.Errorf("%w: quality %v", ErrInvalidTarget, q)
			}
			if q == 0 {
				lossless = true
				continue
			}
			vals = append(vals, q)
		}
		slices.Sort(vals)
		vals = slices.Compact(vals)
		if lossless {
			vals = append(vals, 0)
		}
		return LayerPlan{Mode: TargetPSNR, Values: vals}, nil
	}
	return LayerPlan{Mode: TargetLossless}, nil
}

// NumLayers returns the number of quality layers the plan produces
func (p LayerPlan) NumLayers() int {
	return max(1, len(p.Values))
}

// lossless reports whether layer k carries every coding pass
func (p LayerPlan) lossless(k int) bool {
	switch p.Mode {
	case TargetRatio:
		return p.Values[k] == 1
	case TargetPSNR:
		return p.Values[k] == 0
	}
	return true
}

// Reversible reports whether the plan ends in a lossless layer, which
// selects the 5/3 wavelet and RCT.
func (p LayerPlan) Reversible() bool {
	return p.lossless(p.NumLayers() - 1)
}

// blockHull is the lower convex hull of a block's rate-distortion points
type blockHull struct {
	passes []int     // pass counts at hull points
	slopes []float64 // distortion-rate slope reaching each point, decreasing
}

func newBlockHull(enc *EncodedBlock) blockHull {
	var h blockHull
	if enc == nil {
		return h
	}
	rate := func(n int) float64 {
		if n == 0 {
			return 0
		}
		return float64(enc.Passes[n-1].Rate)
	}
	dist := func(n int) float64 {
		if n == 0 {
			return 0
		}
		return enc.Passes[n-1].Distortion
	}
	for n := 1; n <= len(enc.Passes); n++ {
		for {
			prev := 0
			if k := len(h.passes); k > 0 {
				prev = h.passes[k-1]
			}
			dd := dist(n) - dist(prev)
			dr := rate(n) - rate(prev)
			if dd <= 0 {
				break
			}
			if dr <= 0 {
				if len(h.passes) == 0 {
					break
				}
				h.passes = h.passes[:len(h.passes)-1]
				h.slopes = h.slopes[:len(h.slopes)-1]
				continue
			}
			slope := dd / dr
			if k := len(h.slopes); k > 0 && slope >= h.slopes[k-1] {
				h.passes = h.passes[:k-1]
				h.slopes = h.slopes[:k-1]
				continue
			}
			h.passes = append(h.passes, n)
			h.slopes = append(h.slopes, slope)
			break
		}
	}
	return h
}

// passesAt returns the passes a block contributes at slope threshold lambda
func (h blockHull) passesAt(lambda float64) int {
	n := 0
	for i, s := range h.slopes {
		if s < lambda {
			break
		}
		n = h.passes[i]
	}
	return n
}

// rateAllocator assigns cumulative pass counts per layer to each block
type rateAllocator struct {
	blocks []*codeBlock
	hulls  []blockHull
	plan   LayerPlan
	// measure returns the Tier-2 size of layers 0..k as currently assigned
	measure func(k int) int
	// budget returns the byte budget of a ratio layer
	budget func(ratio float64) int
	// tolerated returns the squared error allowed by a quality layer
	tolerated func(psnr float64) float64
	// distortion returns the squared pixel error of layers 0..k as currently
	// assigned; nil trusts the pass distortion estimates
	distortion func(k int) float64
}

const (
	rateIterations     = 40
	// qualityCorrections bounds the re-searches of a quality layer whose
	// measured error exceeds its target
	qualityCorrections = 4
)

func newRateAllocator(blocks []*codeBlock, plan LayerPlan) *rateAllocator {
	a := &rateAllocator{blocks: blocks, plan: plan, hulls: make([]blockHull, len(blocks))}
	layers := plan.NumLayers()
	for i, cb := range blocks {
		a.hulls[i] = newBlockHull(cb.enc)
		cb.layerPasses = make([]int, layers)
	}
	return a
}

func (a *rateAllocator) slopeRange() (float64, float64) {
	lo, hi := math.Inf(1), 0.0
	for _, h := range a.hulls {
		for _, s := range h.slopes {
			lo = min(lo, s)
			hi = max(hi, s)
		}
	}
	if hi == 0 {
		return 1, 1
	}
	return lo, hi
}

func (a *rateAllocator) assign(k int, lambda float64) {
	for i, cb := range a.blocks {
		n := a.hulls[i].passesAt(lambda)
		if k > 0 {
			n = max(n, cb.layerPasses[k-1])
		}
		for j := k; j < len(cb.layerPasses); j++ {
			cb.layerPasses[j] = n
		}
	}
}

func (a *rateAllocator) assignAll(k int) {
	for _, cb := range a.blocks {
		n := 0
		if cb.enc != nil {
			n = len(cb.enc.Passes)
		}
		for j := k; j < len(cb.layerPasses); j++ {
			cb.layerPasses[j] = n
		}
	}
}

func (a *rateAllocator) residual() float64 {
	e := 0.0
	for _, cb := range a.blocks {
		if cb.enc == nil {
			continue
		}
		e += cb.enc.Energy
		if n := cb.layerPasses[len(cb.layerPasses)-1]; n > 0 {
			e -= cb.enc.Passes[n-1].Distortion
		}
	}
	return max(e, 0)
}

// allocate fills every block's layerPasses. Each layer's threshold is found
// by bisection on log(lambda) between the previous layer's threshold and
// the smallest hull slope.
func (a *rateAllocator) allocate() {
	layers := a.plan.NumLayers()
	minSlope, maxSlope := a.slopeRange()
	upper := maxSlope * 2
	for k := 0; k < layers; k++ {
		if a.plan.lossless(k) {
			a.assignAll(k)
			return
		}
		var tol float64
		fits := func(lambda float64) bool {
			a.assign(k, lambda)
			if a.plan.Mode == TargetRatio {
				return a.measure(k) <= a.budget(a.plan.Values[k])
			}
			return a.residual() <= tol
		}
		var lambda float64
		lo, hi := math.Log(minSlope), math.Log(upper)
		if a.plan.Mode == TargetRatio {
			// smallest lambda within the budget
			if fits(minSlope) {
				lambda = minSlope
			} else {
				lambda = upper
				for i := 0; i < rateIterations; i++ {
					mid := (lo + hi) / 2
					if v := math.Exp(mid); fits(v) {
						hi, lambda = mid, v
					} else {
						lo = mid
					}
				}
			}
		} else {
			// largest lambda reaching the quality, re-searched with a tighter
			// tolerance while the measured error is above the target
			want := a.tolerated(a.plan.Values[k])
			tol = want
			for try := 0; ; try++ {
				lambda = a.qualityThreshold(fits, minSlope, upper)
				if a.distortion == nil || try == qualityCorrections || lambda <= minSlope {
					break
				}
				a.assign(k, lambda)
				got := a.distortion(k)
				if got <= want {
					break
				}
				tol *= want / got
			}
		}
		a.assign(k, lambda)
		upper = lambda
	}
}

// qualityThreshold bisects for the largest lambda in [minSlope, upper] that fits
func (a *rateAllocator) qualityThreshold(fits func(float64) bool, minSlope, upper float64) float64 {
	switch {
	case fits(upper):
		return upper
	case !fits(minSlope):
		return minSlope
	}
	lambda := minSlope
	lo, hi := math.Log(minSlope), math.Log(upper)
	for i := 0; i < rateIterations; i++ {
		mid := (lo + hi) / 2
		if v := math.Exp(mid); fits(v) {
			lo, lambda = mid, v
		} else {
			hi = mid
		}
	}
	return lambda
}
