package envelope

import (
	"fmt"
	"slices"
)

// Mode selects how raw chunk RMS values are scaled into [0, 1].
type Mode string

const (
	// ModePercentile divides by the RMS found at a high percentile of the
	// item's own chunks, so a few loud transients do not flatten the rest.
	ModePercentile Mode = "percentile"

	// ModePeak divides by the loudest chunk of the item.
	ModePeak Mode = "peak"

	// ModeFixed divides by a constant reference level shared by all items.
	ModeFixed Mode = "fixed"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModePercentile, ModePeak, ModeFixed:
		return true
	}
	return false
}

// floor replaces a zero reference so silent input maps to 0 instead of NaN.
const floor = 0.001

// Normalizer is the tunable loudness reference.
type Normalizer struct {
	Mode Mode

	// Percentile in (0, 1] used by [ModePercentile]. Default: 0.95.
	Percentile float64

	// Reference RMS level used by [ModeFixed]. Default: 0.3.
	Reference float64
}

// DefaultNormalizer returns the 95th-percentile normalizer.
func DefaultNormalizer() Normalizer {
	return Normalizer{Mode: ModePercentile, Percentile: 0.95, Reference: 0.3}
}

// Validate reports configuration errors.
func (n Normalizer) Validate() error {
	if !n.Mode.IsValid() {
		return fmt.Errorf("envelope: normalize mode %q is invalid; valid values: percentile, peak, fixed", n.Mode)
	}
	if n.Mode == ModePercentile && (n.Percentile <= 0 || n.Percentile > 1) {
		return fmt.Errorf("envelope: percentile %.3f is out of range (0, 1]", n.Percentile)
	}
	if n.Mode == ModeFixed && n.Reference <= 0 {
		return fmt.Errorf("envelope: reference %.3f must be positive", n.Reference)
	}
	return nil
}

// reference picks the divisor for rms, which must be non-empty.
func (n Normalizer) reference(rms []float64) float64 {
	var ref float64
	switch n.Mode {
	case ModePeak:
		ref = slices.Max(rms)
	case ModeFixed:
		ref = n.Reference
	default:
		p := n.Percentile
		if p <= 0 || p > 1 {
			p = 0.95
		}
		sorted := slices.Clone(rms)
		slices.Sort(sorted)
		idx := min(int(float64(len(sorted))*p), len(sorted)-1)
		ref = sorted[idx]
	}
	if ref <= 0 {
		return floor
	}
	return ref
}
