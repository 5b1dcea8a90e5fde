package bfd

import "time"

// RFC 7419 Section 3 defines a small set of timer interval values that all
// implementations SHOULD support -- 3.3ms, 10ms, 20ms, 50ms, 100ms, 1s, plus
// a 10s value recommended for graceful restart. Sticking to this set avoids
// negotiation mismatches between software-paced and hardware-paced BFD
// peers that would otherwise never agree on a transmit interval.

// CommonIntervals is the RFC 7419 common interval set, ascending.
//
//nolint:gochecknoglobals // lookup table, intentionally package-level
var CommonIntervals = [...]time.Duration{
	3300 * time.Microsecond, // MPLS-TP, GR-253-CORE
	10 * time.Millisecond,
	20 * time.Millisecond, // software-based floor
	50 * time.Millisecond,
	100 * time.Millisecond, // G.8013/Y.1731 reuse
	1 * time.Second,        // RFC 5880 slow rate
}

// GracefulRestartInterval is RFC 7419 Section 3's recommended interval for
// graceful restart. Paired with DetectMult 255 it yields a 42.5-minute
// detection timeout.
const GracefulRestartInterval = 10 * time.Second

// IsCommonInterval reports whether d exactly equals one of the RFC 7419
// common values.
func IsCommonInterval(d time.Duration) bool {
	for _, ci := range CommonIntervals {
		if d == ci {
			return true
		}
	}
	return false
}

// AlignToCommonInterval rounds d up to the nearest RFC 7419 common value.
// Values at or below zero, and values above the largest common interval
// (1s), are returned unchanged -- RFC 7419 permits values outside the
// common set.
func AlignToCommonInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	for _, ci := range CommonIntervals {
		if d <= ci {
			return ci
		}
	}
	return d
}

// NearestCommonInterval returns the RFC 7419 common value closest to d,
// breaking ties toward the smaller interval. Values at or below zero map
// to the smallest common interval (3.3ms).
func NearestCommonInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return CommonIntervals[0]
	}

	best := CommonIntervals[0]
	bestDelta := absDuration(d - best)
	for _, ci := range CommonIntervals[1:] {
		if delta := absDuration(d - ci); delta < bestDelta {
			best, bestDelta = ci, delta
		}
	}

	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
