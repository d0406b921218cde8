package h264

// prefixCap bounds how many AUD/SEI units accumulate between VCL units
// before the oldest are dropped, matching the original session's
// _au_prefix trim.
const prefixCap = 16

// GopCache holds the units a late-joining subscriber needs to start
// decoding at the next IDR: the current SPS/PPS pair, the IDR itself, and
// every non-IDR unit emitted since. It is rebuilt from scratch on every
// IDR and discarded (awaiting the next IDR) if it grows past its byte
// cap, mirroring the original stream session's _update_gop_cache rules.
type GopCache struct {
	capBytes int

	sps, pps []byte
	prefix   []Unit // AUD/SEI observed since the last VCL unit
	units    []Unit
	size     int

	awaitingIDR bool
}

// NewGopCache returns an empty cache capped at capBytes of cached unit
// payload.
func NewGopCache(capBytes int) *GopCache {
	return &GopCache{capBytes: capBytes}
}

// Observe feeds one freshly-extracted unit through the cache's update
// rules. It returns true if the cache was reset because it exceeded its
// byte cap (the caller should log/count this as a dropped GOP).
func (g *GopCache) Observe(u Unit) (overflowed bool) {
	switch u.Kind {
	case KindSPS:
		spsChanged := g.sps != nil && !sameBytes(g.sps, u.Data)
		g.sps = u.Data
		g.prefix = g.prefix[:0]
		if spsChanged && len(g.units) > 0 {
			// A live GOP was anchored to the old SPS; it's no longer
			// self-sufficient, so discard it and wait for the next IDR
			// to reseed against the new parameter set.
			g.units = g.units[:0]
			g.size = 0
			g.awaitingIDR = true
		}
		return false
	case KindPPS:
		g.pps = u.Data
		return false
	case KindAUD:
		g.prefix = append(g.prefix, u)
		if len(g.prefix) > prefixCap {
			g.prefix = g.prefix[len(g.prefix)-prefixCap:]
		}
		return false
	case KindIDR:
		g.units = g.units[:0]
		g.size = 0
		g.awaitingIDR = false
		g.units = append(g.units, g.prefix...)
		for _, p := range g.prefix {
			g.size += len(p.Data)
		}
		g.prefix = g.prefix[:0]
		g.units = append(g.units, u)
		g.size += len(u.Data)
		return false
	case KindNonIDR:
		g.prefix = g.prefix[:0]
		if g.awaitingIDR || len(g.units) == 0 {
			// No IDR anchor yet (or we're deliberately discarding
			// until the next one); nothing to anchor this unit to.
			return false
		}
		g.units = append(g.units, u)
		g.size += len(u.Data)
		if g.size > g.capBytes {
			g.units = g.units[:0]
			g.size = 0
			g.awaitingIDR = true
			return true
		}
		return false
	default:
		// Other: not cached standalone, passed through live only.
		return false
	}
}

func sameBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Snapshot returns the units a new subscriber should be prefilled with:
// SPS, PPS, then any AUD/SEI units spliced in ahead of the IDR, the
// cached IDR, and every non-IDR unit since, in arrival order. The slice is safe to hand to a subscriber without copying
// further — cached Unit.Data is never mutated in place.
func (g *GopCache) Snapshot() []Unit {
	if g.awaitingIDR || len(g.units) == 0 {
		return nil
	}
	out := make([]Unit, 0, len(g.units)+2)
	if g.sps != nil {
		out = append(out, Unit{Kind: KindSPS, Data: g.sps, IsKeyable: true})
	}
	if g.pps != nil {
		out = append(out, Unit{Kind: KindPPS, Data: g.pps, IsKeyable: true})
	}
	out = append(out, g.units...)
	return out
}

// Ready reports whether the cache currently holds a usable prefill (i.e.
// Snapshot would return a non-empty slice).
func (g *GopCache) Ready() bool {
	return !g.awaitingIDR && len(g.units) > 0
}

// Reset clears the cache, forcing it to wait for the next IDR before it
// is considered ready again. Used by the capture worker's teardown so a
// restarted stream begins from an empty cache.
func (g *GopCache) Reset() {
	g.sps = nil
	g.pps = nil
	g.prefix = g.prefix[:0]
	g.units = g.units[:0]
	g.size = 0
	g.awaitingIDR = false
}
