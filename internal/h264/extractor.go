package h264

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	startCode3 = "\x00\x00\x01"

	// avccProbeWindow is the size of an AVCC length prefix; fewer than
	// avccProbeWindow+1 bytes (prefix plus NAL header byte) is too little
	// to judge whether a buffer starts with a length-prefixed unit.
	avccProbeWindow = 4
)

// Extractor re-frames a raw H.264 byte stream — Annex-B start-code
// delimited, or AVCC length-prefixed — into discrete Unit values. It is
// not safe for concurrent use; callers serialize Push per source stream.
type Extractor struct {
	buf       *linearBuffer
	sawAnyNAL bool
	modeAVCC  bool
	modeKnown bool

	// synced is true once the first start code has been located and
	// consumed; from that point on the buffer always begins exactly at
	// the first byte of the next (possibly still incomplete) unit, so
	// extractAnnexB never needs to re-search for a leading start code.
	synced bool
}

// NewExtractor returns an Extractor ready to consume a stream from its
// start.
func NewExtractor() *Extractor {
	return &Extractor{buf: newLinearBuffer(256 * 1024)}
}

// Push feeds newly-arrived bytes and returns every complete NAL unit
// that could be extracted. Remaining partial data is retained internally
// for the next call.
func (e *Extractor) Push(chunk []byte) []Unit {
	e.buf.append(chunk)
	now := time.Now()

	if !e.modeKnown {
		e.detectMode()
	}

	if e.modeAVCC {
		return e.extractAVCC(now)
	}
	return e.extractAnnexB(now)
}

// detectMode peeks at the buffer's head to decide whether the stream is
// Annex-B (a start code appears near the front) or AVCC (the first two
// consecutive units both look like a valid 4-byte length prefix followed
// by a plausible NAL header). This mirrors the heuristic the stream was
// ported from: Annex-B is the default assumption, AVCC is only adopted
// once a start code is absent within the first 32 bytes AND two
// consecutive length-prefixed units confirm it — a single coincidental
// big-endian prefix isn't enough, since it can occur by chance in an
// Annex-B stream too.
func (e *Extractor) detectMode() {
	data := e.buf.bytes()
	if len(data) < avccProbeWindow+1 {
		return
	}
	if idx := bytes.Index(data[:min(len(data), 32)], []byte(startCode3)); idx != -1 {
		e.modeAVCC = false
		e.modeKnown = true
		return
	}
	if looksLikeAVCCAt(data) {
		e.modeAVCC = true
		e.modeKnown = true
	}
}

// avccUnitAt reports whether data begins with a plausible AVCC
// length-prefixed NAL unit, and if so, that unit's total size (length
// prefix plus payload) so the caller can look for the next one.
func avccUnitAt(data []byte) (size int, ok bool) {
	if len(data) < avccProbeWindow+1 {
		return 0, false
	}
	length := binary.BigEndian.Uint32(data[:4])
	if length == 0 || int(length) > len(data)-4 {
		return 0, false
	}
	nalType := data[4] & 0x1F
	if nalType < 1 || nalType > 23 {
		return 0, false
	}
	return 4 + int(length), true
}

// looksLikeAVCCAt requires two consecutive length-prefixed units, not
// just one, before committing the stream to AVCC mode.
func looksLikeAVCCAt(data []byte) bool {
	first, ok := avccUnitAt(data)
	if !ok {
		return false
	}
	_, ok = avccUnitAt(data[first:])
	return ok
}

// extractAnnexB scans for start-code-delimited NAL units, mirroring the
// zero-copy bytes.Index scan the device encoder's own framer uses.
func (e *Extractor) extractAnnexB(now time.Time) []Unit {
	if !e.synced {
		data := e.buf.bytes()
		first := bytes.Index(data, []byte(startCode3))
		if first == -1 {
			// No start code at all yet: drop everything but the last
			// 4 bytes (which may hold the start of a start code split
			// across chunks) as leading garbage.
			if len(data) > 4 {
				e.buf.discard(len(data) - 4)
			}
			return nil
		}
		e.buf.discard(first + 3) // drop any leading garbage plus the start code itself
		e.synced = true
	}

	var units []Unit
	data := e.buf.bytes()
	consumed := 0
	for {
		next := bytes.Index(data[consumed:], []byte(startCode3))
		if next == -1 {
			break
		}
		end := consumed + next
		// A 4-byte start code (00 00 00 01) leaves a trailing zero
		// that belongs to the delimiter, not the payload.
		trimmedEnd := end
		if trimmedEnd > consumed && data[trimmedEnd-1] == 0x00 {
			trimmedEnd--
		}
		if trimmedEnd > consumed {
			units = append(units, e.makeUnit(data[consumed:trimmedEnd], now))
			e.sawAnyNAL = true
		}
		consumed = end + 3 // past the start code; next unit starts here
	}

	if consumed > 0 {
		e.buf.discard(consumed)
	}
	return units
}

// extractAVCC consumes 4-byte big-endian length-prefixed NAL units and
// re-emits their payloads with the length prefix stripped, in the same
// start-code-free form extractAnnexB emits.
// Every consumer that puts a unit back on the wire or into a decoder is
// responsible for re-adding an Annex-B start code; the stream websocket
// and the snapshot decoder feed both do this at their own boundary.
func (e *Extractor) extractAVCC(now time.Time) []Unit {
	var units []Unit
	consumed := 0
	for {
		data := e.buf.bytes()[consumed:]
		if len(data) < 4 {
			break
		}
		length := int(binary.BigEndian.Uint32(data[:4]))
		if length <= 0 || 4+length > len(data) {
			break
		}
		nal := data[4 : 4+length]
		units = append(units, e.makeUnit(nal, now))
		e.sawAnyNAL = true
		consumed += 4 + length
	}
	if consumed > 0 {
		e.buf.discard(consumed)
	}
	return units
}

func (e *Extractor) makeUnit(nal []byte, now time.Time) Unit {
	cp := make([]byte, len(nal))
	copy(cp, nal)
	kind := KindOther
	if len(cp) > 0 {
		kind = kindForNALType(cp[0] & 0x1F)
	}
	return Unit{
		Kind:      kind,
		Data:      cp,
		Arrived:   now,
		IsKeyable: kind == KindSPS || kind == KindPPS || kind == KindIDR,
	}
}
