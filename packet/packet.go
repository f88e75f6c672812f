// Package packet implements the coded packet representation used by
// the decoder: an encoding-vector header plus a coded payload, both
// packed at the same field width, with in-place vector operations.
// The header's [CoefMin, CoefMax] range is conservative by default —
// widened on every update, only tightened by an explicit
// RecomputeMinMax — so a caller can always trust it as an upper bound
// on which coefficients might be nonzero.
package packet

import (
	"fmt"

	"github.com/n9fec/slidecode/gf"
)

// HeaderBytes and PayloadMax are the build-time sizing knobs for a
// coded packet: the header's width (which bounds the window, see
// Window) and the largest payload a single packet may carry.
const (
	HeaderBytes = 16
	PayloadMax  = 128
)

// None is the sentinel absence value for a source packet index.
const None = gf.CoefPosNone

// CodedPacket is a single coded packet: an encoding-vector header
// covering a sliding window of source indices, plus a coded payload.
type CodedPacket struct {
	Field    *gf.Field
	CoefMin  uint32 // None iff the packet is known empty
	CoefMax  uint32
	DataSize int
	Buf      []byte // HeaderBytes header ‖ PayloadMax payload, packed at Field's width
}

// Window returns W, the number of coefficients that fit in the header
// at the given field, i.e. the maximum span of a single coded packet.
func Window(field *gf.Field) int {
	return (HeaderBytes * 8) / field.BitsPerCoef()
}

func (pkt *CodedPacket) window() int { return Window(pkt.Field) }

func (pkt *CodedPacket) header() []byte { return pkt.Buf[:HeaderBytes] }

func (pkt *CodedPacket) slot(p uint32) int {
	return int(p % uint32(pkt.window()))
}

func diff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// Init zeroes pkt and attaches it to field, leaving it empty.
func Init(pkt *CodedPacket, field *gf.Field) {
	pkt.Field = field
	if pkt.Buf == nil {
		pkt.Buf = make([]byte, HeaderBytes+PayloadMax)
	} else {
		for i := range pkt.Buf {
			pkt.Buf[i] = 0
		}
	}
	pkt.CoefMin = None
	pkt.CoefMax = None
	pkt.DataSize = 0
}

// InitFromSource initializes pkt to the single-source packet e_p ⊗ data:
// coefficient 1 at source index p, payload data.
func InitFromSource(pkt *CodedPacket, field *gf.Field, p uint32, data []byte) {
	Init(pkt, field)
	if len(data) > PayloadMax {
		panic(fmt.Sprintf("packet: source payload of %d bytes exceeds PayloadMax=%d", len(data), PayloadMax))
	}
	pkt.DataSize = len(data)
	copy(pkt.Buf[HeaderBytes:HeaderBytes+len(data)], data)
	pkt.SetCoef(p, 1)
}

// CopyFrom deep-copies src's buffer and scalar fields into pkt.
func (pkt *CodedPacket) CopyFrom(src *CodedPacket) {
	pkt.Field = src.Field
	pkt.CoefMin = src.CoefMin
	pkt.CoefMax = src.CoefMax
	pkt.DataSize = src.DataSize
	if pkt.Buf == nil {
		pkt.Buf = make([]byte, len(src.Buf))
	}
	copy(pkt.Buf, src.Buf)
}

// SetCoef writes coefficient c at source index p. If pkt was empty this
// seeds CoefMin/CoefMax at p; otherwise p must fall within one window
// of both existing bounds (a contract the packet set is responsible for
// upholding — violating it is a programmer error and panics).
// Writing c==0 clears that slot without contracting the range.
func (pkt *CodedPacket) SetCoef(p uint32, c byte) {
	if pkt.CoefMin == None {
		pkt.CoefMin = p
		pkt.CoefMax = p
	} else {
		w := uint32(pkt.window())
		if diff(p, pkt.CoefMin) >= w || diff(p, pkt.CoefMax) >= w {
			panic(fmt.Sprintf("packet: set_coef(%d) falls outside the window of [%d,%d]", p, pkt.CoefMin, pkt.CoefMax))
		}
		if p < pkt.CoefMin {
			pkt.CoefMin = p
		}
		if p > pkt.CoefMax {
			pkt.CoefMax = p
		}
	}
	pkt.Field.PackedSet(pkt.header(), pkt.slot(p), c)
}

// GetCoef returns the coefficient at source index p, or 0 if p falls
// outside [CoefMin, CoefMax].
func (pkt *CodedPacket) GetCoef(p uint32) byte {
	if pkt.CoefMin == None || p < pkt.CoefMin || p > pkt.CoefMax {
		return 0
	}
	return pkt.Field.PackedGet(pkt.header(), pkt.slot(p))
}

// ScalarMulInPlace replaces pkt's coefficients and payload by c·(·).
// Header and payload are multiplied in a single pass since both are
// packed at the same field width (see gf.Field.VectorScalarMul).
func (pkt *CodedPacket) ScalarMulInPlace(c byte) {
	n := HeaderBytes + pkt.DataSize
	pkt.Field.VectorScalarMul(pkt.Buf[:n], pkt.Buf[:n], c)
}

// Add computes result := p1+p2 over the header and the payload bytes up
// to max(p1.DataSize, p2.DataSize). result may alias p1 and/or p2.
// The resulting range is conservative; call RecomputeMinMax to tighten it.
func Add(result, p1, p2 *CodedPacket) {
	if result.Field == nil {
		result.Field = p1.Field
	}
	if result.Buf == nil {
		result.Buf = make([]byte, HeaderBytes+PayloadMax)
	}
	n1 := HeaderBytes + p1.DataSize
	n2 := HeaderBytes + p2.DataSize
	n := n1
	if n2 > n {
		n = n2
	}
	gf.VectorAdd(result.Buf[:n], p1.Buf[:n1], p2.Buf[:n2])
	result.DataSize = n - HeaderBytes
	result.CoefMin = gf.MinExcept(p1.CoefMin, p2.CoefMin, None)
	result.CoefMax = gf.MaxExcept(p1.CoefMax, p2.CoefMax, None)
}

// AddMul performs the fused update p1 := p1 + c·p2. p1 and p2 may
// alias. The resulting range is conservative.
func (p1 *CodedPacket) AddMul(c byte, p2 *CodedPacket) {
	if c == 0 {
		return
	}
	n1 := HeaderBytes + p1.DataSize
	n2 := HeaderBytes + p2.DataSize
	n := n1
	if n2 > n {
		n = n2
	}
	var scaled [HeaderBytes + PayloadMax]byte
	p1.Field.VectorScalarMul(scaled[:n2], p2.Buf[:n2], c)
	gf.VectorAdd(p1.Buf[:n], p1.Buf[:n1], scaled[:n2])
	p1.DataSize = n - HeaderBytes
	p1.CoefMin = gf.MinExcept(p1.CoefMin, p2.CoefMin, None)
	p1.CoefMax = gf.MaxExcept(p1.CoefMax, p2.CoefMax, None)
}

// RecomputeMinMax scans [CoefMin, CoefMax] inward from each end,
// shrinking the range to the first nonzero coefficients (or collapsing
// it to None on both sides if every coefficient in range is zero). It
// returns true iff a nonzero coefficient remains; this is the only
// operation that promises a tight (non-conservative) range on exit.
func (pkt *CodedPacket) RecomputeMinMax() bool {
	if pkt.CoefMin == None {
		return false
	}
	lo, hi := pkt.CoefMin, pkt.CoefMax
	for lo <= hi && pkt.Field.PackedGet(pkt.header(), pkt.slot(lo)) == 0 {
		lo++
	}
	if lo > hi {
		pkt.CoefMin, pkt.CoefMax = None, None
		return false
	}
	for hi > lo && pkt.Field.PackedGet(pkt.header(), pkt.slot(hi)) == 0 {
		hi--
	}
	pkt.CoefMin, pkt.CoefMax = lo, hi
	return true
}

// IsEmpty reports whether pkt has no nonzero coefficient, tightening
// CoefMin/CoefMax as a side effect.
func (pkt *CodedPacket) IsEmpty() bool {
	return !pkt.RecomputeMinMax()
}

// IsDecoded reports whether pkt has exactly one possibly-nonzero
// coefficient position (also true in the empty case; callers combine
// this with IsEmpty when they need strictness).
func (pkt *CodedPacket) IsDecoded() bool {
	return pkt.CoefMin == pkt.CoefMax
}
