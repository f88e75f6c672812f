// Package decode implements the packet set: a bounded, sliding-window
// decoding buffer that performs reduction, pivot selection,
// back-substitution and eviction, issuing decoded-packet and
// buffer-full notifications to the host.
package decode

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/n9fec/slidecode/bitmap"
	"github.com/n9fec/slidecode/gf"
	"github.com/n9fec/slidecode/packet"
)

// None is the sentinel absence value for a source packet index,
// shared with the packet package.
const None = packet.None

// PacketID names a storage slot within a Set. PacketIDNone means "no
// such slot".
type PacketID int

// PacketIDNone is the sentinel absence value for a storage slot.
const PacketIDNone PacketID = -1

// OnDecodedFunc is invoked when the row at packetID transitions into
// the decoded state. The host may inspect set.Row(packetID)
// synchronously; it must not mutate set.
type OnDecodedFunc func(set *Set, packetID PacketID)

// OnFullFunc is invoked when the set needs to make room. If threshold
// is None, any slot may be freed; otherwise the host should free
// pivots whose source index is <= threshold. A safe host
// implementation is a small loop calling Set.FreeFirst until success
// or exhaustion.
type OnFullFunc func(set *Set, threshold uint32)

// FetchDecodedFunc populates out with a row equivalent to e_p (single
// coefficient 1 at source index p, payload the previously-decoded
// source data). Returning false is acceptable; the caller then treats
// the row as unreachable.
type FetchDecodedFunc func(set *Set, p uint32, out *packet.CodedPacket) bool

// Stat reports the reduction work performed by one Add call.
type Stat struct {
	NonReduction     int
	ReductionSuccess int
	ReductionFailure int
	CoefPosTooLow    int
	CoefPosTooHigh   int
	Elimination      int
	Decoded          int
}

// Set is a bounded sliding-window decoding buffer of capacity C
// (MAX_CODED_PACKET), holding up to C coded packets as the in-flight
// rows of a reduced row-echelon form.
type Set struct {
	field    *gf.Field
	capacity int

	rows    []packet.CodedPacket
	idToPos []uint32    // per slot: pivot source index, or None
	posToID []PacketID  // per (coefPos mod C): pivot slot, or PacketIDNone

	coefPosMin uint32
	coefPosMax uint32

	decodedBitmap *bitmap.Bitmap
	nbDecoded     uint64

	onDecoded    OnDecodedFunc
	onFull       OnFullFunc
	fetchDecoded FetchDecodedFunc
	userData     interface{}

	logger *log.Logger
}

// New builds an empty packet set for the given field, with capacity
// slots and a decoded-delivery bitmap covering source indices
// [0, maxCoefPos). Any of the three callbacks may be nil.
func New(field *gf.Field, capacity, maxCoefPos int, onDecoded OnDecodedFunc, onFull OnFullFunc, fetchDecoded FetchDecodedFunc, userData interface{}) *Set {
	s := &Set{
		field:         field,
		capacity:      capacity,
		rows:          make([]packet.CodedPacket, capacity),
		idToPos:       make([]uint32, capacity),
		posToID:       make([]PacketID, capacity),
		coefPosMin:    None,
		coefPosMax:    None,
		decodedBitmap: bitmap.New(maxCoefPos),
		onDecoded:     onDecoded,
		onFull:        onFull,
		fetchDecoded:  fetchDecoded,
		userData:      userData,
	}
	for i := range s.idToPos {
		s.idToPos[i] = None
	}
	for i := range s.posToID {
		s.posToID[i] = PacketIDNone
	}
	for i := range s.rows {
		packet.Init(&s.rows[i], field)
	}
	return s
}

// SetLogger attaches an optional debug logger. Tracing happens around
// the reduction/back-substitution loop, never inside its control flow.
func (s *Set) SetLogger(l *log.Logger) { s.logger = l }

// Field returns the field shared by this set and every packet it accepts.
func (s *Set) Field() *gf.Field { return s.field }

// Capacity returns C, the maximum number of pivots held simultaneously.
func (s *Set) Capacity() int { return s.capacity }

// UserData returns the opaque handle passed to New.
func (s *Set) UserData() interface{} { return s.userData }

// NumDecoded returns the number of decode events since init; purely an
// observability counter, never consulted by the decode logic itself.
func (s *Set) NumDecoded() uint64 { return s.nbDecoded }

// Row returns the stored packet at slot id. Valid only while id is live
// (see PivotSlotOf); intended for on_decoded callbacks to inspect the
// just-decoded row.
func (s *Set) Row(id PacketID) *packet.CodedPacket { return &s.rows[id] }

// PivotPos returns the source index for which slot id is the pivot.
func (s *Set) PivotPos(id PacketID) uint32 { return s.idToPos[id] }

// IsEmpty reports whether the set holds no pivot.
func (s *Set) IsEmpty() bool { return s.coefPosMin == None }

// CoefPosMin returns the low end of the envelope, or None if empty.
func (s *Set) CoefPosMin() uint32 { return s.coefPosMin }

// CoefPosMax returns the high end of the envelope, or None if empty.
func (s *Set) CoefPosMax() uint32 { return s.coefPosMax }

// PivotSlotOf returns the storage slot whose pivot is source index p,
// or PacketIDNone.
func (s *Set) PivotSlotOf(p uint32) PacketID {
	if s.coefPosMin == None || p < s.coefPosMin || p > s.coefPosMax {
		return PacketIDNone
	}
	return s.posToID[p%uint32(s.capacity)]
}

// Count returns the number of stored rows, optionally excluding rows
// already recognized as decoded.
func (s *Set) Count(includeDecoded bool) int {
	if s.IsEmpty() {
		return 0
	}
	n := 0
	for p := s.coefPosMin; p <= s.coefPosMax; p++ {
		id := s.posToID[p%uint32(s.capacity)]
		if id == PacketIDNone {
			continue
		}
		if includeDecoded || !s.rows[id].IsDecoded() {
			n++
		}
	}
	return n
}

// RecomputeEnvelope scans stored rows, tightening each in turn, and
// resets coefPosMin/coefPosMax to the extremal values (None iff the
// set becomes empty).
func (s *Set) RecomputeEnvelope() {
	lo, hi := uint32(None), uint32(None)
	for i := 0; i < s.capacity; i++ {
		if s.idToPos[i] == None {
			continue
		}
		row := &s.rows[i]
		row.RecomputeMinMax()
		lo = gf.MinExcept(lo, row.CoefMin, None)
		hi = gf.MaxExcept(hi, row.CoefMax, None)
	}
	s.coefPosMin, s.coefPosMax = lo, hi
}

// FreeFirst releases the pivot at coefPosMin, but only if it is
// already decoded; otherwise it does nothing and returns false.
func (s *Set) FreeFirst() bool {
	if s.IsEmpty() {
		return false
	}
	pos := s.coefPosMin
	id := s.posToID[pos%uint32(s.capacity)]
	if id == PacketIDNone {
		return false
	}
	if !s.rows[id].IsDecoded() {
		return false
	}
	p := s.idToPos[id]
	s.idToPos[id] = None
	s.posToID[p%uint32(s.capacity)] = PacketIDNone
	s.RecomputeEnvelope()
	return true
}

// LowIndex returns the smallest source index known to be not yet
// delivered, bounded above by the highest decoded pivot position; used
// by the transport to request retransmission.
func (s *Set) LowIndex() uint32 {
	lowestUndecoded, highestDecoded := uint32(None), uint32(None)
	for i := 0; i < s.capacity; i++ {
		if s.idToPos[i] == None {
			continue
		}
		row := &s.rows[i]
		if row.IsDecoded() {
			highestDecoded = gf.MaxExcept(highestDecoded, row.CoefMax, None)
		} else {
			lowestUndecoded = gf.MinExcept(lowestUndecoded, row.CoefMin, None)
		}
	}
	bound := lowestUndecoded
	if bound == None {
		bound = highestDecoded
	}
	if bound == None {
		return None
	}
	for p := uint32(0); p < bound; p++ {
		if !s.decodedBitmap.Test(int(p)) {
			return p
		}
	}
	return bound
}

// Check runs an assertion-only consistency audit of the set's internal
// bookkeeping (envelope span, id/pos table symmetry, pivot coefficient
// normalization, decoded-bitmap agreement), returning a descriptive
// error on the first violation found. Intended for tests, not the hot
// path.
func (s *Set) Check() error {
	if (s.coefPosMin == None) != (s.coefPosMax == None) {
		return fmt.Errorf("decode: coefPosMin/coefPosMax sentinel mismatch (%d, %d)", s.coefPosMin, s.coefPosMax)
	}
	if s.coefPosMin != None && s.coefPosMax-s.coefPosMin >= uint32(s.capacity) {
		return fmt.Errorf("decode: envelope span %d exceeds capacity %d", s.coefPosMax-s.coefPosMin, s.capacity)
	}
	for i := 0; i < s.capacity; i++ {
		p := s.idToPos[i]
		if p == None {
			continue
		}
		if s.posToID[p%uint32(s.capacity)] != PacketID(i) {
			return fmt.Errorf("decode: pos_to_id[%d] does not point back to slot %d", p%uint32(s.capacity), i)
		}
		row := &s.rows[i]
		if row.CoefMin == None || row.CoefMax == None {
			return fmt.Errorf("decode: live slot %d holds an empty row", i)
		}
		if row.CoefMin < s.coefPosMin || row.CoefMax > s.coefPosMax {
			return fmt.Errorf("decode: slot %d range [%d,%d] escapes envelope [%d,%d]", i, row.CoefMin, row.CoefMax, s.coefPosMin, s.coefPosMax)
		}
		if row.CoefMax-row.CoefMin >= uint32(s.capacity) {
			return fmt.Errorf("decode: slot %d span %d meets or exceeds capacity %d", i, row.CoefMax-row.CoefMin, s.capacity)
		}
		if c := row.GetCoef(p); c != 1 {
			return fmt.Errorf("decode: slot %d pivot coefficient at %d is %d, want 1", i, p, c)
		}
		wantDecoded := row.IsDecoded()
		gotBit := s.decodedBitmap.Test(int(p))
		if wantDecoded != gotBit {
			return fmt.Errorf("decode: decodedBitmap[%d]=%v but row decoded=%v", p, gotBit, wantDecoded)
		}
	}
	for j := 0; j < s.capacity; j++ {
		id := s.posToID[j]
		if id == PacketIDNone {
			continue
		}
		if int(s.idToPos[id]%uint32(s.capacity)) != j {
			return fmt.Errorf("decode: id_to_pos[%d] does not map back to bucket %d", id, j)
		}
	}
	return nil
}

func (s *Set) allocSlot() PacketID {
	for i := 0; i < s.capacity; i++ {
		if s.idToPos[i] == None {
			return PacketID(i)
		}
	}
	return PacketIDNone
}

func (s *Set) markDecoded(id PacketID, p uint32, stat *Stat) {
	s.decodedBitmap.Set(int(p))
	stat.Decoded++
	s.nbDecoded++
	if s.logger != nil {
		s.logger.Debug("packet decoded", "slot", id, "pos", p)
	}
	if s.onDecoded != nil {
		s.onDecoded(s, id)
	}
}

// reduce runs the forward reduction pass of Add: it eliminates every
// coefficient that already has a stored or fetchable pivot, then scans
// downward from the highest remaining nonzero coefficient to pick the
// new pivot position. ok is false when the packet cancels to zero or no
// acceptable pivot position remains.
func (s *Set) reduce(pkt *packet.CodedPacket, stat *Stat) (pivot uint32, ok bool) {
	empty := !pkt.RecomputeMinMax()
	if empty {
		return 0, false
	}

	w := uint32(packet.Window(s.field))
	span := uint32(s.capacity)
	if w < span {
		span = w
	}

	for p := pkt.CoefMin; p <= pkt.CoefMax; p++ {
		if empty {
			return 0, false
		}
		coef := pkt.GetCoef(p)
		if coef == 0 {
			continue
		}

		var base *packet.CodedPacket
		var fetched packet.CodedPacket
		if id := s.PivotSlotOf(p); id != PacketIDNone {
			base = &s.rows[id]
		} else if s.fetchDecoded != nil && s.decodedBitmap.Test(int(p)) {
			if s.fetchDecoded(s, p, &fetched) {
				base = &fetched
			}
		}
		if base == nil {
			stat.NonReduction++
			continue
		}

		lo := gf.MinExcept(pkt.CoefMin, base.CoefMin, None)
		hi := gf.MaxExcept(pkt.CoefMax, base.CoefMax, None)
		if hi-lo >= span {
			stat.ReductionFailure++
			continue
		}

		stat.ReductionSuccess++
		pkt.AddMul(pkt.Field.Neg(coef), base)
		empty = !pkt.RecomputeMinMax()
	}

	if empty {
		return 0, false
	}
	for i := pkt.CoefMax; ; i-- {
		if pkt.GetCoef(i) != 0 && s.PivotSlotOf(i) == PacketIDNone {
			return i, true
		}
		if i == pkt.CoefMin {
			break
		}
	}
	return 0, false
}

// Add inserts a coded packet with possible reduction, pivot acceptance
// and back-substitution. pkt.Field.L() must equal set.Field().L(); pkt
// is mutated. stat, if non-nil, is zeroed then populated. Returns the
// new slot id, or PacketIDNone if nothing was
// accepted (the set is left in a consistent state either way).
func (s *Set) Add(pkt *packet.CodedPacket, stat *Stat) PacketID {
	if pkt.Field.L() != s.field.L() {
		panic(fmt.Sprintf("decode: field mismatch, packet l=%d set l=%d", pkt.Field.L(), s.field.L()))
	}
	if stat == nil {
		stat = &Stat{}
	} else {
		*stat = Stat{}
	}

	p, ok := s.reduce(pkt, stat)
	if !ok {
		return PacketIDNone
	}

	if s.IsEmpty() {
		s.coefPosMin, s.coefPosMax = pkt.CoefMin, pkt.CoefMax
	}

	if pkt.CoefMax > s.coefPosMax {
		if pkt.CoefMax-s.coefPosMin >= uint32(s.capacity) {
			if s.onFull != nil {
				if s.logger != nil {
					s.logger.Debug("requesting eviction", "threshold", pkt.CoefMax-uint32(s.capacity)-1)
				}
				s.onFull(s, pkt.CoefMax-uint32(s.capacity)-1)
			}
			if s.IsEmpty() {
				s.coefPosMin, s.coefPosMax = pkt.CoefMin, pkt.CoefMax
			}
			if pkt.CoefMax-s.coefPosMin >= uint32(s.capacity) {
				stat.CoefPosTooHigh++
				return PacketIDNone
			}
		}
		s.coefPosMax = pkt.CoefMax
	}

	if pkt.CoefMin < s.coefPosMin {
		if s.coefPosMax-pkt.CoefMin >= uint32(s.capacity) {
			stat.CoefPosTooLow++
			return PacketIDNone
		}
		s.coefPosMin = pkt.CoefMin
	}

	id := s.allocSlot()
	if id == PacketIDNone && s.onFull != nil {
		if s.logger != nil {
			s.logger.Debug("requesting eviction", "threshold", "none")
		}
		s.onFull(s, None)
		id = s.allocSlot()
	}
	if id == PacketIDNone {
		return PacketIDNone
	}

	row := &s.rows[id]
	row.CopyFrom(pkt)
	s.posToID[p%uint32(s.capacity)] = id
	s.idToPos[id] = p
	if s.logger != nil {
		s.logger.Debug("pivot accepted", "slot", id, "pos", p)
	}

	pivotCoef := row.GetCoef(p)
	row.ScalarMulInPlace(row.Field.Inv(pivotCoef))

	if row.IsDecoded() {
		s.markDecoded(id, p, stat)
	}

	for i := s.coefPosMin; i <= s.coefPosMax; i++ {
		if i == p {
			continue
		}
		otherID := s.posToID[i%uint32(s.capacity)]
		if otherID == PacketIDNone {
			continue
		}
		other := &s.rows[otherID]
		if other.IsDecoded() {
			continue
		}
		otherCoef := other.GetCoef(p)
		if otherCoef == 0 {
			continue
		}
		stat.Elimination++
		other.AddMul(other.Field.Neg(otherCoef), row)
		other.RecomputeMinMax()
		if other.IsDecoded() {
			s.markDecoded(otherID, s.idToPos[otherID], stat)
		}
	}

	return id
}
