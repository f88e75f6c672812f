package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/n9fec/slidecode/gf"
	"github.com/n9fec/slidecode/packet"
)

func sourcePacket(t testing.TB, field *gf.Field, p uint32, payload byte) *packet.CodedPacket {
	t.Helper()
	pkt := new(packet.CodedPacket)
	packet.InitFromSource(pkt, field, p, []byte{payload})
	return pkt
}

func freeFirstOnFull(s *Set, _ uint32) {
	for s.FreeFirst() {
	}
}

// Test_threeIndependentPacketsDecode builds three GF(2) source packets,
// recombines them into three linearly independent coded packets, and
// checks that inserting all three fully decodes every pivot with the
// original payloads intact.
func Test_threeIndependentPacketsDecode(t *testing.T) {
	field := gf.New(gf.L2, gf.ModeLogExp)
	var decoded []uint32
	onDecoded := func(s *Set, id PacketID) { decoded = append(decoded, s.PivotPos(id)) }

	set := New(field, 4, 16, onDecoded, nil, nil, nil)

	s0 := sourcePacket(t, field, 0, 0x11)
	s1 := sourcePacket(t, field, 1, 0x22)
	s2 := sourcePacket(t, field, 2, 0x33)

	p1 := new(packet.CodedPacket)
	packet.Add(p1, s0, s1)
	p1.AddMul(1, s2)
	p2 := new(packet.CodedPacket)
	packet.Add(p2, s1, s2)
	p3 := new(packet.CodedPacket)
	packet.Add(p3, s0, s2)

	for _, pkt := range []*packet.CodedPacket{p1, p2, p3} {
		set.Add(pkt, nil)
		require.NoError(t, set.Check())
	}

	assert.ElementsMatch(t, []uint32{0, 1, 2}, decoded)
	want := map[uint32]byte{0: 0x11, 1: 0x22, 2: 0x33}
	for p, data := range want {
		id := set.PivotSlotOf(p)
		require.NotEqual(t, PacketIDNone, id)
		row := set.Row(id)
		assert.Equal(t, data, row.Buf[packet.HeaderBytes])
	}
}

// Test_duplicateInsertionIsRefused checks that inserting a packet
// identical to an already-stored pivot reduces to empty and is refused,
// while still recording the reduction as successful.
func Test_duplicateInsertionIsRefused(t *testing.T) {
	field := gf.New(gf.L16, gf.ModeLogExp)
	set := New(field, 4, 16, nil, nil, nil, nil)

	first := sourcePacket(t, field, 0, 0x5)
	second := new(packet.CodedPacket)
	second.CopyFrom(first)

	id1 := set.Add(first, nil)
	require.NotEqual(t, PacketIDNone, id1)

	var stat Stat
	id2 := set.Add(second, &stat)
	assert.Equal(t, PacketIDNone, id2)
	assert.Equal(t, 1, stat.ReductionSuccess)
	assert.NoError(t, set.Check())
}

// Test_envelopeExtensionRequiresEviction checks that a packet whose
// source index would grow the envelope past capacity is refused when
// on_full can't free anything, and accepted once on_full evicts decoded
// pivots via FreeFirst.
func Test_envelopeExtensionRequiresEviction(t *testing.T) {
	field := gf.New(gf.L256, gf.ModeLogExp)

	build := func(onFull OnFullFunc) *Set {
		set := New(field, 4, 16, nil, onFull, nil, nil)
		for p := uint32(0); p < 4; p++ {
			require.NotEqual(t, PacketIDNone, set.Add(sourcePacket(t, field, p, byte(p+1)), nil))
		}
		return set
	}

	set1 := build(func(*Set, uint32) {})
	var stat Stat
	id := set1.Add(sourcePacket(t, field, 8, 0x42), &stat)
	assert.Equal(t, PacketIDNone, id)
	assert.Equal(t, 1, stat.CoefPosTooHigh)

	set2 := build(freeFirstOnFull)
	var stat2 Stat
	id2 := set2.Add(sourcePacket(t, field, 8, 0x42), &stat2)
	assert.NotEqual(t, PacketIDNone, id2)
	assert.Equal(t, 0, stat2.CoefPosTooHigh)
	assert.NoError(t, set2.Check())
}

// Test_slidingWindowEvictsOldestPivot checks that inserting a packet
// past the capacity boundary, with an on_full that calls FreeFirst
// once, evicts the lowest pivot and slides the envelope forward.
func Test_slidingWindowEvictsOldestPivot(t *testing.T) {
	field := gf.New(gf.L256, gf.ModeLogExp)
	set := New(field, 4, 16, nil, func(s *Set, _ uint32) { s.FreeFirst() }, nil, nil)

	for p := uint32(0); p < 4; p++ {
		require.NotEqual(t, PacketIDNone, set.Add(sourcePacket(t, field, p, byte(p+1)), nil))
	}

	id := set.Add(sourcePacket(t, field, 4, 0x99), nil)
	require.NotEqual(t, PacketIDNone, id)
	assert.Equal(t, PacketIDNone, set.PivotSlotOf(0))
	assert.Equal(t, uint32(1), set.CoefPosMin())
	assert.NoError(t, set.Check())
}

// Test_lowIndexStopsAtFirstGap checks that LowIndex reports the first
// source index not yet delivered, even when later pivots are decoded.
func Test_lowIndexStopsAtFirstGap(t *testing.T) {
	field := gf.New(gf.L256, gf.ModeLogExp)
	set := New(field, 8, 16, nil, nil, nil, nil)

	for _, p := range []uint32{0, 1, 3} {
		set.Add(sourcePacket(t, field, p, byte(p+10)), nil)
	}
	assert.Equal(t, uint32(2), set.LowIndex())
}

// Test_idempotence checks that re-inserting an identical packet leaves
// the stored row and packet count unchanged.
func Test_idempotence(t *testing.T) {
	field := gf.New(gf.L4, gf.ModeLogExp)
	set := New(field, 4, 16, nil, nil, nil, nil)

	original := sourcePacket(t, field, 1, 0x2)
	require.NotEqual(t, PacketIDNone, set.Add(original, nil))

	before := *set.Row(0)
	countBefore := set.Count(true)

	dup := sourcePacket(t, field, 1, 0x2)
	var stat Stat
	id := set.Add(dup, &stat)

	assert.Equal(t, PacketIDNone, id)
	assert.Equal(t, countBefore, set.Count(true))
	assert.Equal(t, before.CoefMin, set.Row(0).CoefMin)
	assert.Equal(t, before.CoefMax, set.Row(0).CoefMax)
}

// Test_check_afterEveryMutation checks that every mutating operation
// (Add, FreeFirst, RecomputeEnvelope) leaves the set's invariants intact.
func Test_check_afterEveryMutation(t *testing.T) {
	field := gf.New(gf.L256, gf.ModeLogExp)
	set := New(field, 4, 16, nil, freeFirstOnFull, nil, nil)

	for p := uint32(0); p < 6; p++ {
		set.Add(sourcePacket(t, field, p, byte(p)), nil)
		require.NoError(t, set.Check())
	}
	set.FreeFirst()
	require.NoError(t, set.Check())
	set.RecomputeEnvelope()
	require.NoError(t, set.Check())
}

// Test_decodesIndependentSystem checks that k independent coded
// packets over a window decode completely regardless of insertion
// order, each on_decoded firing exactly once.
func Test_decodesIndependentSystem(t *testing.T) {
	field := gf.New(gf.L16, gf.ModeLogExp)

	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 8).Draw(t, "k")

		// Upper-triangular system with 1s on the diagonal: row i is
		// e_i plus a random combination of e_j for j>i. Guaranteed
		// invertible, so back-substitution always reaches full decode.
		coefs := make([][]byte, k)
		payload := make([]byte, k)
		for i := 0; i < k; i++ {
			coefs[i] = make([]byte, k)
			coefs[i][i] = 1
			payload[i] = byte(rapid.IntRange(0, 255).Draw(t, "payload"))
			for j := i + 1; j < k; j++ {
				coefs[i][j] = byte(rapid.IntRange(0, field.Order()-1).Draw(t, "coef"))
			}
		}

		rows := make([]*packet.CodedPacket, k)
		for i := 0; i < k; i++ {
			row := new(packet.CodedPacket)
			packet.Init(row, field)
			for j := 0; j < k; j++ {
				if coefs[i][j] != 0 {
					row.SetCoef(uint32(j), coefs[i][j])
				}
			}
			row.DataSize = 1
			row.Buf[packet.HeaderBytes] = payload[i]
			rows[i] = row
		}

		order := rapid.Permutation(indices(k)).Draw(t, "order")

		decodedCount := 0
		seen := make(map[uint32]bool)
		onDecoded := func(s *Set, id PacketID) {
			p := s.PivotPos(id)
			require.False(t, seen[p], "on_decoded fired twice for pos %d", p)
			seen[p] = true
			decodedCount++
		}

		set := New(field, k, k, onDecoded, nil, nil, nil)
		for _, idx := range order {
			set.Add(rows[idx], nil)
			require.NoError(t, set.Check())
		}

		require.Equal(t, k, decodedCount)
		for j := 0; j < k; j++ {
			id := set.PivotSlotOf(uint32(j))
			require.NotEqual(t, PacketIDNone, id)
			require.True(t, set.Row(id).IsDecoded())
		}
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
