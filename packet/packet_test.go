package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/n9fec/slidecode/gf"
)

// Test_initFromSource_roundTrip checks that a single-source packet
// carries coefficient 1 at its source index, zero everywhere else, and
// the payload bytes unchanged.
func Test_initFromSource_roundTrip(t *testing.T) {
	field := gf.New(gf.L256, gf.ModeLogExp)
	pkt := new(CodedPacket)
	data := []byte{0x11, 0x22, 0x33}
	InitFromSource(pkt, field, 5, data)

	assert.Equal(t, byte(1), pkt.GetCoef(5))
	for _, q := range []uint32{0, 1, 4, 6, 100} {
		assert.Equal(t, byte(0), pkt.GetCoef(q))
	}
	assert.Equal(t, data, pkt.Buf[HeaderBytes:HeaderBytes+pkt.DataSize])
}

// Test_scalarMul_identityAndInverse checks that multiplying by 1 is a
// no-op and that multiplying by c then by c's inverse restores the
// original packet.
func Test_scalarMul_identityAndInverse(t *testing.T) {
	field := gf.New(gf.L256, gf.ModeLogExp)
	pkt := new(CodedPacket)
	InitFromSource(pkt, field, 2, []byte{0xAB, 0xCD})

	before := new(CodedPacket)
	before.CopyFrom(pkt)

	pkt.ScalarMulInPlace(1)
	assert.Equal(t, before.Buf, pkt.Buf, "scalar_mul(pkt, 1) is identity")

	const c = byte(0x07)
	pkt.ScalarMulInPlace(c)
	pkt.ScalarMulInPlace(field.Inv(c))
	assert.Equal(t, before.Buf, pkt.Buf, "scalar_mul(scalar_mul(pkt, c), inv(c)) == pkt")
}

// Test_add_selfCancellation checks that adding a packet to itself
// cancels every coefficient to zero (characteristic-2 self-inverse).
func Test_add_selfCancellation(t *testing.T) {
	field := gf.New(gf.L4, gf.ModeLogExp)
	p := new(CodedPacket)
	InitFromSource(p, field, 9, []byte{0x5A})

	r := new(CodedPacket)
	Add(r, p, p)

	assert.False(t, r.RecomputeMinMax(), "p+p must cancel to empty")
	assert.True(t, r.IsEmpty())
}

func Test_SetCoef_seedsEmptyPacket(t *testing.T) {
	field := gf.New(gf.L16, gf.ModeLogExp)
	pkt := new(CodedPacket)
	Init(pkt, field)

	pkt.SetCoef(7, 3)
	assert.Equal(t, uint32(7), pkt.CoefMin)
	assert.Equal(t, uint32(7), pkt.CoefMax)
	assert.Equal(t, byte(3), pkt.GetCoef(7))
}

func Test_SetCoef_outsideWindow_panics(t *testing.T) {
	field := gf.New(gf.L256, gf.ModeLogExp) // W=16
	pkt := new(CodedPacket)
	Init(pkt, field)
	pkt.SetCoef(0, 1)

	assert.Panics(t, func() { pkt.SetCoef(20, 1) })
}

func Test_InitFromSource_oversizedPayload_panics(t *testing.T) {
	field := gf.New(gf.L256, gf.ModeLogExp)
	pkt := new(CodedPacket)
	assert.Panics(t, func() {
		InitFromSource(pkt, field, 0, make([]byte, PayloadMax+1))
	})
}

func Test_Window(t *testing.T) {
	assert.Equal(t, 128, Window(gf.New(gf.L2, gf.ModeLogExp)))
	assert.Equal(t, 64, Window(gf.New(gf.L4, gf.ModeLogExp)))
	assert.Equal(t, 32, Window(gf.New(gf.L16, gf.ModeLogExp)))
	assert.Equal(t, 16, Window(gf.New(gf.L256, gf.ModeLogExp)))
}

// Test_addMul_fuzz exercises p1 := p1 + c*p2 for two distinct
// single-source packets at random positions within one window, checking
// the resulting coefficients after RecomputeMinMax, and that the header
// cancels to empty when both share a position and c == 1.
func Test_addMul_fuzz(t *testing.T) {
	field := gf.New(gf.L16, gf.ModeLogExp)
	w := Window(field) // 32; keep p,q within one window so slots don't collide

	rapid.Check(t, func(t *rapid.T) {
		p := rapid.IntRange(0, w-1).Draw(t, "p")
		q := rapid.IntRange(0, w-1).Draw(t, "q")
		c := byte(rapid.IntRange(1, field.Order()-1).Draw(t, "c"))

		p1 := new(CodedPacket)
		InitFromSource(p1, field, uint32(p), []byte{byte(rapid.IntRange(0, 255).Draw(t, "data1"))})
		p2 := new(CodedPacket)
		InitFromSource(p2, field, uint32(q), []byte{byte(rapid.IntRange(0, 255).Draw(t, "data2"))})

		p1.AddMul(c, p2)

		if p == q && c == 1 {
			require.False(t, p1.RecomputeMinMax(), "1+c==0 at the shared pivot should cancel the header to empty")
			return
		}
		require.True(t, p1.RecomputeMinMax())

		if p != q {
			assert.Equal(t, byte(1), p1.GetCoef(uint32(p)))
			assert.Equal(t, c, p1.GetCoef(uint32(q)))
		} else {
			assert.Equal(t, byte(1)^c, p1.GetCoef(uint32(p)))
		}
	})
}
