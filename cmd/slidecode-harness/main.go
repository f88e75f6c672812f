// Command slidecode-harness is a standalone sanity-check program: it
// runs a fixed GF(256) arithmetic exercise (skipped with
// --scenarios-only) and prints its result, then a handful of end-to-end
// packet-set scenarios, logging each step.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/n9fec/slidecode/config"
	"github.com/n9fec/slidecode/decode"
	"github.com/n9fec/slidecode/gf"
	"github.com/n9fec/slidecode/packet"
)

func main() {
	var configFile = pflag.StringP("config-file", "c", "", "Configuration file (default: search standard locations).")
	var verbose = pflag.BoolP("verbose", "v", false, "Show per-step debug tracing from the packet set.")
	var scenariosOnly = pflag.BoolP("scenarios-only", "s", false, "Skip the fixed arithmetic exercise, run only the end-to-end scenarios.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - fixed arithmetic exercise and scenario checks for the decoder core.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Level: log.InfoLevel})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if !*scenariosOnly {
		runArithmeticExercise(logger)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("loading configuration", "err", err)
	}
	logger.Info("harness configuration", "field_l", cfg.FieldL, "max_coded_packet", cfg.MaxCodedPacket, "max_coef_pos", cfg.MaxCoefPos)

	failed := false
	for _, sc := range []struct {
		name string
		run  func(*log.Logger) error
	}{
		{"S1", scenarioS1},
		{"S2", scenarioS2},
		{"S3", scenarioS3},
		{"S4", scenarioS4},
		{"S6", scenarioS6},
	} {
		if err := sc.run(logger); err != nil {
			logger.Error("scenario failed", "scenario", sc.name, "err", err)
			failed = true
			continue
		}
		logger.Info("scenario passed", "scenario", sc.name)
	}

	if failed {
		os.Exit(1)
	}
}

// runArithmeticExercise is scenario S5: verify the AES-field inverse
// pair and the mul-by-zero law at l=3.
func runArithmeticExercise(logger *log.Logger) {
	field := gf.New(gf.L256, gf.ModeLogExp)

	product := field.Mul(0x53, 0xCA)
	inverse := field.Inv(0x53)
	zero := field.Mul(0x53, 0)

	logger.Info("S5 fixed arithmetic exercise",
		"mul(0x53,0xCA)", fmt.Sprintf("0x%02X", product),
		"inv(0x53)", fmt.Sprintf("0x%02X", inverse),
		"mul(0x53,0)", fmt.Sprintf("0x%02X", zero),
	)

	if product != 1 || inverse != 0xCA || zero != 0 {
		logger.Fatal("S5 fixed arithmetic exercise failed")
	}
}

func newDecodedCollector() (func(*decode.Set, decode.PacketID), *[]uint32) {
	var decoded []uint32
	return func(s *decode.Set, id decode.PacketID) {
		decoded = append(decoded, s.PivotPos(id))
	}, &decoded
}

func freeFirstOnFull(s *decode.Set, _ uint32) {
	for s.FreeFirst() {
	}
}

func noOpOnFull(*decode.Set, uint32) {}

func sourcePacket(field *gf.Field, p uint32, payload byte) *packet.CodedPacket {
	pkt := new(packet.CodedPacket)
	packet.InitFromSource(pkt, field, p, []byte{payload})
	return pkt
}

func scenarioS1(logger *log.Logger) error {
	field := gf.New(gf.L2, gf.ModeLogExp)
	onDecoded, decoded := newDecodedCollector()
	set := decode.New(field, 4, 16, onDecoded, nil, nil, nil)
	set.SetLogger(logger)

	s0 := sourcePacket(field, 0, 0x11)
	s1 := sourcePacket(field, 1, 0x22)
	s2 := sourcePacket(field, 2, 0x33)

	p1, p2, p3 := new(packet.CodedPacket), new(packet.CodedPacket), new(packet.CodedPacket)
	packet.Add(p1, s0, s1)
	p1.AddMul(1, s2)
	packet.Add(p2, s1, s2)
	packet.Add(p3, s0, s2)

	for _, pkt := range []*packet.CodedPacket{p1, p2, p3} {
		set.Add(pkt, nil)
		if err := set.Check(); err != nil {
			return err
		}
	}

	if len(*decoded) != 3 {
		return fmt.Errorf("expected 3 decode events, got %d", len(*decoded))
	}
	for _, p := range []uint32{0, 1, 2} {
		id := set.PivotSlotOf(p)
		if id == decode.PacketIDNone {
			return fmt.Errorf("pivot %d not decoded", p)
		}
		row := set.Row(id)
		if row.DataSize != 1 {
			return fmt.Errorf("pivot %d payload size = %d, want 1", p, row.DataSize)
		}
	}
	return nil
}

func scenarioS2(logger *log.Logger) error {
	field := gf.New(gf.L16, gf.ModeLogExp)
	set := decode.New(field, 4, 16, nil, nil, nil, nil)
	set.SetLogger(logger)

	first := sourcePacket(field, 0, 0x5)
	second := new(packet.CodedPacket)
	second.CopyFrom(first)

	if id := set.Add(first, nil); id == decode.PacketIDNone {
		return fmt.Errorf("first insertion unexpectedly refused")
	}

	var stat decode.Stat
	if id := set.Add(second, &stat); id != decode.PacketIDNone {
		return fmt.Errorf("duplicate insertion unexpectedly accepted, got slot %d", id)
	}
	if stat.ReductionSuccess == 0 {
		return fmt.Errorf("duplicate insertion did not record reduction_success")
	}
	return nil
}

func scenarioS3(logger *log.Logger) error {
	field := gf.New(gf.L256, gf.ModeLogExp)

	run := func(onFull decode.OnFullFunc) (*decode.Set, decode.Stat) {
		set := decode.New(field, 4, 16, nil, onFull, nil, nil)
		set.SetLogger(logger)
		for p := uint32(0); p < 4; p++ {
			set.Add(sourcePacket(field, p, byte(p+1)), nil)
		}
		var stat decode.Stat
		set.Add(sourcePacket(field, 8, 0x42), &stat)
		return set, stat
	}

	_, stat := run(noOpOnFull)
	if stat.CoefPosTooHigh != 1 {
		return fmt.Errorf("no-op on_full: expected coef_pos_too_high=1, got stat=%+v", stat)
	}

	set2, stat2 := run(freeFirstOnFull)
	if stat2.CoefPosTooHigh != 0 {
		return fmt.Errorf("free_first on_full: unexpectedly refused, stat=%+v", stat2)
	}
	return set2.Check()
}

func scenarioS4(logger *log.Logger) error {
	field := gf.New(gf.L256, gf.ModeLogExp)
	set := decode.New(field, 4, 16, nil, func(s *decode.Set, _ uint32) { s.FreeFirst() }, nil, nil)
	set.SetLogger(logger)

	for p := uint32(0); p < 4; p++ {
		if id := set.Add(sourcePacket(field, p, byte(p+1)), nil); id == decode.PacketIDNone {
			return fmt.Errorf("setup insertion of pivot %d refused", p)
		}
	}

	if id := set.Add(sourcePacket(field, 4, 0x99), nil); id == decode.PacketIDNone {
		return fmt.Errorf("sliding insertion at pivot 4 refused")
	}
	if set.PivotSlotOf(0) != decode.PacketIDNone {
		return fmt.Errorf("pivot 0 should have been evicted")
	}
	if set.CoefPosMin() != 1 {
		return fmt.Errorf("coef_pos_min = %d, want 1", set.CoefPosMin())
	}
	return set.Check()
}

func scenarioS6(logger *log.Logger) error {
	field := gf.New(gf.L256, gf.ModeLogExp)
	set := decode.New(field, 8, 16, nil, nil, nil, nil)
	set.SetLogger(logger)

	for _, p := range []uint32{0, 1, 3} {
		set.Add(sourcePacket(field, p, byte(p+10)), nil)
	}

	if low := set.LowIndex(); low != 2 {
		return fmt.Errorf("low_index = %d, want 2", low)
	}
	return nil
}
