// Package config loads the decoder's build-time sizing knobs from a
// YAML file: try a short list of candidate locations, parse with
// gopkg.in/yaml.v3, and report a descriptive error rather than
// panicking — a bad config file is host input, not a programmer-error
// contract violation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/n9fec/slidecode/gf"
	"github.com/n9fec/slidecode/packet"
)

// Params holds the harness-level parameters that together fix a
// decoder instance: field choice, multiply strategy, and packet-set
// sizing. W (the window size) follows from the field choice alone, see
// Window.
type Params struct {
	FieldL         int         `yaml:"field_l"`          // 0..3, see gf.L2..gf.L256
	FieldMulMode   gf.MulMode  `yaml:"field_mul_mode"`   // 0 = log/exp, 1 = full table
	MaxCodedPacket int         `yaml:"max_coded_packet"` // C, packet-set capacity
	MaxCoefPos     int         `yaml:"max_coef_pos"`     // size of the decoded-delivery bitmap
}

// Default returns the parameters used by the test harness absent a
// config file: GF(256) with the table-free log/exp multiply, a 64-slot
// packet set, and room for 1<<20 source indices.
func Default() Params {
	return Params{
		FieldL:         gf.L256,
		FieldMulMode:   gf.ModeLogExp,
		MaxCodedPacket: 64,
		MaxCoefPos:     1 << 20,
	}
}

// searchLocations mirrors deviceid.go's search_locations: try the
// current directory before falling back to install locations.
var searchLocations = []string{
	"slidecode.yaml",
	"config/slidecode.yaml",
	"/usr/local/share/slidecode/slidecode.yaml",
	"/usr/share/slidecode/slidecode.yaml",
}

// Load reads and validates a Params file. If path is empty, the
// locations in searchLocations are tried in order; if none exist,
// Default is returned with a nil error.
func Load(path string) (Params, error) {
	data, found, err := readConfigFile(path)
	if err != nil {
		return Params{}, err
	}
	if !found {
		return Default(), nil
	}

	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func readConfigFile(path string) (data []byte, found bool, err error) {
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("config: reading %s: %w", path, err)
		}
		return data, true, nil
	}
	for _, loc := range searchLocations {
		data, err = os.ReadFile(loc)
		if err == nil {
			return data, true, nil
		}
	}
	return nil, false, nil
}

// Validate reports the first invalid field. A bad config file is host
// input, so this returns an error, never a panic.
func (p Params) Validate() error {
	if p.FieldL < gf.L2 || p.FieldL > gf.L256 {
		return fmt.Errorf("config: field_l=%d out of range [0,3]", p.FieldL)
	}
	if p.FieldMulMode != gf.ModeLogExp && p.FieldMulMode != gf.ModeTable {
		return fmt.Errorf("config: field_mul_mode=%d is not a known mode", p.FieldMulMode)
	}
	if p.MaxCodedPacket <= 0 {
		return fmt.Errorf("config: max_coded_packet=%d must be positive", p.MaxCodedPacket)
	}
	if p.MaxCoefPos <= 0 {
		return fmt.Errorf("config: max_coef_pos=%d must be positive", p.MaxCoefPos)
	}
	return nil
}

// NewField builds the gf.Field this configuration selects.
func (p Params) NewField() *gf.Field {
	return gf.New(p.FieldL, p.FieldMulMode)
}

// Window returns W for this configuration's field, the maximum span a
// single coded packet's header can address.
func (p Params) Window() int {
	return packet.Window(p.NewField())
}
