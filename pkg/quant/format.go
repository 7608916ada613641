// Package quant holds the primitives shared by every quantization format:
// low-bit code packing, affine dequantization parameters, the error
// taxonomy, and the format capability query.
package quant

import "github.com/ewof/aphrodite-engine/internal/cpufeat"

// Format tags one of the supported quantized weight encodings. Each
// format is a closed variant with its own packing rules; dispatch happens
// on the tag at the call boundary, never via interfaces on the hot path.
type Format int

const (
	FormatGPTQ Format = iota
	FormatAWQ
	FormatAQLM
	FormatMarlin
	FormatMarlin24
	FormatQuIP
	FormatSqueezeLLM
	FormatW8A8
	FormatFP8
)

var formatNames = map[Format]string{
	FormatGPTQ:       "gptq",
	FormatAWQ:        "awq",
	FormatAQLM:       "aqlm",
	FormatMarlin:     "marlin",
	FormatMarlin24:   "marlin_24",
	FormatQuIP:       "quip",
	FormatSqueezeLLM: "squeezellm",
	FormatW8A8:       "w8a8",
	FormatFP8:        "fp8",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON emits the format name rather than the tag value.
func (f Format) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// Formats returns every format tag in a stable order.
func Formats() []Format {
	return []Format{
		FormatGPTQ, FormatAWQ, FormatAQLM, FormatMarlin, FormatMarlin24,
		FormatQuIP, FormatSqueezeLLM, FormatW8A8, FormatFP8,
	}
}

// Capability describes the availability of one format on this build and
// host. Callers should check ahead of dispatch instead of relying on
// call-time failures.
type Capability struct {
	Format    Format `json:"format"`
	Available bool   `json:"available"`
	FastPath  bool   `json:"fast_path"`
}

// Supported reports whether the format can be executed on this host.
func Supported(f Format) bool {
	_, ok := formatNames[f]
	return ok
}

// Capabilities returns the availability and fast-path status for every
// format. Fast paths follow the host's integer dot-product support.
func Capabilities() []Capability {
	feats := cpufeat.Get()
	fastInt8 := cpufeat.Int8DotFast() || feats.HasAVX2 || feats.HasNEON
	caps := make([]Capability, 0, len(formatNames))
	for _, f := range Formats() {
		c := Capability{Format: f, Available: true}
		switch f {
		case FormatW8A8, FormatFP8:
			c.FastPath = fastInt8
		default:
			c.FastPath = feats.HasAVX2 || feats.HasNEON
		}
		caps = append(caps, c)
	}
	return caps
}
