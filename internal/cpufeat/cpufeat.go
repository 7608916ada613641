// Package cpufeat detects the host CPU capabilities the quantized kernels
// care about. Detection runs once at init; callers read the exported
// Features value or use the helpers.
package cpufeat

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Features holds the detected capability set.
type Features struct {
	HasAVX2    bool
	HasAVX512  bool
	HasVNNI    bool
	HasNEON    bool
	HasASIMDDP bool
}

var detected Features

func init() {
	switch runtime.GOARCH {
	case "amd64":
		detected.HasAVX2 = cpu.X86.HasAVX2
		detected.HasAVX512 = cpu.X86.HasAVX512F && cpu.X86.HasAVX512VL
		detected.HasVNNI = cpu.X86.HasAVX512VNNI
	case "arm64":
		detected.HasNEON = cpu.ARM64.HasASIMD
		detected.HasASIMDDP = cpu.ARM64.HasASIMDDP
	}
}

// Get returns the detected feature set.
func Get() Features {
	return detected
}

// Int8DotFast reports whether the host has a fused int8 dot-product path.
func Int8DotFast() bool {
	return detected.HasVNNI || detected.HasASIMDDP
}

// Map returns the feature set keyed by name, for diagnostics output.
func Map() map[string]bool {
	return map[string]bool{
		"AVX2":    detected.HasAVX2,
		"AVX512":  detected.HasAVX512,
		"VNNI":    detected.HasVNNI,
		"NEON":    detected.HasNEON,
		"ASIMDDP": detected.HasASIMDDP,
	}
}
