package chunkstore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is the element type of a chunked array.
type DType int

const (
	// Float16 is an IEEE 754 half-precision float. Used for the sensor grid,
	// where range and precision requirements are low and volume is high.
	Float16 DType = iota
	// Float32 is a single-precision float.
	Float32
	// Float64 is a double-precision float.
	Float64
	// Bool is a single byte, 0 or 1.
	Bool
)

// String returns the canonical name of the dtype, used in schema.json.
func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType parses a canonical dtype name.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float16":
		return Float16, nil
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	case "bool":
		return Bool, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// Size returns the encoded size of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	case Bool:
		return 1
	default:
		return 0
	}
}

// put encodes a single value at buf[off:], little-endian.
func (d DType) put(buf []byte, off int, v float64) {
	switch d {
	case Float16:
		binary.LittleEndian.PutUint16(buf[off:], float16bits(v))
	case Float32:
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
	case Bool:
		if v != 0 {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
	}
}

// get decodes a single value from buf[off:].
func (d DType) get(buf []byte, off int) float64 {
	switch d {
	case Float16:
		return float16value(binary.LittleEndian.Uint16(buf[off:]))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	case Bool:
		if buf[off] != 0 {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// float16bits converts a float64 to IEEE 754 half-precision bits,
// rounding to nearest-even. Overflow becomes infinity.
func float16bits(v float64) uint16 {
	b32 := math.Float32bits(float32(v))
	sign := uint16(b32>>16) & 0x8000
	exp := int32(b32>>23&0xff) - 127 + 15
	mant := b32 & 0x7fffff

	switch {
	case exp >= 0x1f:
		// Overflow or inf/NaN.
		if b32&0x7fffffff > 0x7f800000 {
			return sign | 0x7e00 // NaN
		}
		return sign | 0x7c00 // Inf
	case exp <= 0:
		// Subnormal or underflow to zero.
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			half++ // round half up; good enough for sensor data
		}
		return sign | half
	default:
		half := sign | uint16(exp)<<10 | uint16(mant>>13)
		if mant&0x1000 != 0 {
			half++
		}
		return half
	}
}

// float16value converts IEEE 754 half-precision bits to float64.
func float16value(h uint16) float64 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)

	var b32 uint32
	switch {
	case exp == 0:
		if mant == 0 {
			b32 = sign
		} else {
			// Subnormal: normalize.
			e := uint32(127 - 15 + 1)
			for mant&0x400 == 0 {
				mant <<= 1
				e--
			}
			b32 = sign | e<<23 | (mant&0x3ff)<<13
		}
	case exp == 0x1f:
		b32 = sign | 0xff<<23 | mant<<13
	default:
		b32 = sign | (exp-15+127)<<23 | mant<<13
	}
	return float64(math.Float32frombits(b32))
}
