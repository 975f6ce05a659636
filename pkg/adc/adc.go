// Package adc implements the Apple Data Compression decoder used by old UDIF
// disk image chunks.
package adc

import (
	"errors"
	"fmt"
)

// ErrCorrupt is returned for a stream that references data before its start
// or ends inside an opcode
var ErrCorrupt = errors.New("corrupt adc stream")

const (
	plainMask     = 0x80
	threeByteMask = 0x40
)

// DecompressADC decodes an ADC stream; size is a capacity hint for the output
func DecompressADC(in []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < len(in); {
		op := in[i]
		switch {
		case op&plainMask != 0:
			n := int(op&0x7f) + 1
			if i+1+n > len(in) {
				return out, fmt.Errorf("literal run of %d bytes at %#x: %w", n, i, ErrCorrupt)
			}
			out = append(out, in[i+1:i+1+n]...)
			i += 1 + n
			continue
		case op&threeByteMask != 0:
			if i+3 > len(in) {
				return out, fmt.Errorf("truncated three byte opcode at %#x: %w", i, ErrCorrupt)
			}
			n := int(op&0x3f) + 4
			dist := int(in[i+1])<<8 | int(in[i+2])
			if err := copyBack(&out, dist, n); err != nil {
				return out, fmt.Errorf("opcode at %#x: %w", i, err)
			}
			i += 3
		default:
			if i+2 > len(in) {
				return out, fmt.Errorf("truncated two byte opcode at %#x: %w", i, ErrCorrupt)
			}
			n := int(op&0x3c)>>2 + 3
			dist := int(op&0x03)<<8 | int(in[i+1])
			if err := copyBack(&out, dist, n); err != nil {
				return out, fmt.Errorf("opcode at %#x: %w", i, err)
			}
			i += 2
		}
	}
	return out, nil
}

// copyBack appends n bytes starting dist+1 bytes back; the ranges may overlap
func copyBack(out *[]byte, dist, n int) error {
	src := len(*out) - dist - 1
	if src < 0 {
		return fmt.Errorf("back reference %d past start of output: %w", dist+1, ErrCorrupt)
	}
	for j := 0; j < n; j++ {
		*out = append(*out, (*out)[src+j])
	}
	return nil
}
