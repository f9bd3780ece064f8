package device

import (
	"bytes"
	"errors"
)

// SLIP framing used by the ESP boot ROM and the flasher stub.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

var errSlipEscape = errors.New("invalid SLIP escape sequence")

// slipEncode wraps data in END delimiters, escaping END and ESC bytes.
func slipEncode(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) + 8)
	buf.WriteByte(slipEnd)

	for _, b := range data {
		switch b {
		case slipEnd:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEnd)
		case slipEsc:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEsc)
		default:
			buf.WriteByte(b)
		}
	}

	buf.WriteByte(slipEnd)
	return buf.Bytes()
}

// slipDecoder accumulates serial bytes and yields complete frames.
type slipDecoder struct {
	frame   []byte
	inFrame bool
	escaped bool
}

// feed consumes one byte. It returns a finished frame or nil.
func (d *slipDecoder) feed(b byte) ([]byte, error) {
	if !d.inFrame {
		if b == slipEnd {
			d.inFrame = true
			d.frame = d.frame[:0]
		}
		// Boot ROM chatter outside frames is dropped.
		return nil, nil
	}

	if d.escaped {
		d.escaped = false
		switch b {
		case slipEscEnd:
			d.frame = append(d.frame, slipEnd)
		case slipEscEsc:
			d.frame = append(d.frame, slipEsc)
		default:
			d.inFrame = false
			return nil, errSlipEscape
		}
		return nil, nil
	}

	switch b {
	case slipEsc:
		d.escaped = true
	case slipEnd:
		if len(d.frame) == 0 {
			// Back-to-back delimiters: stay in frame.
			return nil, nil
		}
		d.inFrame = false
		out := make([]byte, len(d.frame))
		copy(out, d.frame)
		return out, nil
	default:
		d.frame = append(d.frame, b)
	}
	return nil, nil
}
