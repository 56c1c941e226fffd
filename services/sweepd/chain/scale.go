package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var errShortInput = errors.New("scale: unexpected end of input")

var (
	compactSingleMax = big.NewInt(1 << 6)
	compactTwoMax    = big.NewInt(1 << 14)
	compactFourMax   = big.NewInt(1 << 30)
)

// EncodeCompact returns the SCALE compact encoding of a non-negative integer.
func EncodeCompact(v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 {
		return nil, fmt.Errorf("scale: compact value must be non-negative")
	}
	switch {
	case v.Cmp(compactSingleMax) < 0:
		return []byte{byte(v.Uint64() << 2)}, nil
	case v.Cmp(compactTwoMax) < 0:
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(v.Uint64()<<2|0b01))
		return out, nil
	case v.Cmp(compactFourMax) < 0:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(v.Uint64()<<2|0b10))
		return out, nil
	}
	be := v.Bytes()
	if len(be) > 67 {
		return nil, fmt.Errorf("scale: compact value too large")
	}
	out := make([]byte, 1+len(be))
	out[0] = byte((len(be)-4)<<2 | 0b11)
	for i, b := range be {
		out[len(be)-i] = b
	}
	return out, nil
}

type decoder struct {
	buf []byte
	off int
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, errShortInput
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) u32() (uint32, error) {
	raw, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func (d *decoder) u128() (*big.Int, error) {
	raw, err := d.take(16)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 16)
	for i, b := range raw {
		be[15-i] = b
	}
	return new(big.Int).SetBytes(be), nil
}

// checkU128 reports whether v fits the runtime Balance type.
func checkU128(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return fmt.Errorf("scale: u128 value must be non-negative")
	}
	word, overflow := uint256.FromBig(v)
	if overflow || word.BitLen() > 128 {
		return fmt.Errorf("scale: %s exceeds u128", v)
	}
	return nil
}

// compact decodes a compact integer that fits in 64 bits.
func (d *decoder) compact() (uint64, error) {
	if d.off >= len(d.buf) {
		return 0, errShortInput
	}
	switch d.buf[d.off] & 0b11 {
	case 0b00:
		v := uint64(d.buf[d.off] >> 2)
		d.off++
		return v, nil
	case 0b01:
		raw, err := d.take(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(raw) >> 2), nil
	case 0b10:
		raw, err := d.take(4)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(raw) >> 2), nil
	}
	n := int(d.buf[d.off]>>2) + 4
	if n > 8 {
		return 0, fmt.Errorf("scale: compact length %d bytes exceeds u64", n)
	}
	d.off++
	raw, err := d.take(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v, nil
}
