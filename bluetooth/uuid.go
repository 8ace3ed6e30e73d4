package bluetooth

import (
	"errors"
	"unsafe"
)

// UUID is a 128-bit Bluetooth UUID stored as four little-endian words,
// u[3] holding the most significant bits.
type UUID [4]uint32

var ErrInvalidUUID = errors.New("bluetooth: failed to parse UUID")

// baseUUID is the Bluetooth Base UUID 00000000-0000-1000-8000-00805f9b34fb.
var baseUUID = UUID{0x5f9b34fb, 0x80000080, 0x00001000, 0x00000000}

// Well-known 16-bit UUIDs used by the client.
var (
	ClientCharacteristicConfigUUID = New16BitUUID(0x2902)
)

func NewUUID(uuid [16]byte) UUID {
	u := UUID{}
	u[0] = uint32(uuid[15]) | uint32(uuid[14])<<8 | uint32(uuid[13])<<16 | uint32(uuid[12])<<24
	u[1] = uint32(uuid[11]) | uint32(uuid[10])<<8 | uint32(uuid[9])<<16 | uint32(uuid[8])<<24
	u[2] = uint32(uuid[7]) | uint32(uuid[6])<<8 | uint32(uuid[5])<<16 | uint32(uuid[4])<<24
	u[3] = uint32(uuid[3]) | uint32(uuid[2])<<8 | uint32(uuid[1])<<16 | uint32(uuid[0])<<24
	return u
}

// New16BitUUID expands a 16-bit short UUID against the Bluetooth Base UUID.
func New16BitUUID(short uint16) UUID {
	u := baseUUID
	u[3] |= uint32(short)
	return u
}

// Is16Bit reports whether u is a short UUID expanded from the base UUID.
func (u UUID) Is16Bit() bool {
	return u[0] == baseUUID[0] && u[1] == baseUUID[1] && u[2] == baseUUID[2] && u[3]&0xffff0000 == 0
}

// Get16Bit returns the short form of a 16-bit UUID.
func (u UUID) Get16Bit() uint16 {
	return uint16(u[3])
}

// ParseUUID accepts the 4 hex digit short form ("ffe0") or the canonical
// 36 character form, case-insensitive.
func ParseUUID(s string) (UUID, error) {
	switch len(s) {
	case 4:
		var short uint16
		for i := 0; i < 4; i++ {
			n, ok := hexNibble(s[i])
			if !ok {
				return UUID{}, ErrInvalidUUID
			}
			short = short<<4 | uint16(n)
		}
		return New16BitUUID(short), nil
	case 36:
		var raw [16]byte
		j := 0
		for i := 0; i < 36; {
			if i == 8 || i == 13 || i == 18 || i == 23 {
				if s[i] != '-' {
					return UUID{}, ErrInvalidUUID
				}
				i++
				continue
			}
			hi, ok1 := hexNibble(s[i])
			lo, ok2 := hexNibble(s[i+1])
			if !ok1 || !ok2 {
				return UUID{}, ErrInvalidUUID
			}
			raw[j] = hi<<4 | lo
			j++
			i += 2
		}
		return NewUUID(raw), nil
	}
	return UUID{}, ErrInvalidUUID
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 0xA, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 0xA, true
	}
	return 0, false
}

func (u UUID) String() string {
	buf, _ := u.AppendText(make([]byte, 0, 36))

	return unsafe.String(unsafe.SliceData(buf), 36)
}

const hexDigitLower = "0123456789abcdef"

func (u UUID) AppendText(buf []byte) ([]byte, error) {
	for i := 3; i >= 0; i-- {
		// Insert a hyphen at the correct locations.
		// position 4 and 8
		if i != 3 && i != 0 {
			buf = append(buf, '-')
		}

		buf = append(buf, hexDigitLower[byte(u[i]>>24)>>4])
		buf = append(buf, hexDigitLower[byte(u[i]>>24)&0xF])

		buf = append(buf, hexDigitLower[byte(u[i]>>16)>>4])
		buf = append(buf, hexDigitLower[byte(u[i]>>16)&0xF])

		// Insert a hyphen at the correct locations.
		// position 6 and 10
		if i == 2 || i == 1 {
			buf = append(buf, '-')
		}

		buf = append(buf, hexDigitLower[byte(u[i]>>8)>>4])
		buf = append(buf, hexDigitLower[byte(u[i]>>8)&0xF])

		buf = append(buf, hexDigitLower[byte(u[i])>>4])
		buf = append(buf, hexDigitLower[byte(u[i])&0xF])
	}

	return buf, nil
}
