package bluetooth

import "errors"

// MAC is a 48-bit device address stored least significant byte first, so
// "AA:BB:CC:DD:EE:FF" parses to {0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}.
type MAC [6]byte

var ErrInvalidMAC = errors.New("bluetooth: failed to parse MAC address")

func ParseMAC(s string) (mac MAC, err error) {
	err = (&mac).UnmarshalText([]byte(s))
	return
}

func (mac *MAC) UnmarshalText(s []byte) error {
	macIndex := 11
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ':' {
			continue
		}
		nibble, ok := hexNibble(c)
		if !ok {
			return ErrInvalidMAC
		}
		if macIndex < 0 {
			return ErrInvalidMAC
		}
		if macIndex%2 == 0 {
			mac[macIndex/2] |= nibble
		} else {
			mac[macIndex/2] |= nibble << 4
		}
		macIndex--
	}
	if macIndex != -1 {
		return ErrInvalidMAC
	}
	return nil
}

// String returns the address in the usual upper-case colon form.
func (mac MAC) String() string {
	const hexDigitUpper = "0123456789ABCDEF"
	buf := make([]byte, 0, 17)
	for i := 5; i >= 0; i-- {
		if i != 5 {
			buf = append(buf, ':')
		}
		buf = append(buf, hexDigitUpper[mac[i]>>4], hexDigitUpper[mac[i]&0xF])
	}
	return string(buf)
}
