package bluetooth

import (
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

type CharacteristicPermissions uint8

const (
	CharacteristicBroadcastPermission CharacteristicPermissions = 1 << iota
	CharacteristicReadPermission
	CharacteristicWriteWithoutResponsePermission
	CharacteristicWritePermission
	CharacteristicNotifyPermission
	CharacteristicIndicatePermission
)

// bluezCharFlags maps the BlueZ "Flags" strings to permission bits, in bit order.
var bluezCharFlags = []string{
	"broadcast",              //bit 0
	"read",                   //bit 1
	"write-without-response", //bit 2
	"write",                  //bit 3
	"notify",                 //bit 4
	"indicate",               //bit 5
}

// parseFlags converts the GattCharacteristic1.Flags property. Unknown
// flags such as "reliable-write" are ignored.
func parseFlags(flags []string) CharacteristicPermissions {
	var p CharacteristicPermissions
	for _, f := range flags {
		for i, name := range bluezCharFlags {
			if f == name {
				p |= 1 << i
			}
		}
	}
	return p
}

func (p CharacteristicPermissions) Write() bool {
	return p&CharacteristicWritePermission != 0
}

func (p CharacteristicPermissions) WriteWithoutResponse() bool {
	return p&CharacteristicWriteWithoutResponsePermission != 0
}

func (p CharacteristicPermissions) Notify() bool {
	return p&CharacteristicNotifyPermission != 0
}

// handleFromPath extracts the ATT handle BlueZ encodes in the last path
// element, e.g. ".../service000c/char000d" gives 0x000d.
func handleFromPath(path dbus.ObjectPath) uint16 {
	s := string(path)
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return 0
	}
	elem := s[i+1:]
	for _, prefix := range []string{"service", "char", "desc"} {
		if strings.HasPrefix(elem, prefix) {
			h, err := strconv.ParseUint(elem[len(prefix):], 16, 16)
			if err != nil {
				return 0
			}
			return uint16(h)
		}
	}
	return 0
}
