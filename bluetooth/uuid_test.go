package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUUID_Short(t *testing.T) {
	u, err := ParseUUID("ffe0")
	require.NoError(t, err)
	assert.Equal(t, "0000ffe0-0000-1000-8000-00805f9b34fb", u.String())
	assert.True(t, u.Is16Bit())
	assert.Equal(t, uint16(0xffe0), u.Get16Bit())
}

func TestParseUUID_Long(t *testing.T) {
	u, err := ParseUUID("0000FFE1-0000-1000-8000-00805F9B34FB")
	require.NoError(t, err)
	assert.Equal(t, New16BitUUID(0xffe1), u)

	custom, err := ParseUUID("12345678-1234-5678-9abc-def012345678")
	require.NoError(t, err)
	assert.Equal(t, "12345678-1234-5678-9abc-def012345678", custom.String())
	assert.False(t, custom.Is16Bit())
}

func TestParseUUID_Invalid(t *testing.T) {
	for _, s := range []string{"", "ffe", "fxe0", "0000ffe1_0000-1000-8000-00805f9b34fb"} {
		_, err := ParseUUID(s)
		assert.ErrorIs(t, err, ErrInvalidUUID, s)
	}
}

func TestClientCharacteristicConfigUUID(t *testing.T) {
	assert.Equal(t, "00002902-0000-1000-8000-00805f9b34fb", ClientCharacteristicConfigUUID.String())
}
