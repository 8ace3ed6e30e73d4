package jkbms

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	cases := []struct {
		name        string
		maxAttempts int
		failFirst   int
		wantResults int
		wantErr     bool
	}{
		{"first attempt", 3, 0, 1, false},
		{"third attempt", 3, 2, 3, false},
		{"all fail", 3, 5, 3, true},
		{"zero attempts runs once", 0, 0, 1, false},
		{"negative attempts fail once", -2, 1, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			results := retry(context.Background(), tc.maxAttempts, func(attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if attempt <= tc.failFirst {
					return errNoLink
				}
				return nil
			})
			require.Len(t, results, tc.wantResults)
			assert.Equal(t, tc.wantResults, calls)
			assert.Equal(t, tc.wantErr, results[len(results)-1].err != nil)
		})
	}
}

func TestRetry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	results := retry(ctx, 3, func(int) error {
		calls++
		cancel()
		return errNoLink
	})
	assert.Equal(t, 1, calls)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[1].err, context.Canceled)
}

func TestConnect_ThirdAttempt(t *testing.T) {
	dialer := &fakeDialer{failFirst: 2}
	conn, err := Connect(context.Background(), dialer, "AA:BB:CC:DD:EE:FF", MaxConnectionAttempts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 3, dialer.dials)
	assert.True(t, conn.IsOpen())
	assert.Equal(t, MTU, conn.MTU)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", conn.Address)
	require.Len(t, dialer.peripherals, 1)
	assert.Equal(t, 330, dialer.peripherals[0].mtu)
}

func TestConnect_ExhaustsAttempts(t *testing.T) {
	dialer := &fakeDialer{failFirst: 10}
	conn, err := Connect(context.Background(), dialer, "AA:BB:CC:DD:EE:FF", 3, zerolog.Nop())
	assert.Nil(t, conn)
	require.ErrorIs(t, err, ErrConnectFailure)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, dialer.dials)
	assert.Empty(t, dialer.peripherals)
}

func TestConnect_MTUFailureClosesLink(t *testing.T) {
	dialer := &fakeDialer{newPeripheral: func() *fakePeripheral {
		p := newFakePeripheral()
		p.setMTUErr = errNoMTU
		return p
	}}
	_, err := Connect(context.Background(), dialer, "AA:BB:CC:DD:EE:FF", 2, zerolog.Nop())
	require.ErrorIs(t, err, ErrConnectFailure)
	require.Len(t, dialer.peripherals, 2)
	for _, p := range dialer.peripherals {
		assert.Equal(t, 1, p.disconnectCount(), "half-open link left behind")
	}
}

func TestConnection_DisconnectOnce(t *testing.T) {
	dialer := &fakeDialer{}
	conn, err := Connect(context.Background(), dialer, "AA:BB:CC:DD:EE:FF", 1, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, conn.Disconnect())
	assert.False(t, conn.IsOpen())
	assert.True(t, errors.Is(conn.Disconnect(), ErrConnectionClosed))
	assert.Equal(t, 1, dialer.peripherals[0].disconnectCount())
}

func TestConnect_CancelledKeepsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, &fakeDialer{}, "AA:BB:CC:DD:EE:FF", 3, zerolog.Nop())
	assert.ErrorIs(t, err, ErrConnectFailure)
	assert.ErrorIs(t, err, context.Canceled)
}
