package jkbms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIO(dialer Dialer) *IO {
	return NewIO("AA:BB:CC:DD:EE:FF", dialer, Options{WaitTimeout: testWait, Logger: zerolog.Nop()})
}

func TestSendAndReceive_CellData(t *testing.T) {
	dialer := &fakeDialer{failFirst: 2, newPeripheral: func() *fakePeripheral {
		p := newFakePeripheral()
		p.onWrite = scripted([][]byte{sor(0x03, 300)}, [][]byte{sor(0x02, 150), continuation(150, 0x42)})
		return p
	}}
	bms := newTestIO(dialer)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", bms.Address())

	out, err := bms.SendAndReceive(context.Background(), "getCellData", fakeProtocol{})
	require.NoError(t, err)
	assert.Len(t, out, RecordSize)
	assert.Equal(t, byte(0x02), out[recordTypeOffset])
	assert.Equal(t, 3, dialer.dials)
	require.Len(t, dialer.peripherals, 1)
	assert.Equal(t, 1, dialer.peripherals[0].disconnectCount())
}

func TestSendAndReceive_GetInfo(t *testing.T) {
	info := sor(0x03, 300)
	dialer := &fakeDialer{newPeripheral: func() *fakePeripheral {
		p := newFakePeripheral()
		p.onWrite = scripted([][]byte{info}, nil)
		return p
	}}
	out, err := newTestIO(dialer).SendAndReceive(context.Background(), CommandGetInfo, fakeProtocol{})
	require.NoError(t, err)
	assert.Equal(t, info, out)
	assert.Len(t, dialer.peripherals[0].charWrites, 2)
}

func TestSendAndReceive_ConnectFailure(t *testing.T) {
	dialer := &fakeDialer{failFirst: 3}
	out, err := newTestIO(dialer).SendAndReceive(context.Background(), "getCellData", fakeProtocol{})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrConnectFailure)
	assert.Equal(t, MaxConnectionAttempts, dialer.dials)
	assert.Empty(t, dialer.peripherals)
}

func TestSendAndReceive_DisconnectsOnExchangeError(t *testing.T) {
	dialer := &fakeDialer{newPeripheral: func() *fakePeripheral {
		p := newFakePeripheral()
		p.noCCCD = true
		return p
	}}
	_, err := newTestIO(dialer).SendAndReceive(context.Background(), "getCellData", fakeProtocol{})
	require.ErrorIs(t, err, ErrDiscovery)
	require.Len(t, dialer.peripherals, 1)
	assert.Equal(t, 1, dialer.peripherals[0].disconnectCount())
}

func TestSendAndReceive_DisconnectsOnWriteFailure(t *testing.T) {
	dialer := &fakeDialer{newPeripheral: func() *fakePeripheral {
		p := newFakePeripheral()
		p.writeErr = errNoWrite
		return p
	}}
	out, err := newTestIO(dialer).SendAndReceive(context.Background(), "getCellData", fakeProtocol{})
	assert.Nil(t, out)
	require.ErrorIs(t, err, errNoWrite)
	assert.Equal(t, "transport_fault", outcome(err))
	require.Len(t, dialer.peripherals, 1)
	assert.Equal(t, 1, dialer.peripherals[0].disconnectCount())
}

func TestSendAndReceive_ConcurrentCallsSerialized(t *testing.T) {
	dialer := &fakeDialer{newPeripheral: func() *fakePeripheral {
		p := newFakePeripheral()
		p.onWrite = scripted([][]byte{sor(0x03, 300)}, [][]byte{sor(0x02, 300)})
		return p
	}}
	bms := newTestIO(dialer)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = bms.SendAndReceive(context.Background(), "getCellData", fakeProtocol{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, dialer.maxOpenLinks())
	assert.Equal(t, callers, dialer.dials)
	for _, p := range dialer.peripherals {
		assert.Equal(t, 1, p.disconnectCount())
	}
}

func TestSendAndReceive_CancelledWhileBusy(t *testing.T) {
	dialer := &fakeDialer{}
	bms := newTestIO(dialer)
	bms.busy <- struct{}{}
	defer func() { <-bms.busy }()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	_, err := bms.SendAndReceive(ctx, "getCellData", fakeProtocol{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, dialer.dials)
}

// cancelingDialer cancels the caller's context on every dial.
type cancelingDialer struct {
	*fakeDialer
	cancel context.CancelFunc
}

func (d cancelingDialer) Dial(ctx context.Context, address string) (Peripheral, error) {
	d.cancel()
	return d.fakeDialer.Dial(ctx, address)
}

func TestSendAndReceive_ConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := cancelingDialer{fakeDialer: &fakeDialer{failFirst: 10}, cancel: cancel}
	_, err := newTestIO(dialer).SendAndReceive(ctx, "getCellData", fakeProtocol{})
	assert.Equal(t, 1, dialer.dials)
	assert.ErrorIs(t, err, ErrConnectFailure)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", outcome(err))
}

func TestSendAndReceive_UnknownCommand(t *testing.T) {
	dialer := &fakeDialer{}
	_, err := newTestIO(dialer).SendAndReceive(context.Background(), "getSettings", fakeProtocol{})
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Zero(t, dialer.dials)
}

func TestNewIO_Defaults(t *testing.T) {
	bms := NewIO("AA:BB:CC:DD:EE:FF", &fakeDialer{}, Options{})
	assert.Equal(t, MaxConnectionAttempts, bms.maxAttempts)
	assert.Equal(t, DefaultWaitTimeout, bms.driver.WaitTimeout)
	assert.Equal(t, 31, bms.driver.MaxWaits())
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":                nil,
		"connect_failure":   fmt.Errorf("%w to x after 3 attempts", ErrConnectFailure),
		"discovery_failure": fmt.Errorf("%w: service ffe0", ErrDiscovery),
		"unknown_command":   ErrUnknownCommand,
		"cancelled":         fmt.Errorf("%w to x after 1 attempts: %w", ErrConnectFailure, context.Canceled),
		"transport_fault":   errors.New("broken pipe"),
	}
	for want, err := range cases {
		assert.Equal(t, want, outcome(err))
	}
}
