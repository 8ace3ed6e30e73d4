package jkbms

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"jkble/bluetooth"
	"jkble/metrics"
)

// Driver runs exchanges on open connections.
type Driver struct {
	// WaitTimeout bounds one wait for a notification.
	WaitTimeout time.Duration
	// RecordsToGrab sizes the loop ceiling: 15*RecordsToGrab + 16 waits.
	RecordsToGrab int
	Logger        zerolog.Logger
}

func NewDriver(logger zerolog.Logger) *Driver {
	return &Driver{
		WaitTimeout:   DefaultWaitTimeout,
		RecordsToGrab: DefaultRecordsToGrab,
		Logger:        logger,
	}
}

// MaxWaits returns the loop ceiling of a non-bootstrap exchange.
func (d *Driver) MaxWaits() int {
	n := d.RecordsToGrab
	if n < 1 {
		n = DefaultRecordsToGrab
	}
	return 15*n + 16
}

func (d *Driver) waitTimeout() time.Duration {
	if d.WaitTimeout <= 0 {
		return DefaultWaitTimeout
	}
	return d.WaitTimeout
}

// Exchange sends cmd on conn and returns at most RecordSize bytes of the
// reassembled record. The record may be partial or empty when the
// peripheral stops answering or the loop ceiling is reached; validating it
// is up to the decoder. A nil cmd returns an empty record at once.
func (d *Driver) Exchange(ctx context.Context, conn *Connection, cmd *Command) ([]byte, error) {
	if cmd == nil {
		return []byte{}, nil
	}
	conn.exchangeMu.Lock()
	defer conn.exchangeMu.Unlock()
	if !conn.IsOpen() {
		return nil, ErrConnectionClosed
	}

	logger := d.Logger.With().Str("command", cmd.Name).Logger()
	logger.Debug().Hex("frame", cmd.Frame).Msg("exchange")

	collector := NewCollector(cmd.RecordType)
	fragments := conn.peripheral.Notifications()
	drained := drain(fragments)
	if drained > 0 {
		logger.Debug().Int("fragments", drained).Msg("discarded stale notifications")
	}

	char, cccd, err := d.resolve(conn, logger)
	if err != nil {
		return nil, err
	}

	logger.Info().Uint16("handle", cccd.Handle()).Msg("enable client characteristic configuration")
	if err := cccd.Write(enableNotify, true); err != nil {
		return nil, fmt.Errorf("jkbms: enable notifications: %w", err)
	}
	withResponse := writeWithResponse(char)
	logger.Info().Uint16("handle", char.Handle()).Bool("with_response", withResponse).Msg("enable read handle")
	if err := char.Write(enableNotify, withResponse); err != nil {
		return nil, fmt.Errorf("jkbms: enable read handle: %w", err)
	}
	logger.Info().Msg("write getInfo to read handle")
	if err := char.Write(GetInfo[1], withResponse); err != nil {
		return nil, fmt.Errorf("jkbms: write getInfo: %w", err)
	}

	if _, err := d.wait(ctx, fragments, collector); err != nil {
		return nil, err
	}
	if cmd.IsBootstrap() {
		return collector.Record().Head(RecordSize), nil
	}

	logger.Info().Uint16("handle", char.Handle()).Msg("write command to read handle")
	if err := char.Write(cmd.Frame, withResponse); err != nil {
		return nil, fmt.Errorf("jkbms: write command: %w", err)
	}

	maxWaits := d.MaxWaits()
	logger.Info().Int("records", d.RecordsToGrab).Msg("grabbing records after initial response")
	loops := 0
	for {
		loops++
		if loops > maxWaits {
			logger.Info().Int("loops", loops-1).Msg("loop ceiling reached")
			break
		}
		active, err := d.wait(ctx, fragments, collector)
		if err != nil {
			return nil, err
		}
		if !active {
			logger.Debug().Int("loops", loops).Msg("no notification within timeout")
			break
		}
		if collector.Record().Complete() {
			logger.Debug().Int("loops", loops).Msg("record complete")
			break
		}
	}

	record := collector.Record()
	logger.Debug().Int("len", record.Len()).Int("dropped", record.Dropped()).Bool("complete", record.Complete()).Msg("record")
	return record.Head(RecordSize), nil
}

// resolve finds the notify characteristic of the ffe0 service and its
// client characteristic configuration descriptor.
func (d *Driver) resolve(conn *Connection, logger zerolog.Logger) (Characteristic, Descriptor, error) {
	fail := func(format string, args ...any) (Characteristic, Descriptor, error) {
		err := fmt.Errorf("%w: "+format, append([]any{ErrDiscovery}, args...)...)
		logger.Error().Err(err).Msg("discovery failed")
		return nil, nil, err
	}

	svcUUID, _ := bluetooth.ParseUUID(ServiceUUID)
	svc, err := conn.peripheral.ServiceByUUID(svcUUID)
	if err != nil {
		return fail("service %s: %v", ServiceUUID, err)
	}
	chars, err := svc.Characteristics()
	if err != nil {
		return fail("characteristics: %v", err)
	}
	var char Characteristic
	for _, c := range chars {
		if c.Properties().Notify() {
			char = c
			break
		}
	}
	if char == nil {
		return fail("no characteristic with notify in service %s", ServiceUUID)
	}
	logger.Info().Str("uuid", char.UUID().String()).Uint16("handle", char.Handle()).Msg("notification characteristic")

	descs, err := svc.Descriptors(bluetooth.ClientCharacteristicConfigUUID)
	if err != nil {
		return fail("descriptors: %v", err)
	}
	if len(descs) == 0 {
		return fail("no client characteristic configuration descriptor in service %s", ServiceUUID)
	}
	logger.Info().Uint16("handle", descs[0].Handle()).Msg("client config descriptor")
	return char, descs[0], nil
}

// writeWithResponse reports whether writes to c need an ATT write request.
// Write commands are used whenever the characteristic allows them.
func writeWithResponse(c Characteristic) bool {
	p := c.Properties()
	return !p.WriteWithoutResponse() && p.Write()
}

// wait receives at most one fragment, blocking up to the wait timeout. It
// reports false when nothing arrived or the link is gone.
func (d *Driver) wait(ctx context.Context, fragments <-chan bluetooth.Fragment, collector *Collector) (bool, error) {
	timer := time.NewTimer(d.waitTimeout())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case frag, ok := <-fragments:
		if !ok {
			d.Logger.Warn().Msg("notification stream closed")
			return false, nil
		}
		accepted := collector.OnFragment(frag.Handle, frag.Data)
		metrics.RecordFragment(accepted)
		d.Logger.Trace().Uint16("handle", frag.Handle).Int("len", len(frag.Data)).Bool("accepted", accepted).Msg("fragment")
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// drain discards fragments left over from an earlier exchange.
func drain(fragments <-chan bluetooth.Fragment) int {
	n := 0
	for {
		select {
		case _, ok := <-fragments:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
