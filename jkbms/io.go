package jkbms

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"jkble/metrics"
)

// Options configures an IO.
type Options struct {
	MaxAttempts   int
	WaitTimeout   time.Duration
	RecordsToGrab int
	Logger        zerolog.Logger
}

// IO runs complete connect, exchange and disconnect cycles against one
// peripheral. Cycles are serialized: at most one connection is open at a
// time and a link is never shared between exchanges.
type IO struct {
	// busy holds a token while a cycle runs.
	busy chan struct{}

	address     string
	dialer      Dialer
	maxAttempts int
	driver      *Driver
	logger      zerolog.Logger
}

func NewIO(address string, dialer Dialer, opts Options) *IO {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = MaxConnectionAttempts
	}
	logger := opts.Logger.With().Str("component", "jkbleio").Str("address", address).Logger()
	driver := NewDriver(logger)
	if opts.WaitTimeout > 0 {
		driver.WaitTimeout = opts.WaitTimeout
	}
	if opts.RecordsToGrab > 0 {
		driver.RecordsToGrab = opts.RecordsToGrab
	}
	return &IO{
		busy:        make(chan struct{}, 1),
		address:     address,
		dialer:      dialer,
		maxAttempts: opts.MaxAttempts,
		driver:      driver,
		logger:      logger,
	}
}

func (c *IO) Address() string {
	return c.address
}

// SendAndReceive resolves command through protocol, connects, runs one
// exchange and disconnects on every exit path. The raw record is returned
// undecoded.
func (c *IO) SendAndReceive(ctx context.Context, command string, protocol Protocol) (response []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordExchange(command, outcome(err), time.Since(start), len(response))
	}()

	full, err := protocol.FullCommand(command)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Hex("full_command", full).Str("command", command).Msg("full command")
	defn, err := protocol.CommandDefinition(command)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("command", command).Uint8("record_type", defn.RecordType).Msg("expected record type")

	select {
	case c.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.busy }()

	conn, err := Connect(ctx, c.dialer, c.address, c.maxAttempts, c.logger)
	if err != nil {
		c.logger.Error().Err(err).Msgf("failed to connect to %s", c.address)
		return nil, err
	}
	defer func() {
		c.logger.Info().Msg("disconnecting BLE device")
		if derr := conn.Disconnect(); derr != nil {
			c.logger.Warn().Err(derr).Msg("disconnect failed")
		}
	}()

	response, err = c.driver.Exchange(ctx, conn, &Command{
		Name:       command,
		RecordType: defn.RecordType,
		Frame:      full,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Hex("response", response).Int("len", len(response)).Msg("raw response")
	return response, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrConnectFailure):
		return "connect_failure"
	case errors.Is(err, ErrDiscovery):
		return "discovery_failure"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	default:
		return "transport_fault"
	}
}
