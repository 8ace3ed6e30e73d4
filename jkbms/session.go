package jkbms

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"jkble/metrics"
)

// Connection is an open link to one peripheral. Exchanges on a connection
// are serialized.
type Connection struct {
	Address string
	MTU     int

	peripheral Peripheral
	exchangeMu sync.Mutex

	mu   sync.Mutex
	open bool
}

func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Disconnect closes the link. It must be called once per successful Connect.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.open = false
	c.mu.Unlock()
	if err := c.peripheral.Disconnect(); err != nil {
		return fmt.Errorf("jkbms: disconnect %s: %w", c.Address, err)
	}
	return nil
}

// attemptResult is the outcome of one connection attempt.
type attemptResult struct {
	attempt int
	err     error
}

// retry runs fn until it succeeds or maxAttempts results are collected.
// A cancelled ctx ends the run early with the context error as the last
// result.
func retry(ctx context.Context, maxAttempts int, fn func(attempt int) error) []attemptResult {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	results := make([]attemptResult, 0, maxAttempts)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			results = append(results, attemptResult{attempt: attempt, err: err})
			break
		}
		err := fn(attempt)
		results = append(results, attemptResult{attempt: attempt, err: err})
		if err == nil {
			break
		}
	}
	return results
}

// Connect dials address up to maxAttempts times and negotiates MTU on the
// first link that comes up. Failed attempts are logged and absorbed; when
// all of them fail the returned error wraps ErrConnectFailure.
func Connect(ctx context.Context, dialer Dialer, address string, maxAttempts int, logger zerolog.Logger) (*Connection, error) {
	logger.Info().Str("address", address).Msg("attempting to connect")

	var conn *Connection
	results := retry(ctx, maxAttempts, func(attempt int) error {
		p, err := dialer.Dial(ctx, address)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("connection attempt failed")
			metrics.RecordConnectAttempt(false)
			return err
		}
		if err := p.SetMTU(MTU); err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("mtu negotiation failed")
			metrics.RecordConnectAttempt(false)
			if derr := p.Disconnect(); derr != nil {
				logger.Debug().Err(derr).Msg("disconnect after failed attempt")
			}
			return fmt.Errorf("set mtu %d: %w", MTU, err)
		}
		metrics.RecordConnectAttempt(true)
		conn = &Connection{
			Address:    address,
			MTU:        MTU,
			peripheral: p,
			open:       true,
		}
		return nil
	})

	last := results[len(results)-1]
	if last.err != nil {
		logger.Warn().Str("address", address).Int("attempts", len(results)).Msgf("cannot connect to %s - exceeded %d attempts", address, len(results))
		return nil, fmt.Errorf("%w to %s after %d attempts: %w", ErrConnectFailure, address, len(results), last.err)
	}
	logger.Info().Str("address", address).Int("attempt", last.attempt).Int("mtu", conn.MTU).Msg("connected")
	return conn, nil
}
