// Package jkbms talks to JK battery management systems over Bluetooth Low
// Energy. A command is written to the ffe1 characteristic of the ffe0
// service and the answer is streamed back as notifications, which are
// reassembled into one record of RecordSize bytes.
//
// The exchange is strictly sequential on a Connection:
//
//	Connect ──► enable notify ──► write getInfo ──► wait once
//	                                                   │
//	              getInfo? ◄───────────────────────────┘
//	              │yes           │no
//	              ▼              ▼
//	           record      write command ──► wait until idle, complete
//	                                         or the loop ceiling
//	                                              │
//	                                              ▼
//	                                            record ──► Disconnect
package jkbms

import (
	"errors"
	"time"
)

const (
	// MTU is negotiated on every connection.
	MTU = 330
	// ServiceUUID and NotifyCharacteristicUUID locate the notify stream.
	ServiceUUID              = "ffe0"
	NotifyCharacteristicUUID = "ffe1"
	// RecordSize is the length of a complete record on the wire.
	RecordSize = 300

	MaxConnectionAttempts = 3
	DefaultWaitTimeout    = time.Second
	DefaultRecordsToGrab  = 1

	// CommandGetInfo names the bootstrap device-information query.
	CommandGetInfo = "getInfo"
)

// StartOfRecord prefixes the first notification of every record. The byte
// after it carries the record type.
var StartOfRecord = []byte{0x55, 0xAA, 0xEB, 0x90}

const recordTypeOffset = 4

// GetInfo holds the two device-identification frames. GetInfo[1] is
// written at the start of every exchange; GetInfo[0] is kept for reference.
var GetInfo = [2][]byte{
	{0xaa, 0x55, 0x90, 0xeb, 0x97, 0x00, 0x34, 0x2b, 0x08, 0xe6, 0xd2, 0x4e, 0x5e, 0x66, 0x65, 0x90, 0x11, 0x01, 0xa2, 0xeb},
	{0xaa, 0x55, 0x90, 0xeb, 0x97, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x11},
}

var enableNotify = []byte{0x01, 0x00}

var (
	ErrConnectFailure   = errors.New("jkbms: cannot connect")
	ErrDiscovery        = errors.New("jkbms: notify characteristic not found")
	ErrConnectionClosed = errors.New("jkbms: connection closed")
	ErrUnknownCommand   = errors.New("jkbms: unknown command")
)

// CommandDefinition is what the protocol layer knows about a command.
type CommandDefinition struct {
	RecordType byte
}

// Protocol resolves command names into frames and expectations.
type Protocol interface {
	FullCommand(name string) ([]byte, error)
	CommandDefinition(name string) (CommandDefinition, error)
}

// Command is a fully resolved command ready for an exchange.
type Command struct {
	Name       string
	RecordType byte
	Frame      []byte
}

// IsBootstrap reports whether c is the getInfo query, which is answered
// within the first wait cycle.
func (c *Command) IsBootstrap() bool {
	return c.Name == CommandGetInfo
}
