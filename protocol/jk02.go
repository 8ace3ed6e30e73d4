// Package protocol provides the JK02 command table used to frame requests
// to JK battery management systems.
package protocol

import (
	"fmt"
	"sort"

	"jkble/jkbms"
)

// commandHeader starts every frame sent to the BMS.
var commandHeader = []byte{0xaa, 0x55, 0x90, 0xeb}

// FrameSize is the length of a command frame, checksum included.
const FrameSize = 20

// Record types carried in byte 4 of a response.
const (
	RecordTypeSettings byte = 0x01
	RecordTypeCellData byte = 0x02
	RecordTypeInfo     byte = 0x03
)

// Definition describes one command.
type Definition struct {
	Name        string `json:"name"`
	Code        byte   `json:"code"`
	RecordType  byte   `json:"record_type"`
	Description string `json:"description"`
}

// JK02 implements jkbms.Protocol for the JK02 BLE protocol.
type JK02 struct {
	commands map[string]Definition
}

var _ jkbms.Protocol = (*JK02)(nil)

func NewJK02() *JK02 {
	return &JK02{commands: map[string]Definition{
		jkbms.CommandGetInfo: {
			Name:        jkbms.CommandGetInfo,
			Code:        0x97,
			RecordType:  RecordTypeInfo,
			Description: "BLE Device Information inquiry",
		},
		"getCellData": {
			Name:        "getCellData",
			Code:        0x96,
			RecordType:  RecordTypeCellData,
			Description: "BLE Cell Data inquiry",
		},
	}}
}

// Commands lists the known commands sorted by name.
func (p *JK02) Commands() []Definition {
	out := make([]Definition, 0, len(p.commands))
	for _, d := range p.commands {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *JK02) definition(name string) (Definition, error) {
	d, ok := p.commands[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", jkbms.ErrUnknownCommand, name)
	}
	return d, nil
}

// FullCommand returns the framed command: header, command code, a zero
// length byte and value, padding, and a sum-of-bytes checksum.
func (p *JK02) FullCommand(name string) ([]byte, error) {
	d, err := p.definition(name)
	if err != nil {
		return nil, err
	}
	return Frame(d.Code, nil), nil
}

func (p *JK02) CommandDefinition(name string) (jkbms.CommandDefinition, error) {
	d, err := p.definition(name)
	if err != nil {
		return jkbms.CommandDefinition{}, err
	}
	return jkbms.CommandDefinition{RecordType: d.RecordType}, nil
}

// Frame builds a 20 byte command frame. value is truncated to 4 bytes.
func Frame(code byte, value []byte) []byte {
	if len(value) > 4 {
		value = value[:4]
	}
	frame := make([]byte, FrameSize)
	copy(frame, commandHeader)
	frame[4] = code
	frame[5] = byte(len(value))
	copy(frame[6:], value)
	frame[FrameSize-1] = Checksum(frame[:FrameSize-1])
	return frame
}

// Checksum is the low byte of the sum of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}
