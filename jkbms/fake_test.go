package jkbms

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"jkble/bluetooth"
)

var (
	errNoLink    = errors.New("le-connection-abort-by-local")
	errNoMTU     = errors.New("mtu exchange failed")
	errNoWrite   = errors.New("write failed")
	errNoService = errors.New("service not found")
)

const (
	testCharHandle = 0x0012
	testCCCDHandle = 0x0014
)

// fakeDialer fails the first failFirst dials and then hands out peripherals
// built by newPeripheral.
type fakeDialer struct {
	mu            sync.Mutex
	failFirst     int
	dials         int
	open          int
	maxOpen       int
	newPeripheral func() *fakePeripheral
	peripherals   []*fakePeripheral
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (Peripheral, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFirst {
		return nil, errNoLink
	}
	p := newFakePeripheral()
	if d.newPeripheral != nil {
		p = d.newPeripheral()
	}
	d.peripherals = append(d.peripherals, p)
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	p.onDisconnect = d.closed
	return p, nil
}

func (d *fakeDialer) closed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open--
}

func (d *fakeDialer) maxOpenLinks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// fakePeripheral pushes scripted notifications when frames are written to
// its notify characteristic.
type fakePeripheral struct {
	mu          sync.Mutex
	mtu         int
	setMTUErr   error
	serviceErr  error
	noNotify    bool
	noCCCD      bool
	writeErr    error
	writeOnly   bool
	disconnects int

	onDisconnect func()

	fragments  chan bluetooth.Fragment
	charWrites [][]byte
	charModes  []bool
	cccdWrites [][]byte

	// onWrite maps a written frame to the fragments sent back.
	onWrite func(frame []byte) [][]byte
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{fragments: make(chan bluetooth.Fragment, 256)}
}

func (p *fakePeripheral) SetMTU(mtu int) error {
	if p.setMTUErr != nil {
		return p.setMTUErr
	}
	p.mtu = mtu
	return nil
}

func (p *fakePeripheral) ServiceByUUID(uuid bluetooth.UUID) (Service, error) {
	if p.serviceErr != nil {
		return nil, p.serviceErr
	}
	if uuid.String() != bluetooth.New16BitUUID(0xffe0).String() {
		return nil, errNoService
	}
	return &fakeService{p: p}, nil
}

func (p *fakePeripheral) Notifications() <-chan bluetooth.Fragment {
	return p.fragments
}

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	if p.onDisconnect != nil {
		p.onDisconnect()
	}
	return nil
}

func (p *fakePeripheral) push(data ...[]byte) {
	for _, d := range data {
		p.fragments <- bluetooth.Fragment{Handle: testCharHandle, Data: d}
	}
}

func (p *fakePeripheral) disconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

type fakeService struct {
	p *fakePeripheral
}

func (s *fakeService) Characteristics() ([]Characteristic, error) {
	write := &fakeCharacteristic{p: s.p, uuid: 0xffe2, handle: 0x0010, props: bluetooth.CharacteristicWritePermission}
	notify := &fakeCharacteristic{
		p:      s.p,
		uuid:   0xffe1,
		handle: testCharHandle,
		props:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
	}
	if s.p.noNotify {
		notify.props = bluetooth.CharacteristicReadPermission
	}
	if s.p.writeOnly {
		notify.props = bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicWritePermission
	}
	return []Characteristic{write, notify}, nil
}

func (s *fakeService) Descriptors(uuid bluetooth.UUID) ([]Descriptor, error) {
	if s.p.noCCCD || uuid != bluetooth.ClientCharacteristicConfigUUID {
		return nil, nil
	}
	return []Descriptor{&fakeDescriptor{p: s.p}}, nil
}

type fakeCharacteristic struct {
	p      *fakePeripheral
	uuid   uint16
	handle uint16
	props  bluetooth.CharacteristicPermissions
}

func (c *fakeCharacteristic) UUID() bluetooth.UUID { return bluetooth.New16BitUUID(c.uuid) }
func (c *fakeCharacteristic) Handle() uint16       { return c.handle }

func (c *fakeCharacteristic) Properties() bluetooth.CharacteristicPermissions {
	return c.props
}

func (c *fakeCharacteristic) Write(b []byte, withResponse bool) error {
	if c.p.writeErr != nil {
		return c.p.writeErr
	}
	c.p.charWrites = append(c.p.charWrites, bytes.Clone(b))
	c.p.charModes = append(c.p.charModes, withResponse)
	if c.p.onWrite != nil {
		c.p.push(c.p.onWrite(b)...)
	}
	return nil
}

type fakeDescriptor struct {
	p *fakePeripheral
}

func (d *fakeDescriptor) Handle() uint16 { return testCCCDHandle }

func (d *fakeDescriptor) Write(b []byte, withResponse bool) error {
	d.p.cccdWrites = append(d.p.cccdWrites, bytes.Clone(b))
	return nil
}

// fakeProtocol resolves getInfo and getCellData like the JK02 table.
type fakeProtocol struct{}

var testCellDataFrame = []byte{0xaa, 0x55, 0x90, 0xeb, 0x96, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10}

func (fakeProtocol) FullCommand(name string) ([]byte, error) {
	switch name {
	case CommandGetInfo:
		return GetInfo[1], nil
	case "getCellData":
		return testCellDataFrame, nil
	}
	return nil, ErrUnknownCommand
}

func (fakeProtocol) CommandDefinition(name string) (CommandDefinition, error) {
	switch name {
	case CommandGetInfo:
		return CommandDefinition{RecordType: 0x03}, nil
	case "getCellData":
		return CommandDefinition{RecordType: 0x02}, nil
	}
	return CommandDefinition{}, ErrUnknownCommand
}

// sor builds a start-of-record fragment of n bytes for recordType.
func sor(recordType byte, n int) []byte {
	b := make([]byte, n)
	copy(b, StartOfRecord)
	b[recordTypeOffset] = recordType
	for i := recordTypeOffset + 1; i < n; i++ {
		b[i] = byte(i)
	}
	return b
}

// continuation builds a fragment of n bytes that does not start a record.
func continuation(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

// scripted answers getInfo with info and any other frame with reply.
func scripted(info [][]byte, reply [][]byte) func([]byte) [][]byte {
	return func(frame []byte) [][]byte {
		switch {
		case bytes.Equal(frame, GetInfo[1]):
			return info
		case bytes.Equal(frame, enableNotify):
			return nil
		default:
			return reply
		}
	}
}
