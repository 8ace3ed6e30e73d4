package bluetooth

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	bluezGattService1Interface        = "org.bluez.GattService1"
	bluezGattCharacteristic1Interface = "org.bluez.GattCharacteristic1"
	bluezGattDescriptor1Interface     = "org.bluez.GattDescriptor1"
)

var (
	ErrServiceNotFound = errors.New("bluetooth: service not found")
	errNotConnected    = errors.New("bluetooth: device is not connected")
)

// DeviceService is a primary GATT service resolved on a connected device.
type DeviceService struct {
	uuid   UUID
	path   dbus.ObjectPath
	device *Device
}

// DeviceCharacteristic is a GATT characteristic of a DeviceService.
type DeviceCharacteristic struct {
	uuid        UUID
	path        dbus.ObjectPath
	permissions CharacteristicPermissions
	device      *Device
}

// DeviceDescriptor is a GATT descriptor below a DeviceCharacteristic.
type DeviceDescriptor struct {
	uuid     UUID
	path     dbus.ObjectPath
	charPath dbus.ObjectPath
	device   *Device
}

// ServiceByUUID returns the first resolved service with the given UUID.
func (d *Device) ServiceByUUID(uuid UUID) (*DeviceService, error) {
	objects, err := d.adapter.managedObjects()
	if err != nil {
		return nil, err
	}
	prefix := string(d.device.Path()) + "/"
	var found []*DeviceService
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService1Interface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		u, ok := uuidProp(props)
		if !ok || u != uuid {
			continue
		}
		found = append(found, &DeviceService{uuid: u, path: path, device: d})
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, uuid)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Handle() < found[j].Handle() })
	return found[0], nil
}

func (s *DeviceService) UUID() UUID {
	return s.uuid
}

func (s *DeviceService) Handle() uint16 {
	return handleFromPath(s.path)
}

// DiscoverCharacteristics lists every characteristic of the service in
// handle order.
func (s *DeviceService) DiscoverCharacteristics() ([]*DeviceCharacteristic, error) {
	objects, err := s.device.adapter.managedObjects()
	if err != nil {
		return nil, err
	}
	var chars []*DeviceCharacteristic
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattCharacteristic1Interface]
		if !ok {
			continue
		}
		if svc, ok := props["Service"].Value().(dbus.ObjectPath); !ok || svc != s.path {
			continue
		}
		u, ok := uuidProp(props)
		if !ok {
			continue
		}
		flags, _ := props["Flags"].Value().([]string)
		chars = append(chars, &DeviceCharacteristic{
			uuid:        u,
			path:        path,
			permissions: parseFlags(flags),
			device:      s.device,
		})
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i].Handle() < chars[j].Handle() })
	return chars, nil
}

// DiscoverDescriptors lists the descriptors with the given UUID found
// below any characteristic of the service.
func (s *DeviceService) DiscoverDescriptors(uuid UUID) ([]*DeviceDescriptor, error) {
	objects, err := s.device.adapter.managedObjects()
	if err != nil {
		return nil, err
	}
	prefix := string(s.path) + "/"
	var descs []*DeviceDescriptor
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattDescriptor1Interface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		u, ok := uuidProp(props)
		if !ok || u != uuid {
			continue
		}
		charPath, _ := props["Characteristic"].Value().(dbus.ObjectPath)
		descs = append(descs, &DeviceDescriptor{uuid: u, path: path, charPath: charPath, device: s.device})
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Handle() < descs[j].Handle() })
	return descs, nil
}

func (c *DeviceCharacteristic) UUID() UUID {
	return c.uuid
}

func (c *DeviceCharacteristic) Handle() uint16 {
	return handleFromPath(c.path)
}

func (c *DeviceCharacteristic) Properties() CharacteristicPermissions {
	return c.permissions
}

// Write sends p with WriteValue. withResponse selects an ATT write request
// over a write command.
func (c *DeviceCharacteristic) Write(p []byte, withResponse bool) error {
	if len(p) == 0 {
		return nil //nothing to do
	}
	return c.device.writeValue(bluezGattCharacteristic1Interface, c.path, p, withResponse)
}

func (d *DeviceDescriptor) UUID() UUID {
	return d.uuid
}

func (d *DeviceDescriptor) Handle() uint16 {
	return handleFromPath(d.path)
}

// Write writes the descriptor value. BlueZ owns the client characteristic
// configuration descriptor and rejects direct writes to it, so a write of
// the notify bit there is translated into StartNotify on the parent
// characteristic, and a zero value into StopNotify.
func (d *DeviceDescriptor) Write(p []byte, withResponse bool) error {
	if d.uuid == ClientCharacteristicConfigUUID && d.charPath != "" {
		if len(p) > 0 && p[0]&0x03 != 0 {
			return d.device.startNotify(d.charPath)
		}
		return d.device.stopNotify(d.charPath)
	}
	if len(p) == 0 {
		return nil
	}
	return d.device.writeValue(bluezGattDescriptor1Interface, d.path, p, withResponse)
}

func (d *Device) writeValue(iface string, path dbus.ObjectPath, p []byte, withResponse bool) error {
	if !d.isConnected() {
		return errNotConnected
	}
	writeType := "command"
	if withResponse {
		writeType = "request"
	}
	options := map[string]dbus.Variant{}
	if iface == bluezGattCharacteristic1Interface {
		options["type"] = dbus.MakeVariant(writeType)
	}
	obj := d.adapter.bus.Object(bluezBus, path)
	if err := obj.Call(iface+".WriteValue", 0, p, options).Err; err != nil {
		return fmt.Errorf("bluetooth: write %s: %w", path, err)
	}
	log.Trace().Str("component", "bluetooth").Str("path", string(path)).Hex("value", p).Msg("write")
	return nil
}

func (d *Device) startNotify(path dbus.ObjectPath) error {
	if !d.isConnected() {
		return errNotConnected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.notifying[path]; ok {
		return nil
	}
	err := d.adapter.bus.Object(bluezBus, path).Call(bluezGattCharacteristic1Interface+".StartNotify", 0).Err
	if err != nil {
		if err, ok := err.(dbus.Error); ok && err.Name == "org.bluez.Error.InProgress" {
			d.notifying[path] = struct{}{}
			return nil
		}
		return fmt.Errorf("bluetooth: StartNotify %s: %w", path, err)
	}
	d.notifying[path] = struct{}{}
	return nil
}

func (d *Device) stopNotify(path dbus.ObjectPath) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.notifying[path]; !ok {
		return nil
	}
	delete(d.notifying, path)
	if err := d.adapter.bus.Object(bluezBus, path).Call(bluezGattCharacteristic1Interface+".StopNotify", 0).Err; err != nil {
		return fmt.Errorf("bluetooth: StopNotify %s: %w", path, err)
	}
	return nil
}

func uuidProp(props map[string]dbus.Variant) (UUID, bool) {
	s, ok := props["UUID"].Value().(string)
	if !ok {
		return UUID{}, false
	}
	u, err := ParseUUID(s)
	if err != nil {
		return UUID{}, false
	}
	return u, true
}
