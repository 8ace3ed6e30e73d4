package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	// Body indexes of org.freedesktop.DBus.Properties.PropertiesChanged
	// (interface name, changed properties, invalidated properties).

	dbusPropertiesChangedInterfaceName = 0
	dbusPropertiesChangedDictionary    = 1

	dbusSignalPropertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"

	bluezDevice1Interface        = "org.bluez.Device1"
	bluezDevice1Address          = "Address"
	bluezDevice1AddressType      = "AddressType"
	bluezDevice1Connected        = "Connected"
	bluezDevice1ServicesResolved = "ServicesResolved"

	bluezGattCharacteristic1Value = "Value"
)

var errAlreadyDisconnected = errors.New("bluetooth: device already disconnected")

type Address struct {
	MACAddress
}

// Device is a connected peripheral. Notifications from every characteristic
// the device was asked to notify on are delivered, in arrival order, on the
// channel returned by Notifications.
type Device struct {
	Address Address

	device  dbus.BusObject
	adapter *Adapter

	mu        sync.Mutex
	connected bool
	mtu       int
	notifying map[dbus.ObjectPath]struct{}

	//D-bus signals
	sigCh     chan *dbus.Signal
	matchOpts []dbus.MatchOption
	fragments chan Fragment
	stop      chan struct{}
	done      chan struct{}
	dropped   atomic.Uint64
}

// Connect opens a link to the device at address and waits until BlueZ has
// resolved its GATT services.
func (a *Adapter) Connect(ctx context.Context, address string, params ConnectionParams) (*Device, error) {
	if a.bus == nil {
		return nil, errors.New("bluetooth: adapter not enabled")
	}
	params = params.withDefaults()
	mac, err := ParseMAC(address)
	if err != nil {
		return nil, err
	}

	d := &Device{
		Address:   Address{MACAddress: MACAddress{MAC: mac}},
		device:    a.bus.Object(bluezBus, devicePath(a.id, mac)),
		adapter:   a,
		notifying: map[dbus.ObjectPath]struct{}{},
		fragments: make(chan Fragment, params.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	var props map[string]dbus.Variant
	if err := d.device.Call("org.freedesktop.DBus.Properties.GetAll", 0, bluezDevice1Interface).Store(&props); err != nil {
		if err, ok := err.(dbus.Error); ok && err.Name == "org.freedesktop.DBus.Error.UnknownObject" {
			return nil, fmt.Errorf("bluetooth: device %s is not known to %s", address, a.id)
		}
		return nil, fmt.Errorf("bluetooth: read device properties: %w", err)
	}
	if err := d.parseProperties(&props); err != nil {
		return nil, err
	}

	// Subscribe before connecting so no early notification is missed.
	if err := d.watch(); err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, params.ConnectionTimeout)
	defer cancel()
	if err := d.device.CallWithContext(connectCtx, bluezDevice1Interface+".Connect", 0).Err; err != nil {
		if connectRefused(err) {
			d.unwatch()
			abortConnect(d.device, address)
			return nil, fmt.Errorf("bluetooth: connect %s: %w", address, err)
		}
	}
	d.connected = true

	if err := d.waitServicesResolved(ctx, params.ResolveTimeout); err != nil {
		_ = d.Disconnect()
		return nil, err
	}
	log.Debug().Str("component", "bluetooth").Str("address", address).Bool("random", d.Address.IsRandom()).Msg("device connected")
	return d, nil
}

// connectRefused reports whether a Device1.Connect error means the link is
// not up. AlreadyConnected is not a failure.
func connectRefused(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == "org.bluez.Error.AlreadyConnected" {
		return false
	}
	return err != nil
}

// abortConnect disconnects after a failed or timed out Device1.Connect.
// BlueZ may still complete the connection in the background, which would
// leave the next attempt on a stale link.
func abortConnect(device dbus.BusObject, address string) {
	if err := device.Call(bluezDevice1Interface+".Disconnect", 0).Err; err != nil {
		log.Debug().Str("component", "bluetooth").Str("address", address).Err(err).Msg("disconnect after failed connect")
	}
}

func (d *Device) waitServicesResolved(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		resolved, err := property[bool](d.device, bluezDevice1Interface, bluezDevice1ServicesResolved)
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("bluetooth: service discovery timed out after %s", timeout)
		case <-ticker.C:
		}
	}
}

// SetMTU records the MTU requested for this link. BlueZ negotiates the ATT
// MTU itself on connect (ExchangeMTU in main.conf), so the negotiated value
// is read back from the device when it is exposed and only used for logging.
func (d *Device) SetMTU(mtu int) error {
	if !d.isConnected() {
		return errNotConnected
	}
	if mtu < 23 || mtu > 517 {
		return fmt.Errorf("bluetooth: MTU %d out of range", mtu)
	}
	d.mu.Lock()
	d.mtu = mtu
	d.mu.Unlock()
	if negotiated, err := property[uint16](d.device, bluezDevice1Interface, "MTU"); err == nil {
		log.Debug().Str("component", "bluetooth").Int("requested", mtu).Uint16("negotiated", negotiated).Msg("mtu")
	}
	return nil
}

// MTU returns the value set with SetMTU, or the BLE default of 23.
func (d *Device) MTU() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mtu == 0 {
		return 23
	}
	return d.mtu
}

// Notifications returns the channel notified values are pushed to. It is
// closed by Disconnect.
func (d *Device) Notifications() <-chan Fragment {
	return d.fragments
}

// Dropped returns how many notifications were discarded because the
// fragment channel was full.
func (d *Device) Dropped() uint64 {
	return d.dropped.Load()
}

// Disconnect stops notifications, removes the signal subscription and
// closes the link. A second call returns an error.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return errAlreadyDisconnected
	}
	d.connected = false
	paths := make([]dbus.ObjectPath, 0, len(d.notifying))
	for p := range d.notifying {
		paths = append(paths, p)
	}
	d.notifying = map[dbus.ObjectPath]struct{}{}
	d.mu.Unlock()

	for _, p := range paths {
		d.adapter.bus.Object(bluezBus, p).Call(bluezGattCharacteristic1Interface+".StopNotify", 0)
	}
	d.unwatch()

	if err := d.device.Call(bluezDevice1Interface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("bluetooth: disconnect %s: %w", d.Address.String(), err)
	}
	log.Debug().Str("component", "bluetooth").Str("address", d.Address.String()).Msg("device disconnected")
	return nil
}

func (d *Device) isConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Device) watch() error {
	d.matchOpts = []dbus.MatchOption{
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchOption("path_namespace", string(d.device.Path())),
	}
	if err := d.adapter.bus.AddMatchSignal(d.matchOpts...); err != nil {
		return fmt.Errorf("bluetooth: add dbus match signal: PropertiesChanged: %w", err)
	}
	d.sigCh = make(chan *dbus.Signal, cap(d.fragments))
	d.adapter.bus.Signal(d.sigCh)
	go d.handleDBusSignals()
	return nil
}

func (d *Device) unwatch() {
	select {
	case <-d.stop:
		return
	default:
	}
	close(d.stop)
	<-d.done
	if err := d.adapter.bus.RemoveMatchSignal(d.matchOpts...); err != nil {
		log.Debug().Str("component", "bluetooth").Err(err).Msg("remove dbus match signal")
	}
	d.adapter.bus.RemoveSignal(d.sigCh)
}

func (d *Device) handleDBusSignals() {
	defer close(d.done)
	defer close(d.fragments)
	prefix := string(d.device.Path()) + "/"
	for {
		select {
		case <-d.stop:
			return
		case sig, ok := <-d.sigCh:
			if !ok {
				return // channel closed
			}
			if sig.Name == dbusSignalPropertiesChanged && sig.Path == d.device.Path() {
				d.handleDeviceChanged(sig)
				continue
			}
			frag, ok := fragmentFromSignal(sig, prefix)
			if !ok {
				continue
			}
			select {
			case d.fragments <- frag:
			default:
				d.dropped.Add(1)
				log.Warn().Str("component", "bluetooth").Uint16("handle", frag.Handle).Int("len", len(frag.Data)).Msg("fragment queue full, dropping notification")
			}
		}
	}
}

func (d *Device) handleDeviceChanged(sig *dbus.Signal) {
	if len(sig.Body) <= dbusPropertiesChangedDictionary {
		return
	}
	if iface, ok := sig.Body[dbusPropertiesChangedInterfaceName].(string); !ok || iface != bluezDevice1Interface {
		return
	}
	changes, ok := sig.Body[dbusPropertiesChangedDictionary].(map[string]dbus.Variant)
	if !ok {
		return
	}
	if connected, ok := changes[bluezDevice1Connected].Value().(bool); ok && !connected {
		log.Warn().Str("component", "bluetooth").Str("address", d.Address.String()).Msg("device dropped the link")
	}
}

// fragmentFromSignal turns a PropertiesChanged signal carrying a new Value
// of a characteristic below prefix into a Fragment.
func fragmentFromSignal(sig *dbus.Signal, prefix string) (Fragment, bool) {
	if sig == nil || sig.Name != dbusSignalPropertiesChanged || len(sig.Body) <= dbusPropertiesChangedDictionary {
		return Fragment{}, false
	}
	if !strings.HasPrefix(string(sig.Path), prefix) {
		return Fragment{}, false
	}
	if iface, ok := sig.Body[dbusPropertiesChangedInterfaceName].(string); !ok || iface != bluezGattCharacteristic1Interface {
		return Fragment{}, false
	}
	changes, ok := sig.Body[dbusPropertiesChangedDictionary].(map[string]dbus.Variant)
	if !ok {
		return Fragment{}, false
	}
	value, ok := changes[bluezGattCharacteristic1Value].Value().([]byte)
	if !ok {
		return Fragment{}, false
	}
	data := make([]byte, len(value))
	copy(data, value)
	return Fragment{Handle: handleFromPath(sig.Path), Data: data}, true
}

func (d *Device) parseProperties(props *map[string]dbus.Variant) error {
	for prop, v := range *props {
		switch prop {
		case bluezDevice1Address:
			if addrStr, ok := v.Value().(string); ok {
				mac, err := ParseMAC(addrStr)
				if err != nil {
					return fmt.Errorf("ParseMAC: %w", err)
				}
				d.Address.MAC = mac
			}
		case bluezDevice1AddressType:
			if t, ok := v.Value().(string); ok {
				d.Address.isRandom = t == "random"
			}
		}
	}

	return nil
}
