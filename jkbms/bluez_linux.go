package jkbms

import (
	"context"

	"github.com/rs/zerolog/log"

	"jkble/bluetooth"
)

// BlueZDialer connects through a local BlueZ adapter.
type BlueZDialer struct {
	Adapter *bluetooth.Adapter
	Params  bluetooth.ConnectionParams
}

// NewBlueZDialer uses the named adapter, or bluetooth.DefaultAdapter when
// adapterID is empty.
func NewBlueZDialer(adapterID string) *BlueZDialer {
	if adapterID == "" {
		return &BlueZDialer{Adapter: bluetooth.DefaultAdapter}
	}
	return &BlueZDialer{Adapter: bluetooth.NewAdapter(adapterID)}
}

func (b *BlueZDialer) Dial(ctx context.Context, address string) (Peripheral, error) {
	if err := b.Adapter.Enable(); err != nil {
		return nil, err
	}
	if local, err := b.Adapter.Address(); err == nil {
		log.Debug().Str("adapter", b.Adapter.ID()).Str("local", local.String()).Str("address", address).Msg("dialing")
	}
	dev, err := b.Adapter.Connect(ctx, address, b.Params)
	if err != nil {
		return nil, err
	}
	return &bluezPeripheral{dev: dev}, nil
}

type bluezPeripheral struct {
	dev *bluetooth.Device
}

func (p *bluezPeripheral) SetMTU(mtu int) error {
	return p.dev.SetMTU(mtu)
}

func (p *bluezPeripheral) ServiceByUUID(uuid bluetooth.UUID) (Service, error) {
	svc, err := p.dev.ServiceByUUID(uuid)
	if err != nil {
		return nil, err
	}
	return &bluezService{svc: svc}, nil
}

func (p *bluezPeripheral) Notifications() <-chan bluetooth.Fragment {
	return p.dev.Notifications()
}

func (p *bluezPeripheral) Disconnect() error {
	if n := p.dev.Dropped(); n > 0 {
		log.Warn().Str("address", p.dev.Address.String()).Uint64("dropped", n).Int("mtu", p.dev.MTU()).Msg("notifications dropped on a full queue")
	}
	return p.dev.Disconnect()
}

type bluezService struct {
	svc *bluetooth.DeviceService
}

func (s *bluezService) Characteristics() ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics()
	if err != nil {
		return nil, err
	}
	out := make([]Characteristic, len(chars))
	for i, c := range chars {
		out[i] = c
	}
	return out, nil
}

func (s *bluezService) Descriptors(uuid bluetooth.UUID) ([]Descriptor, error) {
	descs, err := s.svc.DiscoverDescriptors(uuid)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, len(descs))
	for i, d := range descs {
		out[i] = d
	}
	return out, nil
}
