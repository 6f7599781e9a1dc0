package bledev

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/examples/option"
	"github.com/rs/zerolog/log"
)

// DefaultMTU is requested right after connecting.
const DefaultMTU = 500

// propertyNames uses the names the panel UI expects.
var propertyNames = []struct {
	p    gatt.Property
	name string
}{
	{gatt.CharBroadcast, "broadcast"},
	{gatt.CharRead, "read"},
	{gatt.CharWriteNR, "write-without-response"},
	{gatt.CharWrite, "write"},
	{gatt.CharNotify, "notify"},
	{gatt.CharIndicate, "indicate"},
	{gatt.CharSignedWrite, "authenticated-signed-writes"},
	{gatt.CharExtended, "extended-properties"},
}

// PropertyNames lists the flags set in p.
func PropertyNames(p gatt.Property) []string {
	names := []string{}
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

type connResult struct {
	p   gatt.Peripheral
	err error
}

// GattAdapter drives the local HCI device through paypal/gatt.
type GattAdapter struct {
	mtu int
	dev gatt.Device

	// radio serializes scans and connection attempts.
	radio sync.Mutex

	mu      sync.Mutex
	state   gatt.State
	powered chan struct{}
	seen    map[string]gatt.Peripheral
	found   map[string]Device
	watch   func(gatt.Peripheral)
	pending map[string]chan connResult
	conns   map[string]*gattConn
}

// NewGattAdapter opens the default HCI device and waits until it reports
// powered on.
func NewGattAdapter(ctx context.Context, mtu int) (*GattAdapter, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	d, err := gatt.NewDevice(option.DefaultClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("open bluetooth device: %w", err)
	}
	a := &GattAdapter{
		mtu:     mtu,
		dev:     d,
		powered: make(chan struct{}),
		seen:    make(map[string]gatt.Peripheral),
		found:   make(map[string]Device),
		pending: make(map[string]chan connResult),
		conns:   make(map[string]*gattConn),
	}
	d.Handle(
		gatt.PeripheralDiscovered(a.onPeriphDiscovered),
		gatt.PeripheralConnected(a.onPeriphConnected),
		gatt.PeripheralDisconnected(a.onPeriphDisconnected),
	)
	if err := d.Init(a.onStateChanged); err != nil {
		return nil, fmt.Errorf("init bluetooth device: %w", err)
	}

	select {
	case <-a.powered:
		return a, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrAdapterOff, ctx.Err())
	}
}

func (a *GattAdapter) onStateChanged(d gatt.Device, s gatt.State) {
	log.Info().Str("state", s.String()).Msg("adapter state changed")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
	if s == gatt.StatePoweredOn {
		select {
		case <-a.powered:
		default:
			close(a.powered)
		}
		return
	}
	d.StopScanning()
}

func (a *GattAdapter) onPeriphDiscovered(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
	name := p.Name()
	if name == "" && adv != nil {
		name = adv.LocalName
	}
	if name == "" {
		name = UnknownName
	}
	log.Debug().Str("peripheral_id", p.ID()).Str("name", name).Int("rssi", rssi).Msg("discovered")

	a.mu.Lock()
	a.seen[p.ID()] = p
	if prev, ok := a.found[p.ID()]; !ok || rssi > prev.RSSI || prev.Name == UnknownName {
		a.found[p.ID()] = Device{Address: p.ID(), Name: name, RSSI: rssi}
	}
	watch := a.watch
	a.mu.Unlock()

	if watch != nil {
		watch(p)
	}
}

func (a *GattAdapter) onPeriphConnected(p gatt.Peripheral, err error) {
	log.Info().Str("peripheral_id", p.ID()).Err(err).Msg("peripheral connected")
	a.mu.Lock()
	ch, ok := a.pending[p.ID()]
	delete(a.pending, p.ID())
	a.mu.Unlock()
	if ok {
		ch <- connResult{p: p, err: err}
		return
	}
	// Nobody waits for this link any more, the connect attempt timed out.
	if err == nil {
		log.Warn().Str("peripheral_id", p.ID()).Msg("dropping unclaimed connection")
		a.dev.CancelConnection(p)
	}
}

func (a *GattAdapter) onPeriphDisconnected(p gatt.Peripheral, err error) {
	log.Info().Str("peripheral_id", p.ID()).Err(err).Msg("peripheral disconnected")
	a.mu.Lock()
	c, ok := a.conns[p.ID()]
	delete(a.conns, p.ID())
	ch, waiting := a.pending[p.ID()]
	delete(a.pending, p.ID())
	a.mu.Unlock()
	if ok {
		c.markClosed()
	}
	if waiting {
		if err == nil {
			err = ErrDisconnected
		}
		ch <- connResult{err: err}
	}
}

// Scan listens for advertisements until timeout or ctx is done.
func (a *GattAdapter) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	a.radio.Lock()
	defer a.radio.Unlock()

	a.mu.Lock()
	if a.state != gatt.StatePoweredOn {
		a.mu.Unlock()
		return nil, ErrAdapterOff
	}
	a.found = make(map[string]Device)
	a.mu.Unlock()

	log.Info().Dur("timeout", timeout).Msg("scan all devices")
	a.dev.Scan([]gatt.UUID{}, true)
	t := time.NewTimer(timeout)
	defer t.Stop()
	var err error
	select {
	case <-t.C:
	case <-ctx.Done():
		err = ctx.Err()
	}
	a.dev.StopScanning()

	a.mu.Lock()
	devices := make([]Device, 0, len(a.found))
	for _, d := range a.found {
		devices = append(devices, d)
	}
	a.mu.Unlock()
	log.Info().Int("count", len(devices)).Msg("finished scan")
	return devices, err
}

// lookup returns the peripheral for address, scanning until it shows up if
// it has not been seen yet.
func (a *GattAdapter) lookup(ctx context.Context, address string) (gatt.Peripheral, error) {
	a.mu.Lock()
	p, ok := a.seen[address]
	if ok {
		a.mu.Unlock()
		return p, nil
	}
	hit := make(chan gatt.Peripheral, 1)
	a.watch = func(p gatt.Peripheral) {
		if p.ID() == address {
			select {
			case hit <- p:
			default:
			}
		}
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.watch = nil
		a.mu.Unlock()
	}()

	log.Info().Str("peripheral_id", address).Msg("scanning for peripheral")
	a.dev.Scan([]gatt.UUID{}, false)
	defer a.dev.StopScanning()
	select {
	case p := <-hit:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", address, ErrNotFound)
	}
}

// Connect links to the peripheral with the given address.
func (a *GattAdapter) Connect(ctx context.Context, address string) (Conn, error) {
	a.radio.Lock()
	defer a.radio.Unlock()

	p, err := a.lookup(ctx, address)
	if err != nil {
		return nil, err
	}

	ch := make(chan connResult, 1)
	a.mu.Lock()
	a.pending[address] = ch
	a.mu.Unlock()

	a.dev.Connect(p)
	var res connResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, address)
		a.mu.Unlock()
		a.dev.CancelConnection(p)
		return nil, fmt.Errorf("connect %s: %w", address, ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, res.err)
	}

	if err := p.SetMTU(uint16(a.mtu)); err != nil {
		log.Err(err).Int("mtu", a.mtu).Msg("MTU set")
	}
	c := &gattConn{adapter: a, p: res.p, done: make(chan struct{}), chars: make(map[string]*gatt.Characteristic)}
	a.mu.Lock()
	a.conns[address] = c
	a.mu.Unlock()
	return c, nil
}

type gattConn struct {
	adapter *GattAdapter
	p       gatt.Peripheral

	mu       sync.Mutex
	services []*gatt.Service
	// chars is keyed by canonical service UUID + "/" + canonical char UUID.
	chars map[string]*gatt.Characteristic

	closeOnce sync.Once
	done      chan struct{}
}

func (c *gattConn) Address() string { return c.p.ID() }

func (c *gattConn) Disconnected() <-chan struct{} { return c.done }

func (c *gattConn) markClosed() { c.closeOnce.Do(func() { close(c.done) }) }

func (c *gattConn) alive() error {
	select {
	case <-c.done:
		return ErrDisconnected
	default:
		return nil
	}
}

// discover walks services and characteristics once per connection.
func (c *gattConn) discover() ([]*gatt.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.services != nil {
		return c.services, nil
	}
	ss, err := c.p.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	for _, s := range ss {
		cs, err := c.p.DiscoverCharacteristics(nil, s)
		if err != nil {
			log.Err(err).Str("service", s.UUID().String()).Msg("discover characteristics")
			continue
		}
		for _, ch := range cs {
			c.chars[CanonicalUUID(s.UUID().String())+"/"+CanonicalUUID(ch.UUID().String())] = ch
		}
	}
	c.services = ss
	return ss, nil
}

func (c *gattConn) Services(ctx context.Context) ([]Service, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	ss, err := c.discover()
	if err != nil {
		return nil, err
	}
	out := make([]Service, 0, len(ss))
	for _, s := range ss {
		svc := Service{
			UUID:            FormatUUID(s.UUID().String()),
			Description:     describe(s.Name()),
			Characteristics: []Characteristic{},
		}
		for _, ch := range s.Characteristics() {
			svc.Characteristics = append(svc.Characteristics, Characteristic{
				UUID:        FormatUUID(ch.UUID().String()),
				Description: describe(ch.Name()),
				Properties:  PropertyNames(ch.Properties()),
			})
		}
		out = append(out, svc)
	}
	return out, ctx.Err()
}

func describe(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}

// find locates a characteristic by UUID, optionally restricted to a service.
func (c *gattConn) find(serviceUUID, charUUID string) (*gatt.Characteristic, error) {
	if _, err := c.discover(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	want := CanonicalUUID(charUUID)
	if serviceUUID != "" {
		svc := CanonicalUUID(serviceUUID)
		if ch, ok := c.chars[svc+"/"+want]; ok {
			return ch, nil
		}
		for _, s := range c.services {
			if CanonicalUUID(s.UUID().String()) == svc {
				return nil, fmt.Errorf("%s in %s: %w", charUUID, serviceUUID, ErrNoChar)
			}
		}
		return nil, fmt.Errorf("%s: %w", serviceUUID, ErrNoService)
	}
	for _, ch := range c.chars {
		if CanonicalUUID(ch.UUID().String()) == want {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", charUUID, ErrNoChar)
}

func (c *gattConn) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	if err := c.alive(); err != nil {
		return err
	}
	ch, err := c.find(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	props := ch.Properties()
	if props&(gatt.CharWrite|gatt.CharWriteNR) == 0 {
		return fmt.Errorf("%s: %w", charUUID, ErrNotWritable)
	}
	noRsp := props&gatt.CharWrite == 0
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Info().Str("characteristic", charUUID).Int("bytes", len(data)).Bool("no_response", noRsp).Msg("write characteristic")
	if err := c.p.WriteCharacteristic(ch, data, noRsp); err != nil {
		return fmt.Errorf("write %s: %w", charUUID, err)
	}
	return nil
}

func (c *gattConn) Subscribe(ctx context.Context, charUUID string, fn func(Notification)) error {
	if err := c.alive(); err != nil {
		return err
	}
	ch, err := c.find("", charUUID)
	if err != nil {
		return err
	}
	if ch.Properties()&(gatt.CharNotify|gatt.CharIndicate) == 0 {
		return fmt.Errorf("%s: %w", charUUID, ErrNotNotifiable)
	}
	// The CCCD is only known after descriptor discovery.
	if _, err := c.p.DiscoverDescriptors(nil, ch); err != nil {
		return fmt.Errorf("discover descriptors %s: %w", charUUID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id := FormatUUID(ch.UUID().String())
	err = c.p.SetNotifyValue(ch, func(_ *gatt.Characteristic, b []byte, err error) {
		if err != nil {
			log.Err(err).Str("characteristic", id).Msg("notified")
			return
		}
		fn(DecodeNotification(id, b, time.Now()))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", charUUID, err)
	}
	return nil
}

func (c *gattConn) Disconnect(ctx context.Context) error {
	if c.alive() != nil {
		return nil
	}
	c.adapter.dev.CancelConnection(c.p)
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		// The link may still go down later; callers treat the session as closed.
		c.markClosed()
		return ctx.Err()
	}
}
