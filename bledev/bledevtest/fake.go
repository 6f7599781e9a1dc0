// Package bledevtest provides an in-memory bledev.Adapter for tests.
package bledevtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davidoram/bletool/bledev"
)

// Write records one call to Conn.Write.
type Write struct {
	Service string
	Char    string
	Data    []byte
}

// Adapter is a scriptable bledev.Adapter. The exported fields may be set
// before use; everything else is guarded by its mutex.
type Adapter struct {
	Devices  []bledev.Device
	Services []bledev.Service
	ScanErr  error
	// ConnectErr, when set, fails every Connect.
	ConnectErr error
	// Block makes Scan and Connect wait for ctx to be done.
	Block bool

	mu      sync.Mutex
	scans   int
	current *Conn
}

// Scan returns the scripted devices.
func (a *Adapter) Scan(ctx context.Context, timeout time.Duration) ([]bledev.Device, error) {
	a.mu.Lock()
	a.scans++
	a.mu.Unlock()
	if a.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.ScanErr != nil {
		return nil, a.ScanErr
	}
	return append([]bledev.Device(nil), a.Devices...), nil
}

// Scans is the number of Scan calls so far.
func (a *Adapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// Connect succeeds for any scripted device address.
func (a *Adapter) Connect(ctx context.Context, address string) (bledev.Conn, error) {
	if a.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	known := false
	for _, d := range a.Devices {
		known = known || d.Address == address
	}
	if !known {
		return nil, fmt.Errorf("%s: %w", address, bledev.ErrNotFound)
	}
	c := &Conn{address: address, services: a.Services, done: make(chan struct{}), subs: map[string]func(bledev.Notification){}}
	a.mu.Lock()
	a.current = c
	a.mu.Unlock()
	return c, nil
}

// Conn is the last connection handed out, nil before the first Connect.
func (a *Adapter) Conn() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Conn is an in-memory bledev.Conn.
type Conn struct {
	address  string
	services []bledev.Service

	mu     sync.Mutex
	writes []Write
	subs   map[string]func(bledev.Notification)
	once   sync.Once
	done   chan struct{}
}

func (c *Conn) Address() string { return c.address }

func (c *Conn) Disconnected() <-chan struct{} { return c.done }

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Services(ctx context.Context) ([]bledev.Service, error) {
	if c.closed() {
		return nil, bledev.ErrDisconnected
	}
	return c.services, nil
}

func (c *Conn) char(charUUID string) (bledev.Characteristic, bool) {
	for _, s := range c.services {
		for _, ch := range s.Characteristics {
			if bledev.SameUUID(ch.UUID, charUUID) {
				return ch, true
			}
		}
	}
	return bledev.Characteristic{}, false
}

func (c *Conn) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	if c.closed() {
		return bledev.ErrDisconnected
	}
	if _, ok := c.char(charUUID); !ok {
		return fmt.Errorf("%s: %w", charUUID, bledev.ErrNoChar)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, Write{Service: serviceUUID, Char: charUUID, Data: append([]byte(nil), data...)})
	return nil
}

// Writes returns the recorded writes.
func (c *Conn) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

func (c *Conn) Subscribe(ctx context.Context, charUUID string, fn func(bledev.Notification)) error {
	if c.closed() {
		return bledev.ErrDisconnected
	}
	if _, ok := c.char(charUUID); !ok {
		return fmt.Errorf("%s: %w", charUUID, bledev.ErrNoChar)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[bledev.CanonicalUUID(charUUID)] = fn
	return nil
}

// Notify pushes b to the subscriber of charUUID and reports whether there was one.
func (c *Conn) Notify(charUUID string, b []byte) bool {
	c.mu.Lock()
	fn, ok := c.subs[bledev.CanonicalUUID(charUUID)]
	c.mu.Unlock()
	if ok {
		fn(bledev.DecodeNotification(bledev.FormatUUID(charUUID), b, time.Now()))
	}
	return ok
}

func (c *Conn) Disconnect(ctx context.Context) error {
	c.Drop()
	return nil
}

// Drop simulates the peripheral going away.
func (c *Conn) Drop() { c.once.Do(func() { close(c.done) }) }
